// Package ingest implements the watcher that turns new artifacts appearing
// under drop-in/incoming/{repos,forks,mirrors,stale,internal} into
// registered, queued drops: it is the glue between C4 (extraction), C5
// (registration), and C6 (the pipeline engine), none of which watch the
// filesystem themselves.
//
// Grounded on the same queue-watcher idiom C8's trigger.go uses against
// original_source/cicd/src/trigger.rs's watch_queue (per-queue dedup set,
// golang.org/x/time/rate poll cadence) — spec.md describes the incoming
// watch roots in §6 but, like the original corpus, leaves the watcher
// loop itself as an implementation detail of wiring C4/C5/C6 together.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noacore/crc-pipeline/internal/ambient/logging"
	"github.com/noacore/crc-pipeline/internal/crc/dropregistry"
	"github.com/noacore/crc-pipeline/internal/crc/extraction"
	"github.com/noacore/crc-pipeline/internal/crc/pipeline"
)

// watchRoots maps each incoming subdirectory to the source type it implies.
var watchRoots = map[string]dropregistry.SourceType{
	"repos":    dropregistry.SourceExternalRepo,
	"forks":    dropregistry.SourceFork,
	"mirrors":  dropregistry.SourceMirror,
	"stale":    dropregistry.SourceStaleCodebase,
	"internal": dropregistry.SourceInternal,
}

// Config tunes the incoming-directory watcher.
type Config struct {
	IncomingRoot   string
	ExtractTempDir string
	PollInterval   time.Duration
}

// Watcher polls each incoming subdirectory, extracting and registering
// whatever new artifacts it finds and handing them to the pipeline engine.
type Watcher struct {
	cfg    Config
	drops  *dropregistry.Registry
	engine *pipeline.Engine
	log    *logging.Logger

	mu   sync.Mutex
	seen map[string]map[string]bool // root -> artifact name -> seen
}

// New constructs a Watcher.
func New(cfg Config, drops *dropregistry.Registry, engine *pipeline.Engine, log *logging.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Watcher{
		cfg:    cfg,
		drops:  drops,
		engine: engine,
		log:    log,
		seen:   make(map[string]map[string]bool),
	}
}

// Run spawns one polling goroutine per watch root and blocks until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for dir, sourceType := range watchRoots {
		root := filepath.Join(w.cfg.IncomingRoot, dir)
		wg.Add(1)
		go func(root string, sourceType dropregistry.SourceType) {
			defer wg.Done()
			w.watch(ctx, root, sourceType)
		}(root, sourceType)
	}
	wg.Wait()
}

func (w *Watcher) watch(ctx context.Context, root string, sourceType dropregistry.SourceType) {
	limiter := rate.NewLimiter(rate.Every(w.cfg.PollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) && w.log != nil {
				w.log.WithContext(ctx).WithError(err).WithField("root", root).Warn("failed to read incoming directory")
			}
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if w.markSeen(root, name) {
				continue
			}
			w.ingest(ctx, filepath.Join(root, name), sourceType)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *Watcher) markSeen(root, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[root] == nil {
		w.seen[root] = make(map[string]bool)
	}
	if w.seen[root][name] {
		return true
	}
	w.seen[root][name] = true
	return false
}

// ingest extracts, registers, and enqueues a single new artifact. Any
// failure is logged and the artifact is skipped rather than retried, since
// it will never disappear from the seen set.
func (w *Watcher) ingest(ctx context.Context, path string, sourceType dropregistry.SourceType) {
	prepared, err := extraction.PrepareArtifactForProcessing(path, w.cfg.ExtractTempDir)
	if err != nil {
		if w.log != nil {
			w.log.WithContext(ctx).WithError(err).WithField("path", path).Error("artifact extraction failed")
		}
		return
	}

	dropID := filepath.Base(path)
	manifest := dropregistry.Manifest{
		Name:      filepath.Base(path),
		SourceURI: path,
		Timestamp: time.Now().Unix(),
	}

	var original *dropregistry.OriginalArtifact
	if prepared.OriginalArtifact != nil {
		original = &dropregistry.OriginalArtifact{
			Path:                   prepared.OriginalArtifact.Path,
			ArchiveType:            prepared.OriginalArtifact.ArchiveType,
			Size:                   prepared.OriginalArtifact.Size,
			ExtractedPath:          prepared.OriginalArtifact.ExtractedPath,
			CleanupAfterProcessing: prepared.OriginalArtifact.CleanupAfterProcessing,
		}
	}

	if err := w.drops.RegisterDrop(dropID, prepared.ProcessingPath, sourceType, dropregistry.PriorityNormal, manifest, original); err != nil {
		if w.log != nil {
			w.log.WithContext(ctx).WithError(err).WithField("drop_id", dropID).Error("drop registration failed")
		}
		if prepared.OriginalArtifact != nil {
			_ = os.RemoveAll(prepared.OriginalArtifact.ExtractedPath)
		}
		return
	}

	if err := w.engine.Enqueue(ctx, dropID, sourceType); err != nil && w.log != nil {
		w.log.WithContext(ctx).WithError(err).WithField("drop_id", dropID).Error("drop enqueue failed")
	}
}
