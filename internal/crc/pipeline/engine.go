package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/noacore/crc-pipeline/internal/ambient/logging"
	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
	"github.com/noacore/crc-pipeline/internal/capability"
	"github.com/noacore/crc-pipeline/internal/crc/dropregistry"
	"github.com/noacore/crc-pipeline/internal/ledger"
	"github.com/noacore/crc-pipeline/internal/symbolgraph"
	"github.com/noacore/crc-pipeline/internal/trust"
)

// Config tunes the engine's concurrency and polling behavior.
type Config struct {
	MaxConcurrent         int
	AutoApproveThreshold  float64
	EmptyQueuePollInterval time.Duration
	ReadyQueueBasePath    string
	SymbolGraphStoreDir   string
}

// queueKey picks one of four FIFO queues by source type. Internal (and
// anything else unmatched) falls through to the repo queue, mirroring
// the original default-arm routing.
func queueKey(sourceType dropregistry.SourceType) dropregistry.SourceType {
	switch sourceType {
	case dropregistry.SourceFork, dropregistry.SourceMirror, dropregistry.SourceStaleCodebase:
		return sourceType
	default:
		return dropregistry.SourceExternalRepo
	}
}

// Engine drains four per-source-type FIFO queues through three
// semaphore-bounded worker pools (analysis, adaptation, validation),
// assigning a sandbox and relocating ready drops' files.
type Engine struct {
	cfg Config

	drops      *dropregistry.Registry
	ledgerSink *ledger.Ledger
	scorekeeper *trust.Scorekeeper
	registry   *capability.Registry
	log        *logging.Logger

	queues map[dropregistry.SourceType]chan string

	analysisSem   *semaphore.Weighted
	adaptationSem *semaphore.Weighted
	validationSem *semaphore.Weighted

	wg sync.WaitGroup
}

// NewEngine wires an Engine to its dependencies. queueCapacity bounds each
// of the four FIFO channels.
func NewEngine(cfg Config, drops *dropregistry.Registry, ledgerSink *ledger.Ledger, scorekeeper *trust.Scorekeeper, registry *capability.Registry, log *logging.Logger, queueCapacity int) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.AutoApproveThreshold == 0 {
		cfg.AutoApproveThreshold = 0.85
	}
	if cfg.EmptyQueuePollInterval <= 0 {
		cfg.EmptyQueuePollInterval = time.Second
	}

	e := &Engine{
		cfg:           cfg,
		drops:         drops,
		ledgerSink:    ledgerSink,
		scorekeeper:   scorekeeper,
		registry:      registry,
		log:           log,
		queues:        make(map[dropregistry.SourceType]chan string),
		analysisSem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		adaptationSem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		validationSem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, st := range []dropregistry.SourceType{
		dropregistry.SourceExternalRepo, dropregistry.SourceFork,
		dropregistry.SourceMirror, dropregistry.SourceStaleCodebase,
	} {
		e.queues[st] = make(chan string, queueCapacity)
	}
	return e
}

// Enqueue places a registered drop onto its source-type queue for
// processing. The drop must already exist in the drop registry.
func (e *Engine) Enqueue(ctx context.Context, dropID string, sourceType dropregistry.SourceType) error {
	key := queueKey(sourceType)
	select {
	case e.queues[key] <- dropID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains all four queues concurrently until ctx is cancelled. Each
// queue is served by its own goroutine so a burst on one source type
// never starves the others.
func (e *Engine) Run(ctx context.Context) {
	for sourceType, queue := range e.queues {
		e.wg.Add(1)
		go e.drainQueue(ctx, sourceType, queue)
	}
}

// Wait blocks until every queue-draining goroutine started by Run has
// returned (i.e. ctx was cancelled).
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) drainQueue(ctx context.Context, sourceType dropregistry.SourceType, queue chan string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.EmptyQueuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case dropID := <-queue:
			if err := e.processDrop(ctx, dropID); err != nil && e.log != nil {
				e.log.WithContext(ctx).WithError(err).WithField("drop_id", dropID).
					Error("drop processing failed")
			}
		case <-ticker.C:
			// empty queue, loop back to select
		}
	}
}

// processDrop runs a drop through analyze -> adapt -> validate -> assign
// sandbox -> move to ready, updating the drop registry after each stage
// and logging the relocation once the drop lands in its ready queue.
func (e *Engine) processDrop(ctx context.Context, dropID string) error {
	drop, ok := e.drops.GetDrop(dropID)
	if !ok {
		return crcerrors.New(crcerrors.CodeMissingPath, "unknown drop "+dropID)
	}

	analysis, err := e.runAnalysis(ctx, drop)
	if err != nil {
		e.fail(dropID, err)
		return err
	}
	if err := e.drops.UpdateState(dropID, dropregistry.StateAnalyzed, analysis.Confidence, analysis.Issues, nil); err != nil {
		return err
	}

	adaptation, err := e.runAdaptation(ctx, drop, analysis)
	if err != nil {
		e.fail(dropID, err)
		return err
	}
	if err := e.drops.UpdateState(dropID, dropregistry.StateAdapted, adaptation.Confidence, nil, nil); err != nil {
		return err
	}

	validation, err := e.runValidation(ctx, drop, adaptation)
	if err != nil {
		e.fail(dropID, err)
		return err
	}
	if err := e.drops.UpdateState(dropID, dropregistry.StateValidated, validation.Confidence, validation.Errors, validation.Warnings); err != nil {
		return err
	}

	sandbox := AssignSandbox(drop.SourceType, validation.Confidence)
	if err := e.drops.AssignSandbox(dropID, string(sandbox)); err != nil {
		return err
	}
	if err := e.drops.UpdateState(dropID, dropregistry.StateAssigned, validation.Confidence, nil, nil); err != nil {
		return err
	}

	if e.scorekeeper != nil {
		passed := len(validation.Errors) == 0
		inputs := trust.ScoreInputs{}
		if passed {
			inputs.IntegrityPass = 1
		} else {
			inputs.IntegrityFail = 1
		}
		if _, err := e.scorekeeper.Record(inputs); err != nil && e.log != nil {
			e.log.WithContext(ctx).WithError(err).Warn("trust score recording failed")
		}
	}

	readyPath, err := moveToReady(e.cfg.ReadyQueueBasePath, dropID, sandbox, drop.ProcessingPath)
	if err != nil {
		e.fail(dropID, err)
		return err
	}
	if err := writeReadyMetadata(readyPath, dropID, sandbox, validation.Confidence); err != nil {
		return err
	}

	if e.ledgerSink != nil {
		actor := fmt.Sprintf("pipeline/%s", dropID)
		if _, err := e.ledgerSink.LogRelocation(actor, drop.ProcessingPath, readyPath, map[string]interface{}{
			"sandbox":    string(sandbox),
			"confidence": validation.Confidence,
		}); err != nil {
			return err
		}
	}

	return e.drops.UpdateState(dropID, dropregistry.StateReady, validation.Confidence, nil, nil)
}

func (e *Engine) fail(dropID string, cause error) {
	_ = e.drops.UpdateState(dropID, dropregistry.StateFailed, 0, []string{cause.Error()}, nil)
}

func (e *Engine) runAnalysis(ctx context.Context, drop dropregistry.Drop) (AnalysisResult, error) {
	if err := e.analysisSem.Acquire(ctx, 1); err != nil {
		return AnalysisResult{}, err
	}
	defer e.analysisSem.Release(1)

	files, lines, err := countFilesAndLines(drop.ProcessingPath)
	if err != nil {
		return AnalysisResult{}, crcerrors.Wrap(crcerrors.CodeStageFailure, "count files and lines", err)
	}
	languages := detectLanguages(drop.ProcessingPath)
	dependencies := analyzeDependencies(drop.ProcessingPath)
	patterns := detectPatterns(drop.ProcessingPath, languages)
	issues := findIssues(drop.ProcessingPath)

	symbolCount := 0
	if e.cfg.SymbolGraphStoreDir != "" {
		storeRoot := filepath.Join(e.cfg.SymbolGraphStoreDir, drop.ID)
		builder := symbolgraph.NewBuilder(drop.ProcessingPath).WithStoreRoot(storeRoot)
		graph, err := builder.Index()
		if err != nil {
			if e.log != nil {
				e.log.WithContext(ctx).WithError(err).WithField("drop_id", drop.ID).Warn("symbol graph indexing failed")
			}
		} else {
			symbolCount = len(graph.Nodes)
		}
	}

	return AnalysisResult{
		FilesCount:   files,
		LinesCount:   lines,
		Languages:    languages,
		Dependencies: dependencies,
		Patterns:     patterns,
		Issues:       issues,
		Confidence:   analysisConfidence(languages, dependencies, issues),
		SymbolCount:  symbolCount,
	}, nil
}

func (e *Engine) runAdaptation(ctx context.Context, drop dropregistry.Drop, analysis AnalysisResult) (AdaptationResult, error) {
	if err := e.adaptationSem.Acquire(ctx, 1); err != nil {
		return AdaptationResult{}, err
	}
	defer e.adaptationSem.Release(1)

	missing := checkRequiredFiles(drop.ProcessingPath)
	changesMade := len(missing)
	confidence := adaptationConfidence(len(analysis.Issues), changesMade)

	return AdaptationResult{
		ChangesMade:    changesMade,
		FilesModified:  changesMade,
		TestsGenerated: 0,
		Confidence:     confidence,
		AutoApproved:   confidence >= e.cfg.AutoApproveThreshold,
		DiffSummary:    fmt.Sprintf("found %d missing top-level file(s); no files written", changesMade),
	}, nil
}

func (e *Engine) runValidation(ctx context.Context, drop dropregistry.Drop, adaptation AdaptationResult) (ValidationResult, error) {
	if err := e.validationSem.Acquire(ctx, 1); err != nil {
		return ValidationResult{}, err
	}
	defer e.validationSem.Release(1)

	var errs, warnings []string
	if !hasValidStructure(drop.ProcessingPath) {
		warnings = append(warnings, "no conventional source layout detected")
	}
	if drop.Manifest.SourceURI == "" {
		warnings = append(warnings, "manifest missing source_uri")
	}

	confidence := validationConfidence(adaptation.Confidence, len(errs) > 0, len(warnings) > 0)
	return ValidationResult{
		Confidence: confidence,
		Errors:     errs,
		Warnings:   warnings,
		Metadata:   map[string]string{"drop_id": drop.ID},
	}, nil
}

// moveToReady relocates processingPath into the ready queue directory
// named after sandbox, returning the new path.
func moveToReady(basePath, dropID string, sandbox Sandbox, processingPath string) (string, error) {
	queueDir := filepath.Join(basePath, sandbox.QueueName())
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return "", crcerrors.Wrap(crcerrors.CodeStageFailure, "create ready queue directory", err)
	}
	destination := filepath.Join(queueDir, dropID)
	if err := renameOrCopy(processingPath, destination); err != nil {
		return "", crcerrors.Wrap(crcerrors.CodeStageFailure, "relocate drop to ready queue", err)
	}
	return destination, nil
}

// renameOrCopy moves src to dst with os.Rename, falling back to a
// recursive copy-then-remove when src and dst live on different
// filesystems (EXDEV) — the processing and ready directories are
// frequently separate mounts in deployment.
func renameOrCopy(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// readyMetadataFile is the sidecar C8's queue watcher reads to learn a
// ready drop's real confidence, instead of assuming a fixed value.
const readyMetadataFile = ".crc-meta.json"

type readyMetadata struct {
	DropID     string  `json:"drop_id"`
	Sandbox    string  `json:"sandbox"`
	Confidence float64 `json:"confidence"`
}

func writeReadyMetadata(readyPath, dropID string, sandbox Sandbox, confidence float64) error {
	data, err := json.MarshalIndent(readyMetadata{DropID: dropID, Sandbox: string(sandbox), Confidence: confidence}, "", "  ")
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeStageFailure, "marshal ready metadata", err)
	}
	if err := os.WriteFile(filepath.Join(readyPath, readyMetadataFile), data, 0o644); err != nil {
		return crcerrors.Wrap(crcerrors.CodeStageFailure, "write ready metadata", err)
	}
	return nil
}
