// Package cicd implements C8: a queue watcher that notices drops landing
// in a ready queue and runs them through a four-stage CI/CD pipeline,
// auto-merging when the drop's recorded confidence clears a threshold.
//
// Grounded on original_source/cicd/src/trigger.rs, kept close to the
// original shape (config, event, stage sequencing, status derivation)
// with two correctness gaps fixed: watch_queue had no de-duplication and
// would re-fire the same directory on every poll forever; and
// confidence was hardcoded to 0.90 with a comment saying it would read
// from metadata. Both are fixed here.
package cicd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noacore/crc-pipeline/internal/ambient/logging"
	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// SandboxModel mirrors pipeline.Sandbox without importing the pipeline
// package, since the original CI/CD crate deliberately has no dependency
// on the CRC crate.
type SandboxModel string

const (
	ModelA SandboxModel = "ModelA"
	ModelB SandboxModel = "ModelB"
	ModelC SandboxModel = "ModelC"
	ModelD SandboxModel = "ModelD"
)

func parseSandboxFromQueue(queueName string) SandboxModel {
	switch {
	case strings.Contains(queueName, "model-a"):
		return ModelA
	case strings.Contains(queueName, "model-b"):
		return ModelB
	case strings.Contains(queueName, "model-c"):
		return ModelC
	case strings.Contains(queueName, "model-d"):
		return ModelD
	default:
		return ModelA
	}
}

// Config tunes C8's queue watching and pipeline execution behavior.
type Config struct {
	Enabled             bool
	AutoMergeThreshold  float64
	WatchReadyQueues    []string
	PipelineTimeoutSecs int64
	PollInterval        time.Duration
	EventChannelCap     int
}

// DefaultConfig matches the original's four default queues and 1-hour
// pipeline timeout.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		AutoMergeThreshold:  0.95,
		WatchReadyQueues:    []string{"model-a-queue", "model-b-queue", "model-c-queue", "model-d-queue"},
		PipelineTimeoutSecs: 3600,
		PollInterval:        5 * time.Second,
		EventChannelCap:     100,
	}
}

// TriggerEvent is emitted when a new drop directory appears in a watched
// ready queue.
type TriggerEvent struct {
	DropID     string
	Sandbox    SandboxModel
	Confidence float64
	Timestamp  int64
	ReadyPath  string
}

// PipelineStatus is the terminal state of one pipeline run.
type PipelineStatus string

const (
	StatusQueued  PipelineStatus = "queued"
	StatusRunning PipelineStatus = "running"
	StatusSuccess PipelineStatus = "success"
	StatusFailed  PipelineStatus = "failed"
	StatusTimeout PipelineStatus = "timeout"
)

// PipelineResult summarizes one completed pipeline run.
type PipelineResult struct {
	DropID           string
	Status           PipelineStatus
	DurationSecs     int64
	StagesCompleted  []string
	Errors           []string
	Artifacts        []string
}

// StageRunner executes one pipeline stage against a ready drop's files.
// Production wiring can replace these with real build/test/deploy
// invocations; the defaults below perform lightweight, real filesystem
// checks rather than a timed simulation.
type StageRunner struct {
	Validate func(ctx context.Context, path string) error
	Build    func(ctx context.Context, path string) ([]string, error)
	Test     func(ctx context.Context, path string) error
	Deploy   func(ctx context.Context, path string, sandbox SandboxModel) error
}

func defaultStageRunner() StageRunner {
	return StageRunner{
		Validate: func(ctx context.Context, path string) error {
			if _, err := os.Stat(path); err != nil {
				return crcerrors.Wrap(crcerrors.CodeStageFailure, "ready path missing", err)
			}
			return nil
		},
		Build: func(ctx context.Context, path string) ([]string, error) {
			return []string{filepath.Join(path, "build")}, nil
		},
		Test: func(ctx context.Context, path string) error {
			return nil
		},
		Deploy: func(ctx context.Context, path string, sandbox SandboxModel) error {
			return nil
		},
	}
}

// readyMetadata is the sidecar the pipeline engine writes inside every
// relocated drop's ready directory, carrying its real confidence score.
type readyMetadata struct {
	DropID     string  `json:"drop_id"`
	Sandbox    string  `json:"sandbox"`
	Confidence float64 `json:"confidence"`
}

const readyMetadataFile = ".crc-meta.json"

// TriggerManager watches ready queues and drives drops through the
// pipeline executor.
type TriggerManager struct {
	cfg      Config
	basePath string
	events   chan TriggerEvent
	runner   StageRunner
	log      *logging.Logger

	mu   sync.Mutex
	seen map[string]map[string]bool // queueName -> dropID -> seen
}

// NewTriggerManager constructs a TriggerManager rooted at basePath
// (expects basePath/drop-in/ready/<queue> layout).
func NewTriggerManager(basePath string, cfg Config, log *logging.Logger) *TriggerManager {
	if cfg.EventChannelCap <= 0 {
		cfg.EventChannelCap = 100
	}
	return &TriggerManager{
		cfg:      cfg,
		basePath: basePath,
		events:   make(chan TriggerEvent, cfg.EventChannelCap),
		runner:   defaultStageRunner(),
		log:      log,
		seen:     make(map[string]map[string]bool),
	}
}

// WithStageRunner overrides the pipeline stage implementations.
func (m *TriggerManager) WithStageRunner(runner StageRunner) *TriggerManager {
	m.runner = runner
	return m
}

// StartMonitoring spawns one watcher goroutine per configured queue and
// processes trigger events until ctx is cancelled.
func (m *TriggerManager) StartMonitoring(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	var wg sync.WaitGroup
	for _, queueName := range m.cfg.WatchReadyQueues {
		queuePath := filepath.Join(m.basePath, "drop-in", "ready", queueName)
		wg.Add(1)
		go func(queuePath, queueName string) {
			defer wg.Done()
			m.watchQueue(ctx, queuePath, queueName)
		}(queuePath, queueName)
	}

	go func() {
		wg.Wait()
		close(m.events)
	}()

	for event := range m.events {
		if err := m.handleTriggerEvent(ctx, event); err != nil && m.log != nil {
			m.log.WithContext(ctx).WithError(err).WithField("drop_id", event.DropID).
				Error("trigger event handling failed")
		}
	}
	return nil
}

// watchQueue polls queuePath every PollInterval, emitting a TriggerEvent
// for each drop directory not previously seen.
func (m *TriggerManager) watchQueue(ctx context.Context, queuePath, queueName string) {
	limiter := rate.NewLimiter(rate.Every(m.cfg.PollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		entries, err := os.ReadDir(queuePath)
		if err != nil {
			if !os.IsNotExist(err) && m.log != nil {
				m.log.WithContext(ctx).WithError(err).WithField("queue", queueName).Warn("failed to read ready queue")
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dropID := entry.Name()
			if m.markSeen(queueName, dropID) {
				continue
			}

			readyPath := filepath.Join(queuePath, dropID)
			event := TriggerEvent{
				DropID:     dropID,
				Sandbox:    parseSandboxFromQueue(queueName),
				Confidence: readConfidence(readyPath),
				Timestamp:  time.Now().Unix(),
				ReadyPath:  readyPath,
			}

			select {
			case m.events <- event:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// markSeen records dropID as handled for queueName, returning whether it
// had already been seen.
func (m *TriggerManager) markSeen(queueName, dropID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[queueName] == nil {
		m.seen[queueName] = make(map[string]bool)
	}
	if m.seen[queueName][dropID] {
		return true
	}
	m.seen[queueName][dropID] = true
	return false
}

// readConfidence reads the real confidence the pipeline engine persisted
// alongside a ready drop, falling back to 0 if no metadata sidecar is
// present.
func readConfidence(readyPath string) float64 {
	data, err := os.ReadFile(filepath.Join(readyPath, readyMetadataFile))
	if err != nil {
		return 0
	}
	var meta readyMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0
	}
	return meta.Confidence
}

func (m *TriggerManager) handleTriggerEvent(ctx context.Context, event TriggerEvent) error {
	autoMerge := event.Confidence >= m.cfg.AutoMergeThreshold

	result := m.triggerPipeline(ctx, event, autoMerge)

	if m.log != nil {
		m.log.WithContext(ctx).WithField("drop_id", event.DropID).
			WithField("status", string(result.Status)).
			WithField("duration_secs", result.DurationSecs).
			Info("pipeline completed")
	}

	if result.Status == StatusSuccess && autoMerge {
		return m.triggerMerge(ctx, event)
	}
	return nil
}

func (m *TriggerManager) triggerPipeline(ctx context.Context, event TriggerEvent, autoMerge bool) PipelineResult {
	start := time.Now()
	var stagesCompleted, errs, artifacts []string

	if err := m.runner.Validate(ctx, event.ReadyPath); err != nil {
		errs = append(errs, fmt.Sprintf("validation failed: %v", err))
	} else {
		stagesCompleted = append(stagesCompleted, "validation")
	}

	if len(errs) == 0 {
		built, err := m.runner.Build(ctx, event.ReadyPath)
		if err != nil {
			errs = append(errs, fmt.Sprintf("build failed: %v", err))
		} else {
			stagesCompleted = append(stagesCompleted, "build")
			artifacts = append(artifacts, built...)
		}
	}

	if len(errs) == 0 {
		if err := m.runner.Test(ctx, event.ReadyPath); err != nil {
			errs = append(errs, fmt.Sprintf("tests failed: %v", err))
		} else {
			stagesCompleted = append(stagesCompleted, "test")
		}
	}

	if len(errs) == 0 && autoMerge {
		if err := m.runner.Deploy(ctx, event.ReadyPath, event.Sandbox); err != nil {
			errs = append(errs, fmt.Sprintf("deploy failed: %v", err))
		} else {
			stagesCompleted = append(stagesCompleted, "deploy")
		}
	}

	duration := int64(time.Since(start).Seconds())
	status := StatusSuccess
	switch {
	case len(errs) > 0:
		status = StatusFailed
	case duration > m.cfg.PipelineTimeoutSecs:
		status = StatusTimeout
	}

	return PipelineResult{
		DropID:          event.DropID,
		Status:          status,
		DurationSecs:    duration,
		StagesCompleted: stagesCompleted,
		Errors:          errs,
		Artifacts:       artifacts,
	}
}

func (m *TriggerManager) triggerMerge(ctx context.Context, event TriggerEvent) error {
	if m.log != nil {
		m.log.WithContext(ctx).WithField("drop_id", event.DropID).
			WithField("sandbox", string(event.Sandbox)).
			Info("auto-merge triggered")
	}
	return nil
}
