// Package dropregistry implements C5: the in-memory registry of drops
// moving through the CRC pipeline, with a serialized snapshot on every
// state change.
//
// Grounded on original_source/crc/src/parallel.rs's DropState bookkeeping
// (RWMutex-guarded map keyed by drop id) and processor.rs's state
// transitions; no standalone original_source file specifies persistence,
// so the write-then-rename snapshot convention is carried over from C2's
// scorekeeper (original_source/core/src/scorekeeper/mod.rs) for
// consistency across the codebase.
package dropregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// SourceType classifies where a drop originated.
type SourceType string

const (
	SourceExternalRepo  SourceType = "external_repo"
	SourceFork          SourceType = "fork"
	SourceMirror        SourceType = "mirror"
	SourceStaleCodebase SourceType = "stale_codebase"
	SourceInternal       SourceType = "internal"
)

// Priority is advisory scheduling metadata, not a re-ordering key.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// State is a drop's position in its lifecycle.
type State string

const (
	StateRegistered State = "registered"
	StateAnalyzed   State = "analyzed"
	StateAdapted    State = "adapted"
	StateValidated  State = "validated"
	StateAssigned   State = "assigned"
	StateReady      State = "ready"
	StateDeploying  State = "deploying"
	StateArchived   State = "archived"
	StateFailed     State = "failed"
)

// Manifest carries a drop's declared identity.
type Manifest struct {
	Name      string                 `json:"name"`
	SourceURI string                 `json:"source_uri,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// OriginalArtifact mirrors extraction.OriginalArtifact's shape without
// importing the extraction package, so dropregistry has no upward
// dependency on C4.
type OriginalArtifact struct {
	Path                   string `json:"path"`
	ArchiveType            string `json:"archive_type,omitempty"`
	Size                   *int64 `json:"size,omitempty"`
	ExtractedPath          string `json:"extracted_path,omitempty"`
	CleanupAfterProcessing bool   `json:"cleanup_after_processing"`
}

// Drop is a single artifact moving through the CRC pipeline.
type Drop struct {
	ID               string            `json:"id"`
	ProcessingPath   string            `json:"processing_path"`
	SourceType       SourceType        `json:"source_type"`
	Priority         Priority          `json:"priority"`
	Manifest         Manifest          `json:"manifest"`
	OriginalArtifact *OriginalArtifact `json:"original_artifact,omitempty"`
	State            State             `json:"state"`
	Confidence       float64           `json:"confidence"`
	Errors           []string          `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	Sandbox          string            `json:"sandbox,omitempty"`
	RegisteredAt     int64             `json:"registered_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// validTransitions enumerates the monotonic state machine. Failed is
// reachable from any non-terminal state; Ready may be revisited as
// Deploying by C8.
var validTransitions = map[State][]State{
	StateRegistered: {StateAnalyzed, StateFailed},
	StateAnalyzed:   {StateAdapted, StateFailed},
	StateAdapted:    {StateValidated, StateFailed},
	StateValidated:  {StateAssigned, StateFailed},
	StateAssigned:   {StateReady, StateFailed},
	StateReady:      {StateDeploying, StateArchived, StateFailed},
	StateDeploying:  {StateReady, StateArchived, StateFailed},
	StateArchived:   {},
	StateFailed:     {},
}

// CanTransition reports whether to is a legal next state from.
func CanTransition(from, to State) bool {
	if to == StateFailed && from != StateArchived && from != StateFailed {
		return true
	}
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Registry holds all known drops in memory, snapshotting to disk on every
// mutation.
type Registry struct {
	mu           sync.RWMutex
	drops        map[string]*Drop
	snapshotPath string
}

// New constructs a Registry persisting snapshots to snapshotPath.
func New(snapshotPath string) *Registry {
	return &Registry{drops: make(map[string]*Drop), snapshotPath: snapshotPath}
}

// RegisterDrop validates and records a new drop, returning its id.
// Registration requires processingPath to exist and manifest.Name to be
// non-empty; on any other failure the caller is responsible for removing
// any extracted directory.
func (r *Registry) RegisterDrop(id string, processingPath string, sourceType SourceType, priority Priority, manifest Manifest, original *OriginalArtifact) error {
	if manifest.Name == "" {
		return crcerrors.New(crcerrors.CodeInvalidManifest, "manifest name must not be empty")
	}
	if _, err := os.Stat(processingPath); err != nil {
		return crcerrors.Wrap(crcerrors.CodeMissingPath, "processing path does not exist", err)
	}

	r.mu.Lock()
	if _, exists := r.drops[id]; exists {
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeDuplicateDrop, "drop "+id+" already registered")
	}
	now := time.Now().Unix()
	r.drops[id] = &Drop{
		ID:               id,
		ProcessingPath:   processingPath,
		SourceType:       sourceType,
		Priority:         priority,
		Manifest:         manifest,
		OriginalArtifact: original,
		State:            StateRegistered,
		Confidence:       0,
		RegisteredAt:     now,
		UpdatedAt:        now,
	}
	r.mu.Unlock()

	return r.snapshot()
}

// GetDrop returns a copy of the drop identified by id.
func (r *Registry) GetDrop(id string) (Drop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drops[id]
	if !ok {
		return Drop{}, false
	}
	return *d, true
}

// ListDropIDs returns every known drop id.
func (r *Registry) ListDropIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.drops))
	for id := range r.drops {
		ids = append(ids, id)
	}
	return ids
}

// UpdateState transitions id to next, recording confidence/errors/warnings
// observed at that stage. Illegal transitions are rejected without
// mutating the drop.
func (r *Registry) UpdateState(id string, next State, confidence float64, errs, warnings []string) error {
	r.mu.Lock()
	d, ok := r.drops[id]
	if !ok {
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeMissingPath, "unknown drop "+id)
	}
	if !CanTransition(d.State, next) {
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeStageFailure,
			"illegal transition "+string(d.State)+" -> "+string(next))
	}
	d.State = next
	d.Confidence = confidence
	if errs != nil {
		d.Errors = errs
	}
	if warnings != nil {
		d.Warnings = warnings
	}
	d.UpdatedAt = time.Now().Unix()
	r.mu.Unlock()

	return r.snapshot()
}

// AssignSandbox records the sandbox tag chosen for id.
func (r *Registry) AssignSandbox(id, sandbox string) error {
	r.mu.Lock()
	d, ok := r.drops[id]
	if !ok {
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeMissingPath, "unknown drop "+id)
	}
	d.Sandbox = sandbox
	d.UpdatedAt = time.Now().Unix()
	r.mu.Unlock()

	return r.snapshot()
}

// snapshot serializes the current registry contents to snapshotPath using
// a write-then-rename, matching the atomic-persistence convention used
// throughout this codebase.
func (r *Registry) snapshot() error {
	if r.snapshotPath == "" {
		return nil
	}

	r.mu.RLock()
	drops := make([]Drop, 0, len(r.drops))
	for _, d := range r.drops {
		drops = append(drops, *d)
	}
	r.mu.RUnlock()

	dir := filepath.Dir(r.snapshotPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return crcerrors.Wrap(crcerrors.CodeRetentionIO, "create drop snapshot directory", err)
		}
	}

	data, err := json.MarshalIndent(drops, "", "  ")
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeInvalidManifest, "marshal drop snapshot", err)
	}

	tmp, err := os.CreateTemp(dir, ".drop_registry-*.tmp")
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeRetentionIO, "create temp drop snapshot", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeRetentionIO, "write temp drop snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeRetentionIO, "close temp drop snapshot", err)
	}
	if err := os.Rename(tmpPath, r.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeRetentionIO, "rename drop snapshot into place", err)
	}
	return nil
}

// Load restores drops from a previously written snapshot, if one exists.
func (r *Registry) Load() error {
	if r.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return crcerrors.Wrap(crcerrors.CodeRetentionIO, "read drop snapshot", err)
	}
	var drops []Drop
	if err := json.Unmarshal(data, &drops); err != nil {
		return crcerrors.Wrap(crcerrors.CodeInvalidManifest, "parse drop snapshot", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range drops {
		d := drops[i]
		r.drops[d.ID] = &d
	}
	return nil
}
