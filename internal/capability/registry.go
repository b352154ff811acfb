// Package capability implements C1: a typed, dependency-ordered registry of
// subsystem capabilities with lazy topological initialization, re-entrant
// cycle detection, and scoped capability tokens.
//
// Grounded on the teacher's system/core.{Registry,DependencyManager,
// LifecycleManager} (RWMutex-guarded map, reverse-order shutdown) and on
// original_source/core/src/capabilities/mod.rs's EnsureInitialized
// recursion and error taxonomy.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// State is a capability's lifecycle state.
type State int

const (
	StateRegistered State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Context is passed to init/shutdown hooks so they can request other
// capabilities from the same registry.
type Context struct {
	Registry     *Registry
	CapabilityID string
}

// InitFunc constructs a capability's instance. It may call
// ctx.Registry.EnsureInitialized on other capabilities.
type InitFunc func(ctx context.Context, capCtx *Context) (any, error)

// ShutdownFunc tears a capability's instance down.
type ShutdownFunc func(ctx context.Context, capCtx *Context, instance any) error

// Definition declares a capability registered directly by Go code (as
// opposed to a manifest-declared placeholder awaiting a provider).
type Definition struct {
	ID          string
	DependsOn   []string
	Description string
	Autostart   bool
	Init        InitFunc
	Shutdown    ShutdownFunc
}

type registeredEntry struct {
	def      Definition
	state    State
	instance any
	isManifestPlaceholder bool
}

// Registry is the process-wide capability registry.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registeredEntry
	initOrder []string

	manifest   *Manifest
	signingKey []byte
}

// NewRegistry constructs an empty registry. The manifest, if non-nil,
// supplies token policies and manifest-declared capability placeholders.
func NewRegistry(manifest *Manifest, signingKey []byte) *Registry {
	return &Registry{
		entries:    make(map[string]*registeredEntry),
		manifest:   manifest,
		signingKey: signingKey,
	}
}

// RegisterDefinition registers a capability definition. Re-registering the
// same id is an error (AlreadyRegistered), matching the idempotence
// testable property in spec §8. A manifest placeholder installed by
// DeclareManifestCapability is replaced by def instead.
func (r *Registry) RegisterDefinition(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.entries[def.ID]; exists && !existing.isManifestPlaceholder {
		return crcerrors.New(crcerrors.CodeAlreadyRegistered,
			fmt.Sprintf("capability %s already registered", def.ID))
	}
	r.entries[def.ID] = &registeredEntry{def: def, state: StateRegistered}
	return nil
}

// DeclareManifestCapability installs a placeholder capability for a
// manifest entry that has no registered provider yet. The placeholder is
// recorded as Failed, so EnsureInitialized on it returns
// InitializationFailed (its ManifestError initializer is never reached)
// until RegisterDefinition replaces it with a real provider for the same
// id; declaring it is itself
// reported as an error (not a silent success), matching
// original_source/core/src/capabilities/mod.rs's declare_manifest_capability.
// Re-declaring the same id is a no-op, per spec §8's idempotence property.
func (r *Registry) DeclareManifestCapability(entry CapabilityManifestEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.entries[entry.ID]; exists {
		if existing.isManifestPlaceholder {
			return nil
		}
		return crcerrors.New(crcerrors.CodeAlreadyRegistered,
			fmt.Sprintf("capability %s already registered", entry.ID))
	}

	placeholder := Definition{
		ID:        entry.ID,
		DependsOn: entry.DependsOn,
		Autostart: entry.Autostart,
		Init: func(ctx context.Context, capCtx *Context) (any, error) {
			return nil, crcerrors.New(crcerrors.CodeManifestError,
				fmt.Sprintf("no provider registered for capability %s", entry.ID))
		},
	}
	r.entries[entry.ID] = &registeredEntry{
		def:                   placeholder,
		state:                 StateFailed,
		isManifestPlaceholder: true,
	}
	return crcerrors.New(crcerrors.CodeManifestError,
		fmt.Sprintf("capability %s declared without a provider", entry.ID))
}

// EnsureInitialized recursively initializes id and its dependencies. A
// capability observed Initializing during its own traversal (re-entrancy)
// yields DependencyCycle without corrupting state; a capability already
// Ready returns immediately; a capability in Failed returns
// InitializationFailed without retrying.
func (r *Registry) EnsureInitialized(ctx context.Context, id string) error {
	return r.ensureInitialized(ctx, id, nil)
}

func (r *Registry) ensureInitialized(ctx context.Context, id string, chain []string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeUnknownCapability, fmt.Sprintf("unknown capability %s", id))
	}

	switch entry.state {
	case StateReady:
		r.mu.Unlock()
		return nil
	case StateInitializing:
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeDependencyCycle,
			fmt.Sprintf("dependency cycle detected at %s (chain: %v)", id, append(chain, id)))
	case StateFailed:
		r.mu.Unlock()
		return crcerrors.New(crcerrors.CodeInitializationFailed,
			fmt.Sprintf("capability %s previously failed to initialize", id)).
			WithDetails("capability_id", id)
	}

	entry.state = StateInitializing
	def := entry.def
	r.mu.Unlock()

	deps := def.DependsOn
	for _, dep := range deps {
		if err := r.ensureInitialized(ctx, dep, append(chain, id)); err != nil {
			r.mu.Lock()
			entry.state = StateFailed
			r.mu.Unlock()
			return crcerrors.Wrap(crcerrors.CodeInitializationFailed,
				fmt.Sprintf("capability %s: dependency %s failed", id, dep), err).
				WithDetails("capability_id", id)
		}
	}

	var instance any
	var err error
	if def.Init != nil {
		instance, err = def.Init(ctx, &Context{Registry: r, CapabilityID: id})
	}

	r.mu.Lock()
	if err != nil {
		entry.state = StateFailed
		r.mu.Unlock()
		return crcerrors.Wrap(crcerrors.CodeInitializationFailed,
			fmt.Sprintf("capability %s initializer failed", id), err).
			WithDetails("capability_id", id)
	}
	entry.state = StateReady
	entry.instance = instance
	r.initOrder = append(r.initOrder, id)
	r.mu.Unlock()
	return nil
}

// Request returns a typed handle to capability id, ensuring it is
// initialized first. A type mismatch between the stored instance and T
// surfaces as ManifestError, never a silent cast, per spec §9's design
// note.
func Request[T any](ctx context.Context, r *Registry, id string) (T, error) {
	var zero T
	if err := r.EnsureInitialized(ctx, id); err != nil {
		return zero, err
	}
	r.mu.RLock()
	entry := r.entries[id]
	instance := entry.instance
	r.mu.RUnlock()

	typed, ok := instance.(T)
	if !ok {
		return zero, crcerrors.New(crcerrors.CodeManifestError,
			fmt.Sprintf("capability %s instance type mismatch", id))
	}
	return typed, nil
}

// ShutdownAll invokes shutdown hooks in reverse initialization order,
// exactly once per ready capability. Errors are collected and logged by
// the caller but do not stop the sweep, matching the teacher's
// LifecycleManager.Stop behavior.
func (r *Registry) ShutdownAll(ctx context.Context) []error {
	r.mu.Lock()
	order := make([]string, len(r.initOrder))
	copy(order, r.initOrder)
	r.initOrder = nil
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		r.mu.Lock()
		entry, ok := r.entries[id]
		if !ok || entry.state != StateReady {
			r.mu.Unlock()
			continue
		}
		def := entry.def
		instance := entry.instance
		r.mu.Unlock()

		if def.Shutdown == nil {
			continue
		}
		if err := def.Shutdown(ctx, &Context{Registry: r, CapabilityID: id}, instance); err != nil {
			errs = append(errs, crcerrors.Wrap(crcerrors.CodeShutdownFailed,
				fmt.Sprintf("capability %s shutdown failed", id), err).
				WithDetails("capability_id", id))
		}
	}
	return errs
}

// InitializeAutostart ensures every manifest-declared autostart capability
// is initialized.
func (r *Registry) InitializeAutostart(ctx context.Context) error {
	if r.manifest == nil {
		return nil
	}
	for _, c := range r.manifest.Capabilities {
		if !c.Autostart {
			continue
		}
		if err := r.EnsureInitialized(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// State returns the current lifecycle state of id.
func (r *Registry) State(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return StateRegistered, false
	}
	return entry.state, true
}

// SignedOperation is the output of policy enforcement over a mutating
// operation, consumed by C3's ledger. It is the Go analog of the Rust
// source's security::SignedOperation collaborator.
type SignedOperation struct {
	Kind      string                 `json:"kind"`
	Actor     string                 `json:"actor"`
	Target    string                 `json:"target"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	EnforcedAt time.Time             `json:"enforced_at"`
}

// Enforce performs capability-gated policy enforcement over a mutating
// operation, producing a SignedOperation for the ledger. In this core,
// enforcement is a straightforward audit record; scope/token checks are
// layered on by IssueToken/VerifyToken for callers that need them.
func (r *Registry) Enforce(kind, actor, target string, metadata map[string]interface{}) SignedOperation {
	return SignedOperation{
		Kind:       kind,
		Actor:      actor,
		Target:     target,
		Metadata:   metadata,
		EnforcedAt: time.Now().UTC(),
	}
}
