// Package trust implements C2: a policy-driven trust scorekeeper deriving
// composite trust posture from pass/fail counters, with an atomic
// write-then-rename snapshot on disk and a capability scope-reduction
// directive for downstream orchestrators.
//
// Grounded on original_source/core/src/scorekeeper/mod.rs. The policy
// schema (NorthStarPolicy/MetricDefinition/Thresholds/ScopeReduction/
// EscalationPolicy), not present in the filtered original_source tree, is
// reconstructed from that file's usage of it.
package trust

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

const defaultStoragePath = "crc/metrics/trust_score.json"

// ScoreInputs are the pass/fail counters used to derive trust scores.
type ScoreInputs struct {
	IntegrityPass      uint64
	IntegrityFail      uint64
	ReversibilityPass  uint64
	ReversibilityFail  uint64
	CapabilityPass     uint64
	CapabilityFail     uint64
}

// MetricStatus is a metric's severity classification.
type MetricStatus string

const (
	StatusNominal  MetricStatus = "nominal"
	StatusWarning  MetricStatus = "warning"
	StatusCritical MetricStatus = "critical"
)

// MetricScore is a single metric's scored result enriched with policy
// metadata.
type MetricScore struct {
	Score       float64    `json:"score"`
	Status      MetricStatus `json:"status"`
	Description string     `json:"description"`
	Thresholds  Thresholds `json:"thresholds"`
	Weight      float64    `json:"weight"`
}

// TriggeredEscalation records an escalation policy fired by a degraded
// metric.
type TriggeredEscalation struct {
	PolicyID string       `json:"policy_id"`
	Summary  string       `json:"summary"`
	Severity MetricStatus `json:"severity"`
}

// ScopeDirective tells orchestrators how far to reduce optional capability
// scope, derived from the capability metric specifically (not the
// composite score).
type ScopeDirective struct {
	OptionalMultiplier float64      `json:"optional_multiplier"`
	MinimumOptional    int          `json:"minimum_optional"`
	Status             MetricStatus `json:"status"`
}

// AllowedOptional returns how many of totalOptional optional capabilities
// may remain active under this directive.
func (d ScopeDirective) AllowedOptional(totalOptional int) int {
	if totalOptional == 0 {
		return 0
	}
	allowed := int(ceil(float64(totalOptional) * d.OptionalMultiplier))
	min := d.MinimumOptional
	if min > totalOptional {
		min = totalOptional
	}
	if allowed > min {
		return allowed
	}
	return min
}

func ceil(f float64) float64 {
	i := int64(f)
	if f > float64(i) {
		return float64(i + 1)
	}
	return float64(i)
}

// TrustSnapshot is the persisted trust posture.
type TrustSnapshot struct {
	GeneratedAt          int64                          `json:"generated_at"`
	PolicyVersion        string                         `json:"policy_version"`
	CompositeScore       float64                        `json:"composite_score"`
	Metrics              map[string]MetricScore         `json:"metrics"`
	TriggeredEscalations []TriggeredEscalation          `json:"triggered_escalations"`
	ScopeDirective       ScopeDirective                 `json:"scope_directive"`
}

func baselineSnapshot(policy *NorthStarPolicy) TrustSnapshot {
	metrics := make(map[string]MetricScore, len(policy.Metrics))
	for _, m := range policy.Metrics {
		metrics[m.ID] = MetricScore{
			Score:       1.0,
			Status:      StatusNominal,
			Description: m.Description,
			Thresholds:  m.Thresholds,
			Weight:      m.Weight,
		}
	}
	return TrustSnapshot{
		GeneratedAt:   time.Now().Unix(),
		PolicyVersion: policy.Version,
		CompositeScore: 1.0,
		Metrics:       metrics,
		ScopeDirective: ScopeDirective{
			OptionalMultiplier: 1.0,
			MinimumOptional:    0,
			Status:             StatusNominal,
		},
	}
}

// Scorekeeper derives and persists trust posture.
type Scorekeeper struct {
	policy      *NorthStarPolicy
	storagePath string

	mu    sync.RWMutex
	cache *TrustSnapshot
}

// NewDefault constructs a Scorekeeper persisting to defaultStoragePath,
// overridden by NOA_TRUST_METRICS_PATH if set.
func NewDefault() (*Scorekeeper, error) {
	path := defaultStoragePath
	if env := os.Getenv("NOA_TRUST_METRICS_PATH"); env != "" {
		path = env
	}
	return New(path)
}

// New constructs a Scorekeeper persisting snapshots to storagePath.
func New(storagePath string) (*Scorekeeper, error) {
	policy, err := GlobalPolicy()
	if err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeTrustPolicyParse, "load north star policy", err)
	}
	return &Scorekeeper{policy: policy, storagePath: storagePath}, nil
}

// Bootstrap loads the most recent snapshot from disk, or persists and
// returns a baseline if none exists.
func (s *Scorekeeper) Bootstrap() (TrustSnapshot, error) {
	existing, err := s.LoadSnapshot()
	if err != nil {
		return TrustSnapshot{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	snapshot := baselineSnapshot(s.policy)
	if err := s.Persist(snapshot); err != nil {
		return TrustSnapshot{}, err
	}
	return snapshot, nil
}

// Evaluate derives a TrustSnapshot from inputs without persisting it.
func (s *Scorekeeper) Evaluate(inputs ScoreInputs) (TrustSnapshot, error) {
	integrity, ok := s.policy.Metric("integrity")
	if !ok {
		return TrustSnapshot{}, crcerrors.New(crcerrors.CodeTrustMissingMetric, "metric 'integrity' missing from policy")
	}
	reversibility, ok := s.policy.Metric("reversibility")
	if !ok {
		return TrustSnapshot{}, crcerrors.New(crcerrors.CodeTrustMissingMetric, "metric 'reversibility' missing from policy")
	}
	capability, ok := s.policy.Metric("capability")
	if !ok {
		return TrustSnapshot{}, crcerrors.New(crcerrors.CodeTrustMissingMetric, "metric 'capability' missing from policy")
	}

	metrics := make(map[string]MetricScore, len(s.policy.Metrics))
	var composite float64
	var triggered []TriggeredEscalation

	integrityScore := scoreRatio(inputs.IntegrityPass, inputs.IntegrityFail)
	integrityStatus := statusFor(integrity.Thresholds, integrityScore)
	composite += integrity.Weight * integrityScore
	metrics[integrity.ID] = MetricScore{Score: integrityScore, Status: integrityStatus, Description: integrity.Description, Thresholds: integrity.Thresholds, Weight: integrity.Weight}
	if e := s.mapEscalation(integrity, integrityStatus); e != nil {
		triggered = append(triggered, *e)
	}

	reversibilityScore := scoreRatio(inputs.ReversibilityPass, inputs.ReversibilityFail)
	reversibilityStatus := statusFor(reversibility.Thresholds, reversibilityScore)
	composite += reversibility.Weight * reversibilityScore
	metrics[reversibility.ID] = MetricScore{Score: reversibilityScore, Status: reversibilityStatus, Description: reversibility.Description, Thresholds: reversibility.Thresholds, Weight: reversibility.Weight}
	if e := s.mapEscalation(reversibility, reversibilityStatus); e != nil {
		triggered = append(triggered, *e)
	}

	capabilityScore := scoreRatio(inputs.CapabilityPass, inputs.CapabilityFail)
	capabilityStatus := statusFor(capability.Thresholds, capabilityScore)
	composite += capability.Weight * capabilityScore
	metrics[capability.ID] = MetricScore{Score: capabilityScore, Status: capabilityStatus, Description: capability.Description, Thresholds: capability.Thresholds, Weight: capability.Weight}
	if e := s.mapEscalation(capability, capabilityStatus); e != nil {
		triggered = append(triggered, *e)
	}

	reduction := ScopeReduction{}
	if capability.ScopeReduction != nil {
		reduction = *capability.ScopeReduction
	}
	multiplier := 1.0
	switch capabilityStatus {
	case StatusWarning:
		multiplier = reduction.WarningMultiplier
	case StatusCritical:
		multiplier = reduction.CriticalMultiplier
	}

	snapshot := TrustSnapshot{
		GeneratedAt:    time.Now().Unix(),
		PolicyVersion:  s.policy.Version,
		CompositeScore: composite,
		Metrics:        metrics,
		TriggeredEscalations: triggered,
		ScopeDirective: ScopeDirective{
			OptionalMultiplier: multiplier,
			MinimumOptional:    reduction.MinimumOptional,
			Status:             capabilityStatus,
		},
	}
	return snapshot, nil
}

// Record evaluates inputs and persists the resulting snapshot.
func (s *Scorekeeper) Record(inputs ScoreInputs) (TrustSnapshot, error) {
	snapshot, err := s.Evaluate(inputs)
	if err != nil {
		return TrustSnapshot{}, err
	}
	if err := s.Persist(snapshot); err != nil {
		return TrustSnapshot{}, err
	}
	return snapshot, nil
}

// Persist atomically writes snapshot to disk (write to a temp file, fsync,
// rename over the target) and refreshes the in-memory cache.
func (s *Scorekeeper) Persist(snapshot TrustSnapshot) error {
	dir := filepath.Dir(s.storagePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return crcerrors.Wrap(crcerrors.CodeTrustIO, "create trust storage directory", err)
		}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeTrustIO, "marshal trust snapshot", err)
	}

	tmp, err := os.CreateTemp(dir, ".trust_score-*.tmp")
	if err != nil {
		return crcerrors.Wrap(crcerrors.CodeTrustIO, "create temp trust snapshot", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeTrustIO, "write temp trust snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeTrustIO, "sync temp trust snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeTrustIO, "close temp trust snapshot", err)
	}
	if err := os.Rename(tmpPath, s.storagePath); err != nil {
		os.Remove(tmpPath)
		return crcerrors.Wrap(crcerrors.CodeTrustIO, "rename trust snapshot into place", err)
	}

	s.mu.Lock()
	s.cache = &snapshot
	s.mu.Unlock()
	return nil
}

// LoadSnapshot returns the cached snapshot, or reads it from disk if the
// cache is empty. Returns (nil, nil) if no snapshot has ever been
// persisted.
func (s *Scorekeeper) LoadSnapshot() (*TrustSnapshot, error) {
	s.mu.RLock()
	if s.cache != nil {
		cached := *s.cache
		s.mu.RUnlock()
		return &cached, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, crcerrors.Wrap(crcerrors.CodeTrustIO, "read trust snapshot", err)
	}
	var snapshot TrustSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, crcerrors.Wrap(crcerrors.CodeTrustPolicyParse, "parse trust snapshot", err)
	}

	s.mu.Lock()
	s.cache = &snapshot
	s.mu.Unlock()
	return &snapshot, nil
}

// Latest returns the most recently observed snapshot, falling back to a
// baseline if none has ever been persisted. Unlike LoadSnapshot, Latest
// never errors: a read failure degrades to baseline rather than blocking
// callers like the /v1/trust handler.
func (s *Scorekeeper) Latest() TrustSnapshot {
	snapshot, err := s.LoadSnapshot()
	if err != nil || snapshot == nil {
		return baselineSnapshot(s.policy)
	}
	return *snapshot
}

// StoragePath returns the path snapshots are persisted to.
func (s *Scorekeeper) StoragePath() string {
	return s.storagePath
}

func scoreRatio(passes, failures uint64) float64 {
	total := passes + failures
	if total == 0 {
		return 1.0
	}
	return float64(passes) / float64(total)
}

func statusFor(t Thresholds, score float64) MetricStatus {
	switch {
	case score <= t.Critical:
		return StatusCritical
	case score <= t.Warning:
		return StatusWarning
	default:
		return StatusNominal
	}
}

func (s *Scorekeeper) mapEscalation(metric *MetricDefinition, status MetricStatus) *TriggeredEscalation {
	if status == StatusNominal || metric.EscalationPolicy == "" {
		return nil
	}
	policy, ok := s.policy.Escalation(metric.EscalationPolicy)
	if !ok {
		return nil
	}
	return &TriggeredEscalation{PolicyID: policy.ID, Summary: policy.Summary, Severity: status}
}
