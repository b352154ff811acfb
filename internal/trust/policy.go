package trust

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed north_star.json
var policyFS embed.FS

// Thresholds mark the score boundaries at which a metric's status downgrades.
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// ScopeReduction configures how aggressively optional capability scope is
// reduced when a metric degrades.
type ScopeReduction struct {
	WarningMultiplier  float64 `json:"warning_multiplier"`
	CriticalMultiplier float64 `json:"critical_multiplier"`
	MinimumOptional    int     `json:"minimum_optional"`
}

// MetricDefinition describes one scored dimension of trust.
type MetricDefinition struct {
	ID               string          `json:"id"`
	Description      string          `json:"description"`
	Weight           float64         `json:"weight"`
	Thresholds       Thresholds      `json:"thresholds"`
	EscalationPolicy string          `json:"escalation_policy,omitempty"`
	ScopeReduction   *ScopeReduction `json:"scope_reduction,omitempty"`
}

// EscalationPolicy names what should happen when a metric crosses a
// threshold.
type EscalationPolicy struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// NorthStarPolicy is the embedded policy document driving trust scoring.
type NorthStarPolicy struct {
	Version            string             `json:"version"`
	Metrics            []MetricDefinition `json:"metrics"`
	EscalationPolicies []EscalationPolicy `json:"escalation_policies"`
}

// Metric looks up a metric definition by id.
func (p *NorthStarPolicy) Metric(id string) (*MetricDefinition, bool) {
	for i := range p.Metrics {
		if p.Metrics[i].ID == id {
			return &p.Metrics[i], true
		}
	}
	return nil, false
}

// Escalation looks up an escalation policy by id.
func (p *NorthStarPolicy) Escalation(id string) (*EscalationPolicy, bool) {
	for i := range p.EscalationPolicies {
		if p.EscalationPolicies[i].ID == id {
			return &p.EscalationPolicies[i], true
		}
	}
	return nil, false
}

var globalPolicy *NorthStarPolicy

// GlobalPolicy parses and caches the embedded north_star.json policy, the
// same policy every Scorekeeper in this process shares.
func GlobalPolicy() (*NorthStarPolicy, error) {
	if globalPolicy != nil {
		return globalPolicy, nil
	}
	data, err := policyFS.ReadFile("north_star.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded policy: %w", err)
	}
	var policy NorthStarPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse embedded policy: %w", err)
	}
	globalPolicy = &policy
	return globalPolicy, nil
}
