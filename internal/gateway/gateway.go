// Package gateway implements C9: a symbolic routing fabric that matches
// high-level intents against registered connectors by capability, policy,
// and observed health, with lightweight self-healing and a scan loop
// that decays health on stale connectors.
//
// Grounded on original_source/core/src/gateway.rs, ported closely: the
// RWMutex-guarded connector map plus a topology index, the health decay
// formula in refresh/auto_scan, route_intent's filter-sort-verify
// pipeline, and predictive_self_heal's thresholds are all kept as in the
// original. Go has no mutex-poisoning concept, so CodeGatewayPoisoned is
// defined but never returned; the rest of the error taxonomy carries
// over directly.
package gateway

import (
	"sort"
	"sync"
	"time"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

// SymbolKind classifies a connector's role in the fabric.
type SymbolKind string

const (
	KindAPI         SymbolKind = "api"
	KindHook        SymbolKind = "hook"
	KindPlugin      SymbolKind = "plugin"
	KindExtension   SymbolKind = "extension"
	KindStub        SymbolKind = "stub"
	KindFeatureFlag SymbolKind = "feature_flag"
	KindTag         SymbolKind = "tag"
	KindChannel     SymbolKind = "channel"
	KindDataset     SymbolKind = "dataset"
	KindService     SymbolKind = "service"
)

// NewCustomKind builds a SymbolKind outside the named set, for connector
// types this gateway doesn't yet have a dedicated constant for.
func NewCustomKind(name string) SymbolKind {
	return SymbolKind("custom:" + name)
}

// Symbol is the normalized metadata describing a connector.
type Symbol struct {
	ID           string
	Kind         SymbolKind
	Version      string
	Capabilities map[string]struct{}
	SchemaHash   string
}

// MatchesCapabilities reports whether every capability in required is
// present on the symbol.
func (s *Symbol) MatchesCapabilities(required map[string]struct{}) bool {
	for cap := range required {
		if _, ok := s.Capabilities[cap]; !ok {
			return false
		}
	}
	return true
}

// ConnectionPolicy is the guardrail envelope applied to one connector.
type ConnectionPolicy struct {
	MaxLatencyMs        uint32
	MinTrustScore       float64
	AllowedZones        map[string]struct{}
	EncryptionRequired  bool
}

// Allows reports whether constraints satisfy this policy.
func (p *ConnectionPolicy) Allows(constraints IntentConstraints) bool {
	if p.MaxLatencyMs > constraints.MaxLatencyMs {
		return false
	}
	if p.MinTrustScore < constraints.MinTrustScore {
		return false
	}
	if p.EncryptionRequired && !constraints.EncryptionSupported {
		return false
	}
	for zone := range constraints.AllowedZones {
		if _, ok := p.AllowedZones[zone]; !ok {
			return false
		}
	}
	return true
}

// IntentConstraints bounds the acceptable connectors for an Intent.
type IntentConstraints struct {
	MaxLatencyMs        uint32
	MinTrustScore       float64
	EncryptionSupported bool
	AllowedZones        map[string]struct{}
}

// Intent is a high-level routing goal compiled into concrete requirements.
type Intent struct {
	Description          string
	TargetKind           SymbolKind
	RequiredCapabilities map[string]struct{}
	Constraints          IntentConstraints
}

// ConnectionState is a connector's observed state.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StatePending
	StateFaulted
)

type connectorRecord struct {
	symbol      *Symbol
	policy      ConnectionPolicy
	state       ConnectionState
	lastSeen    time.Time
	healthScore float64
}

func newConnectorRecord(symbol *Symbol, policy ConnectionPolicy) *connectorRecord {
	return &connectorRecord{
		symbol:      symbol,
		policy:      policy,
		state:       StateDisconnected,
		lastSeen:    time.Now(),
		healthScore: 0.7,
	}
}

// refresh decays or restores a connector's health based on how long it's
// been since it was last seen, returning the resulting ScanEvent.
func (r *connectorRecord) refresh(now time.Time) ScanEvent {
	sinceLast := now.Sub(r.lastSeen)

	if sinceLast > 5*time.Second {
		r.healthScore *= 0.95
		if r.healthScore < 0.4 {
			r.state = StateFaulted
		} else {
			r.state = StatePending
		}
	} else {
		r.healthScore = min(r.healthScore+1.0, 1.0)
		r.state = StateConnected
	}
	r.lastSeen = now

	return ScanEvent{ConnectorID: r.symbol.ID, State: r.state, HealthScore: r.healthScore}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ScanEvent is one connector's outcome from an auto-scan pass.
type ScanEvent struct {
	ConnectorID string
	State       ConnectionState
	HealthScore float64
}

// RoutePlan is the result of compiling and verifying an Intent.
type RoutePlan struct {
	Connectors         []string
	PredictedLatencyMs uint32
	Verified           bool
}

// SelfHealAction describes one corrective action predictive_self_heal
// took against a degraded connector.
type SelfHealAction struct {
	ConnectorID string
	Action      string
}

// Snapshot is an observability summary of the gateway's current state.
type Snapshot struct {
	Connected     int
	Pending       int
	Faulted       int
	AverageHealth float64
}

// Gateway is the primary entry point for symbolic routing.
type Gateway struct {
	mu         sync.RWMutex
	connectors map[string]*connectorRecord
	topology   map[SymbolKind]map[string]struct{}
}

// New constructs an empty Gateway.
func New() *Gateway {
	return &Gateway{
		connectors: make(map[string]*connectorRecord),
		topology:   make(map[SymbolKind]map[string]struct{}),
	}
}

// RegisterSymbol adds a new connector under its policy envelope.
func (g *Gateway) RegisterSymbol(symbol Symbol, policy ConnectionPolicy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.connectors[symbol.ID]; exists {
		return crcerrors.New(crcerrors.CodeGatewayAlreadyRegistered, "connector "+symbol.ID+" is already registered")
	}

	sym := symbol
	g.connectors[sym.ID] = newConnectorRecord(&sym, policy)

	if g.topology[sym.Kind] == nil {
		g.topology[sym.Kind] = make(map[string]struct{})
	}
	g.topology[sym.Kind][sym.ID] = struct{}{}

	return nil
}

// Connect marks a registered connector as actively connected.
func (g *Gateway) Connect(connectorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.connectors[connectorID]
	if !ok {
		return crcerrors.New(crcerrors.CodeGatewayNotFound, "connector "+connectorID+" not found")
	}
	record.state = StateConnected
	record.lastSeen = time.Now()
	record.healthScore = min(record.healthScore+0.2, 1.0)
	return nil
}

// Disconnect marks a connector as disconnected.
func (g *Gateway) Disconnect(connectorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.connectors[connectorID]
	if !ok {
		return crcerrors.New(crcerrors.CodeGatewayNotFound, "connector "+connectorID+" not found")
	}
	record.state = StateDisconnected
	return nil
}

// AutoScan refreshes every connector's health and returns one ScanEvent
// per connector.
func (g *Gateway) AutoScan() []ScanEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	events := make([]ScanEvent, 0, len(g.connectors))
	for _, record := range g.connectors {
		events = append(events, record.refresh(now))
	}
	return events
}

// RouteIntent compiles intent into a verified RoutePlan, or reports why
// none of the candidate connectors qualify.
func (g *Gateway) RouteIntent(intent Intent) (RoutePlan, error) {
	g.mu.RLock()
	var candidates []*connectorRecord
	for _, record := range g.connectors {
		if record.symbol.Kind == intent.TargetKind &&
			record.symbol.MatchesCapabilities(intent.RequiredCapabilities) &&
			record.policy.Allows(intent.Constraints) &&
			record.healthScore >= intent.Constraints.MinTrustScore &&
			record.state != StateFaulted {
			candidates = append(candidates, record)
		}
	}
	g.mu.RUnlock()

	if len(candidates) == 0 {
		return RoutePlan{}, crcerrors.New(crcerrors.CodeGatewayNoRouteFound, "no viable route found for intent")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].healthScore > candidates[j].healthScore
	})

	predictedLatency := candidates[0].policy.MaxLatencyMs
	for _, c := range candidates {
		if c.policy.MaxLatencyMs < predictedLatency {
			predictedLatency = c.policy.MaxLatencyMs
		}
	}

	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}
	connectorIDs := make([]string, 0, len(top))
	for _, c := range top {
		connectorIDs = append(connectorIDs, c.symbol.ID)
	}

	plan := RoutePlan{
		Connectors:         connectorIDs,
		PredictedLatencyMs: predictedLatency,
		Verified:           false,
	}

	verified, err := g.formalVerification(intent, plan)
	if err != nil {
		return RoutePlan{}, err
	}
	if !verified {
		return RoutePlan{}, crcerrors.New(crcerrors.CodeGatewayVerificationFailed, "intent constraints not satisfied in twin")
	}
	plan.Verified = true
	return plan, nil
}

// formalVerification re-checks a candidate plan against the topology
// index and the intent's latency budget, acting as a cheap digital-twin
// style sanity pass before a route is handed out.
func (g *Gateway) formalVerification(intent Intent, plan RoutePlan) (bool, error) {
	if len(plan.Connectors) == 0 {
		return false, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	allowed := g.topology[intent.TargetKind]
	for _, connectorID := range plan.Connectors {
		if allowed == nil {
			return false, nil
		}
		if _, ok := allowed[connectorID]; !ok {
			return false, nil
		}
	}

	return plan.PredictedLatencyMs <= intent.Constraints.MaxLatencyMs, nil
}

// PredictiveSelfHeal nudges faulted or critically unhealthy connectors
// back toward a pending, recoverable state.
func (g *Gateway) PredictiveSelfHeal() []SelfHealAction {
	g.mu.Lock()
	defer g.mu.Unlock()

	var actions []SelfHealAction
	for _, record := range g.connectors {
		if record.state == StateFaulted || record.healthScore < 0.45 {
			record.state = StatePending
			record.healthScore = min(record.healthScore+0.1, 0.8)
			actions = append(actions, SelfHealAction{
				ConnectorID: record.symbol.ID,
				Action:      "routed to redundant quick-connect",
			})
		}
	}
	return actions
}

// Snapshot summarizes the gateway's current connector population.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var snap Snapshot
	var totalHealth float64
	for _, record := range g.connectors {
		totalHealth += record.healthScore
		switch record.state {
		case StateConnected:
			snap.Connected++
		case StatePending:
			snap.Pending++
		case StateFaulted:
			snap.Faulted++
		}
	}

	if len(g.connectors) == 0 {
		snap.AverageHealth = 1.0
	} else {
		snap.AverageHealth = totalHealth / float64(len(g.connectors))
	}
	return snap
}
