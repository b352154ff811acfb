package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func samplePolicy() ConnectionPolicy {
	return ConnectionPolicy{
		MaxLatencyMs:       10,
		MinTrustScore:      0.9,
		AllowedZones:       set("global", "edge"),
		EncryptionRequired: true,
	}
}

func sampleConstraints() IntentConstraints {
	return IntentConstraints{
		MaxLatencyMs:        15,
		MinTrustScore:       0.6,
		EncryptionSupported: true,
		AllowedZones:        set("global"),
	}
}

func TestRegisterAndRouteSymbol(t *testing.T) {
	g := New()
	symbol := Symbol{
		ID:           "analytics.api",
		Kind:         KindAPI,
		Version:      "1.0.0",
		Capabilities: set("stream", "analytics"),
		SchemaHash:   "abc123",
	}

	require.NoError(t, g.RegisterSymbol(symbol, samplePolicy()))
	require.NoError(t, g.Connect(symbol.ID))

	intent := Intent{
		Description:          "Replicate analytics stream",
		TargetKind:           KindAPI,
		RequiredCapabilities: set("stream"),
		Constraints:          sampleConstraints(),
	}

	plan, err := g.RouteIntent(intent)
	require.NoError(t, err)
	assert.True(t, plan.Verified)
	assert.Len(t, plan.Connectors, 1)
}

func TestPredictiveSelfHealing_FlagsFaults(t *testing.T) {
	g := New()
	symbol := Symbol{
		ID:           "legacy.plugin",
		Kind:         KindPlugin,
		Version:      "2.1.0",
		Capabilities: set("render"),
		SchemaHash:   "deadbeef",
	}
	require.NoError(t, g.RegisterSymbol(symbol, samplePolicy()))

	g.mu.Lock()
	record := g.connectors[symbol.ID]
	record.state = StateFaulted
	record.healthScore = 0.3
	g.mu.Unlock()

	actions := g.PredictiveSelfHeal()
	require.Len(t, actions, 1)
	assert.Equal(t, symbol.ID, actions[0].ConnectorID)
}

func TestPolicyViolationPreventsRouting(t *testing.T) {
	g := New()
	symbol := Symbol{
		ID:           "restricted.api",
		Kind:         KindAPI,
		Version:      "1.2.0",
		Capabilities: set("restricted"),
		SchemaHash:   "feedface",
	}

	policy := samplePolicy()
	policy.AllowedZones = set("private")

	require.NoError(t, g.RegisterSymbol(symbol, policy))
	require.NoError(t, g.Connect(symbol.ID))

	intent := Intent{
		Description:          "Access restricted api",
		TargetKind:           KindAPI,
		RequiredCapabilities: set("restricted"),
		Constraints: IntentConstraints{
			MaxLatencyMs:        10,
			MinTrustScore:       0.5,
			EncryptionSupported: true,
			AllowedZones:        set("global"),
		},
	}

	_, err := g.RouteIntent(intent)
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeGatewayNoRouteFound))
}

func TestPoliciesRespectTrustThresholds(t *testing.T) {
	policy := samplePolicy()
	policy.MinTrustScore = 0.9

	constraints := sampleConstraints()
	assert.True(t, policy.Allows(constraints))

	stricter := constraints
	stricter.MinTrustScore = 0.95
	assert.False(t, policy.Allows(stricter))
}

func TestRegisterSymbol_RejectsDuplicateID(t *testing.T) {
	g := New()
	symbol := Symbol{ID: "dup", Kind: KindService, Capabilities: set()}

	require.NoError(t, g.RegisterSymbol(symbol, samplePolicy()))
	err := g.RegisterSymbol(symbol, samplePolicy())
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeGatewayAlreadyRegistered))
}

func TestSnapshot_AveragesHealthAndCountsStates(t *testing.T) {
	g := New()
	assert.Equal(t, 1.0, g.Snapshot().AverageHealth, "empty gateway reports full health")

	symbol := Symbol{ID: "svc.one", Kind: KindService, Capabilities: set()}
	require.NoError(t, g.RegisterSymbol(symbol, samplePolicy()))
	require.NoError(t, g.Connect(symbol.ID))

	snap := g.Snapshot()
	assert.Equal(t, 1, snap.Connected)
}
