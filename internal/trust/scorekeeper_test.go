package trust

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineSnapshotHasAllMetrics(t *testing.T) {
	policy, err := GlobalPolicy()
	require.NoError(t, err)

	snapshot := baselineSnapshot(policy)
	assert.Len(t, snapshot.Metrics, len(policy.Metrics))
	assert.Empty(t, snapshot.TriggeredEscalations)
	assert.Equal(t, 1.0, snapshot.CompositeScore)
}

func TestEvaluate_RecordsEscalationsAndScopeDirective(t *testing.T) {
	dir := t.TempDir()
	keeper, err := New(filepath.Join(dir, "trust.json"))
	require.NoError(t, err)

	inputs := ScoreInputs{
		IntegrityPass: 80, IntegrityFail: 20,
		ReversibilityPass: 70, ReversibilityFail: 30,
		CapabilityPass: 40, CapabilityFail: 60,
	}
	snapshot, err := keeper.Evaluate(inputs)
	require.NoError(t, err)

	assert.Less(t, snapshot.CompositeScore, 1.0)
	assert.Less(t, snapshot.Metrics["capability"].Score, 0.5)
	assert.Contains(t, []MetricStatus{StatusWarning, StatusCritical}, snapshot.ScopeDirective.Status)
	for _, e := range snapshot.TriggeredEscalations {
		assert.NotEmpty(t, e.PolicyID)
	}

	require.NoError(t, keeper.Persist(snapshot))
	persisted, err := keeper.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Len(t, persisted.Metrics, len(snapshot.Metrics))
}

func TestScopeDirective_AllowedOptional(t *testing.T) {
	d := ScopeDirective{OptionalMultiplier: 0.5, MinimumOptional: 1, Status: StatusWarning}
	assert.Equal(t, 0, d.AllowedOptional(0))
	assert.Equal(t, 1, d.AllowedOptional(1))
	assert.Equal(t, 2, d.AllowedOptional(4))
}

func TestLatest_NeverErrorsWithoutAnyPersistedSnapshot(t *testing.T) {
	dir := t.TempDir()
	keeper, err := New(filepath.Join(dir, "missing", "trust.json"))
	require.NoError(t, err)

	snapshot := keeper.Latest()
	assert.Equal(t, 1.0, snapshot.CompositeScore)
}

func TestBootstrap_PersistsBaselineOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.json")
	keeper, err := New(path)
	require.NoError(t, err)

	snapshot, err := keeper.Bootstrap()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snapshot.CompositeScore)

	loaded, err := keeper.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)
}
