package dropregistry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDrop_RequiresExistingPathAndNonEmptyName(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "snapshot.json"))

	err := r.RegisterDrop("d1", filepath.Join(dir, "missing"), SourceExternalRepo, PriorityNormal, Manifest{Name: "repo"}, nil)
	assert.Error(t, err)

	err = r.RegisterDrop("d2", dir, SourceExternalRepo, PriorityNormal, Manifest{Name: ""}, nil)
	assert.Error(t, err)

	err = r.RegisterDrop("d3", dir, SourceExternalRepo, PriorityNormal, Manifest{Name: "repo"}, nil)
	require.NoError(t, err)

	drop, ok := r.GetDrop("d3")
	require.True(t, ok)
	assert.Equal(t, StateRegistered, drop.State)
}

func TestRegisterDrop_RejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, r.RegisterDrop("dup", dir, SourceFork, PriorityNormal, Manifest{Name: "x"}, nil))

	err := r.RegisterDrop("dup", dir, SourceFork, PriorityNormal, Manifest{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestUpdateState_EnforcesMonotonicTransitions(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, r.RegisterDrop("d1", dir, SourceExternalRepo, PriorityNormal, Manifest{Name: "x"}, nil))

	require.NoError(t, r.UpdateState("d1", StateAnalyzed, 0.9, nil, nil))
	require.NoError(t, r.UpdateState("d1", StateAdapted, 0.9, nil, nil))

	err := r.UpdateState("d1", StateRegistered, 0.9, nil, nil)
	assert.Error(t, err, "backward transitions must be rejected")

	require.NoError(t, r.UpdateState("d1", StateFailed, 0.0, []string{"boom"}, nil))
	drop, _ := r.GetDrop("d1")
	assert.Equal(t, StateFailed, drop.State)

	err = r.UpdateState("d1", StateAnalyzed, 0.9, nil, nil)
	assert.Error(t, err, "Failed must be terminal")
}

func TestReadyCanRevisitAsDeploying(t *testing.T) {
	assert.True(t, CanTransition(StateReady, StateDeploying))
	assert.True(t, CanTransition(StateDeploying, StateReady))
}

func TestSnapshotPersistsAcrossRegistryInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")

	r1 := New(path)
	require.NoError(t, r1.RegisterDrop("d1", dir, SourceMirror, PriorityHigh, Manifest{Name: "mirrored"}, nil))

	r2 := New(path)
	require.NoError(t, r2.Load())
	drop, ok := r2.GetDrop("d1")
	require.True(t, ok)
	assert.Equal(t, "mirrored", drop.Manifest.Name)
}
