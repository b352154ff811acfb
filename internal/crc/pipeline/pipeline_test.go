package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noacore/crc-pipeline/internal/capability"
	"github.com/noacore/crc-pipeline/internal/crc/dropregistry"
	"github.com/noacore/crc-pipeline/internal/ledger"
)

func TestAnalyzeDependencies_ParsesGoModAndPackageJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte(
		"module example.com/widget\n\ngo 1.23\n\nrequire (\n\tgithub.com/foo/bar v1.2.3\n\tgithub.com/baz/qux v0.9.0\n)\n",
	), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(
		`{"dependencies": {"left-pad": "^1.0.0"}}`,
	), 0o644))

	deps := analyzeDependencies(dir)

	names := make([]string, 0, len(deps))
	for _, d := range deps {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "github.com/foo/bar")
	assert.Contains(t, names, "github.com/baz/qux")
	assert.Contains(t, names, "left-pad")
}

func TestFindIssues_FlagsOversizedMissingGoModAndEmptyDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 6*1024*1024), 0o644))

	issues := findIssues(dir)

	joined := func(prefix string) bool {
		for _, issue := range issues {
			if len(issue) >= len(prefix) && issue[:len(prefix)] == prefix {
				return true
			}
		}
		return false
	}
	assert.True(t, joined("oversized file:"))
	assert.True(t, joined("missing go.mod:"))
	assert.True(t, joined("empty directory:"))
}

func TestFindIssues_NoGoModIssueWhenModuleFilePresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n\ngo 1.23\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	issues := findIssues(dir)
	for _, issue := range issues {
		assert.NotContains(t, issue, "missing go.mod")
	}
}

func TestAnalysisConfidence_PenalizesUnknownLanguageAndNoDeps(t *testing.T) {
	full := analysisConfidence([]string{"Go"}, []Dependency{{Name: "x"}}, nil)
	assert.InDelta(t, 1.0, full, 0.0001)

	unknown := analysisConfidence([]string{"Unknown"}, []Dependency{{Name: "x"}}, nil)
	assert.InDelta(t, 0.7, unknown, 0.0001)

	noDeps := analysisConfidence([]string{"Go"}, nil, nil)
	assert.InDelta(t, 0.9, noDeps, 0.0001)

	withIssues := analysisConfidence([]string{"Go"}, []Dependency{{Name: "x"}}, []string{"a", "b", "c"})
	assert.InDelta(t, 0.85, withIssues, 0.0001)
}

func TestAdaptationConfidence_Tiers(t *testing.T) {
	assert.Equal(t, 0.95, adaptationConfidence(0, 2))
	assert.Equal(t, 0.85, adaptationConfidence(3, 0))
	assert.Equal(t, 0.70, adaptationConfidence(4, 0))
}

func TestValidationConfidence_DegradesOrFloors(t *testing.T) {
	assert.Equal(t, 0.60, validationConfidence(0.95, true, false))
	assert.InDelta(t, 0.80, validationConfidence(0.81, false, true), 0.0001)
	assert.Equal(t, 0.95, validationConfidence(0.95, false, false))
}

func TestAssignSandbox_MatchesDecisionTable(t *testing.T) {
	assert.Equal(t, SandboxModelA, AssignSandbox(dropregistry.SourceMirror, 0.1))
	assert.Equal(t, SandboxModelC, AssignSandbox(dropregistry.SourceStaleCodebase, 0.99))
	assert.Equal(t, SandboxModelB, AssignSandbox(dropregistry.SourceFork, 0.9))
	assert.Equal(t, SandboxModelA, AssignSandbox(dropregistry.SourceFork, 0.8))
	assert.Equal(t, SandboxModelC, AssignSandbox(dropregistry.SourceFork, 0.5))
	assert.Equal(t, SandboxModelA, AssignSandbox(dropregistry.SourceExternalRepo, 0.75))
	assert.Equal(t, SandboxModelC, AssignSandbox(dropregistry.SourceExternalRepo, 0.74))
	assert.Equal(t, SandboxModelA, AssignSandbox(dropregistry.SourceInternal, 0.8))
}

func TestQueueKey_InternalFallsThroughToRepoQueue(t *testing.T) {
	assert.Equal(t, dropregistry.SourceExternalRepo, queueKey(dropregistry.SourceInternal))
	assert.Equal(t, dropregistry.SourceExternalRepo, queueKey(dropregistry.SourceExternalRepo))
	assert.Equal(t, dropregistry.SourceFork, queueKey(dropregistry.SourceFork))
}

func TestCopyTree_ReplicatesNestedFilesAndDirectories(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "deep.txt"), []byte("deep"), 0o644))

	dst := filepath.Join(base, "dst")
	require.NoError(t, copyTree(src, dst))

	top, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "top", string(top))

	deep, err := os.ReadFile(filepath.Join(dst, "nested", "deep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(deep))
}

func TestEngine_ProcessDrop_RunsFullStageChainToReady(t *testing.T) {
	base := t.TempDir()
	dropDir := filepath.Join(base, "processing", "drop1")
	require.NoError(t, os.MkdirAll(filepath.Join(dropDir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "go.mod"), []byte("module example.com/drop1\n\ngo 1.23\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "src", "main.go"), []byte("package main\n"), 0o644))

	drops := dropregistry.New(filepath.Join(base, "snapshot.json"))
	require.NoError(t, drops.RegisterDrop("drop1", dropDir, dropregistry.SourceExternalRepo, dropregistry.PriorityNormal,
		dropregistry.Manifest{Name: "drop1", SourceURI: "https://example.com/drop1"}, nil))

	registry := capability.NewRegistry(nil, nil)
	led, err := ledger.New(filepath.Join(base, "ledger-index"), filepath.Join(base, "ledger-mirror"), registry)
	require.NoError(t, err)

	symbolStoreDir := filepath.Join(base, "symbol-graphs")
	engine := NewEngine(Config{
		MaxConcurrent:          2,
		AutoApproveThreshold:   0.85,
		EmptyQueuePollInterval: 50 * time.Millisecond,
		ReadyQueueBasePath:     filepath.Join(base, "ready"),
		SymbolGraphStoreDir:    symbolStoreDir,
	}, drops, led, nil, registry, nil, 4)

	require.NoError(t, engine.processDrop(context.Background(), "drop1"))

	drop, ok := drops.GetDrop("drop1")
	require.True(t, ok)
	assert.Equal(t, dropregistry.StateReady, drop.State)
	assert.NotEmpty(t, drop.Sandbox)

	_, err = os.Stat(filepath.Join(base, "ready", Sandbox(drop.Sandbox).QueueName(), "drop1"))
	assert.NoError(t, err, "drop files should have been relocated to its ready queue")

	_, err = os.Stat(filepath.Join(symbolStoreDir, "drop1", "nodes.jsonl"))
	assert.NoError(t, err, "analysis stage should have persisted a symbol graph for the drop")

	require.NoError(t, led.Verify(ledger.RelocationLog))
}

func TestEngine_RunDrainsQueueUntilCancelled(t *testing.T) {
	base := t.TempDir()
	dropDir := filepath.Join(base, "processing", "drop2")
	require.NoError(t, os.MkdirAll(dropDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "README.md"), []byte("hi"), 0o644))

	drops := dropregistry.New(filepath.Join(base, "snapshot.json"))
	require.NoError(t, drops.RegisterDrop("drop2", dropDir, dropregistry.SourceFork, dropregistry.PriorityNormal,
		dropregistry.Manifest{Name: "drop2"}, nil))

	registry := capability.NewRegistry(nil, nil)
	led, err := ledger.New(filepath.Join(base, "ledger-index"), filepath.Join(base, "ledger-mirror"), registry)
	require.NoError(t, err)

	engine := NewEngine(Config{
		EmptyQueuePollInterval: 10 * time.Millisecond,
		ReadyQueueBasePath:     filepath.Join(base, "ready"),
	}, drops, led, nil, registry, nil, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	engine.Run(ctx)
	require.NoError(t, engine.Enqueue(ctx, "drop2", dropregistry.SourceFork))

	require.Eventually(t, func() bool {
		drop, ok := drops.GetDrop("drop2")
		return ok && drop.State == dropregistry.StateReady
	}, 400*time.Millisecond, 10*time.Millisecond)

	cancel()
	engine.Wait()
}
