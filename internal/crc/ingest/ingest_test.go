package ingest

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
	"github.com/noacore/crc-pipeline/internal/crc/pipeline"
	"github.com/noacore/crc-pipeline/internal/ledger"
)

func TestWatcher_IngestsNewArtifactExactlyOnce(t *testing.T) {
	base := t.TempDir()
	incoming := filepath.Join(base, "drop-in", "incoming")
	reposDir := filepath.Join(incoming, "repos")
	require.NoError(t, os.MkdirAll(filepath.Join(reposDir, "sample-drop", "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(reposDir, "sample-drop", "go.mod"), []byte("module sample\n\ngo 1.23\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(reposDir, "sample-drop", "src", "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	registry := capability.NewRegistry(nil, nil)

	led, err := ledger.New(filepath.Join(base, "index"), filepath.Join(base, "mirror"), registry)
	require.NoError(t, err)

	drops := dropregistry.New(filepath.Join(base, "drops.json"))
	engine := pipeline.NewEngine(pipeline.Config{ReadyQueueBasePath: filepath.Join(base, "drop-in", "ready")}, drops, led, nil, registry, nil, 8)

	w := New(Config{
		IncomingRoot:   incoming,
		ExtractTempDir: filepath.Join(base, "temp", "extracts"),
		PollInterval:   20 * time.Millisecond,
	}, drops, engine, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	reposRoot := filepath.Join(incoming, "repos")
	go w.watch(ctx, reposRoot, dropregistry.SourceExternalRepo)

	assert.Eventually(t, func() bool {
		_, ok := drops.GetDrop("sample-drop")
		return ok
	}, 200*time.Millisecond, 10*time.Millisecond)

	drop, ok := drops.GetDrop("sample-drop")
	require.True(t, ok)
	assert.Equal(t, dropregistry.SourceExternalRepo, drop.SourceType)
}
