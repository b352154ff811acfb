package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noacore/crc-pipeline/internal/capability"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	registry := capability.NewRegistry(nil, nil)
	l, err := New(filepath.Join(dir, "indexes"), filepath.Join(dir, "mirror"), registry)
	require.NoError(t, err)
	return l
}

func TestNew_SeedsGenesisEntryForBothLogs(t *testing.T) {
	l := newTestLedger(t)

	for _, log := range []string{RelocationLog, DocumentationLog} {
		hash, err := l.tailHashLocked(log)
		require.NoError(t, err)
		assert.NotEqual(t, genesisHash, hash, "expected a real genesis entry hash, not the sentinel")
	}
}

func TestNew_GenesisEntryIsByteIdenticalAcrossIndexAndMirror(t *testing.T) {
	l := newTestLedger(t)

	for _, log := range []string{RelocationLog, DocumentationLog} {
		indexData, err := os.ReadFile(l.logPath(l.indexDir, log))
		require.NoError(t, err)
		mirrorData, err := os.ReadFile(l.logPath(l.mirrorDir, log))
		require.NoError(t, err)
		assert.Equal(t, indexData, mirrorData, "%s: index and mirror genesis entries must be byte-equal", log)
	}
}

func TestLogRelocation_IndexAndMirrorStayByteIdentical(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.LogRelocation("pipeline-engine", "drop-in/incoming/abc", "drop-in/ready/model-a/abc", map[string]interface{}{"drop_id": "abc"})
	require.NoError(t, err)
	_, err = l.LogRelocation("pipeline-engine", "drop-in/incoming/def", "drop-in/ready/model-b/def", map[string]interface{}{"drop_id": "def"})
	require.NoError(t, err)

	indexData, err := os.ReadFile(l.logPath(l.indexDir, RelocationLog))
	require.NoError(t, err)
	mirrorData, err := os.ReadFile(l.logPath(l.mirrorDir, RelocationLog))
	require.NoError(t, err)
	assert.Equal(t, indexData, mirrorData)
}

func TestLogRelocation_ChainsFromPreviousEntry(t *testing.T) {
	l := newTestLedger(t)

	genesisTail, err := l.tailHashLocked(RelocationLog)
	require.NoError(t, err)

	_, err = l.LogRelocation("pipeline-engine", "drop-in/incoming/abc", "drop-in/ready/model-a/abc", map[string]interface{}{"drop_id": "abc"})
	require.NoError(t, err)

	firstTail, err := l.tailHashLocked(RelocationLog)
	require.NoError(t, err)
	assert.NotEqual(t, genesisTail, firstTail)

	_, err = l.LogRelocation("pipeline-engine", "drop-in/incoming/def", "drop-in/ready/model-b/def", map[string]interface{}{"drop_id": "def"})
	require.NoError(t, err)

	secondTail, err := l.tailHashLocked(RelocationLog)
	require.NoError(t, err)
	assert.NotEqual(t, firstTail, secondTail)
}

func TestVerify_DetectsTamperedChain(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.LogDocumentUpdate("pipeline-engine", "crc/archive/abc/manifest.json", map[string]interface{}{"action": "archived"})
	require.NoError(t, err)
	require.NoError(t, l.Verify(DocumentationLog))

	path := l.logPath(l.indexDir, DocumentationLog)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	forged := `{"event":{"event_type":"forged","actor":"x","scope":"y","timestamp":0},"policy":{"kind":"k","actor":"x","target":"y","enforced_at":"2024-01-01T00:00:00Z"},"previous_hash":"not-the-real-tail","entry_hash":"deadbeefdeadbeef"}` + "\n"
	tampered := append(data, []byte(forged)...)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = l.Verify(DocumentationLog)
	assert.Error(t, err)
}

func TestVerify_DetectsMirrorDivergence(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.LogDocumentUpdate("pipeline-engine", "crc/archive/abc/manifest.json", map[string]interface{}{"action": "archived"})
	require.NoError(t, err)
	require.NoError(t, l.Verify(DocumentationLog))

	mirrorPath := l.logPath(l.mirrorDir, DocumentationLog)
	mirrorData, err := os.ReadFile(mirrorPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mirrorPath, append(mirrorData, []byte("\n")...), 0o644))

	err = l.Verify(DocumentationLog)
	assert.Error(t, err)
}
