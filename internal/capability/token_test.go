package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

func testManifest() *Manifest {
	return &Manifest{
		Capabilities: []CapabilityManifestEntry{
			{ID: "crc.pipeline"},
			{ID: "crc.archive"},
		},
		TokenPolicies: []TokenPolicyManifestEntry{
			{Scope: "operator", TTLSeconds: 3600, Capabilities: []string{"crc.pipeline", "crc.archive"}},
			{Scope: "readonly", TTLSeconds: 1, Capabilities: []string{"crc.pipeline"}},
		},
	}
}

func TestIssueAndVerifyToken_GrantsDeclaredCapabilities(t *testing.T) {
	r := NewRegistry(testManifest(), []byte("test-signing-key"))

	token, err := r.IssueToken("ci-runner", "operator")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	capabilities, err := r.VerifyToken(token, "crc.archive")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"crc.pipeline", "crc.archive"}, capabilities)
}

func TestVerifyToken_DeniesUngrantedCapability(t *testing.T) {
	r := NewRegistry(testManifest(), []byte("test-signing-key"))

	token, err := r.IssueToken("ci-runner", "readonly")
	require.NoError(t, err)

	_, err = r.VerifyToken(token, "crc.archive")
	require.Error(t, err)
	crcErr, ok := crcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, crcerrors.CodeTokenScopeDenied, crcErr.Code)
}

func TestVerifyToken_RejectsExpiredToken(t *testing.T) {
	r := NewRegistry(testManifest(), []byte("test-signing-key"))

	token, err := r.IssueToken("ci-runner", "readonly")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = r.VerifyToken(token, "")
	require.Error(t, err)
	crcErr, ok := crcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, crcerrors.CodeTokenExpired, crcErr.Code)
}

func TestIssueToken_UnknownScope(t *testing.T) {
	r := NewRegistry(testManifest(), []byte("test-signing-key"))

	_, err := r.IssueToken("ci-runner", "nonexistent")
	require.Error(t, err)
	crcErr, ok := crcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, crcerrors.CodeUnknownTokenScope, crcErr.Code)
}

func TestVerifyToken_RejectsTamperedSignature(t *testing.T) {
	r := NewRegistry(testManifest(), []byte("test-signing-key"))
	other := NewRegistry(testManifest(), []byte("a-different-key"))

	token, err := r.IssueToken("ci-runner", "operator")
	require.NoError(t, err)

	_, err = other.VerifyToken(token, "")
	require.Error(t, err)
	crcErr, ok := crcerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, crcerrors.CodeTokenInvalid, crcErr.Code)
}
