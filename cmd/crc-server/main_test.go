package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noacore/crc-pipeline/internal/capability"
)

func TestAutostartCapabilitiesReady_NilManifestIsReady(t *testing.T) {
	registry := capability.NewRegistry(nil, nil)
	assert.True(t, autostartCapabilitiesReady(registry, nil))
}

func TestAutostartCapabilitiesReady_WaitsForAutostartCapabilities(t *testing.T) {
	manifest := &capability.Manifest{
		Capabilities: []capability.CapabilityManifestEntry{
			{ID: "core.process", Autostart: true},
		},
	}
	registry := capability.NewRegistry(manifest, nil)

	assert.False(t, autostartCapabilitiesReady(registry, manifest), "capability not yet registered should not be ready")

	require.NoError(t, registry.RegisterDefinition(capability.Definition{ID: "core.process"}))
	require.NoError(t, registry.EnsureInitialized(context.Background(), "core.process"))

	assert.True(t, autostartCapabilitiesReady(registry, manifest))
}
