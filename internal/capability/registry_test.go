package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crcerrors "github.com/noacore/crc-pipeline/internal/ambient/errors"
)

type fakeStore struct{ opened bool }

func TestEnsureInitialized_ResolvesDependencyOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	var order []string

	require.NoError(t, r.RegisterDefinition(Definition{
		ID: "store",
		Init: func(ctx context.Context, c *Context) (any, error) {
			order = append(order, "store")
			return &fakeStore{opened: true}, nil
		},
	}))
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:        "pipeline",
		DependsOn: []string{"store"},
		Init: func(ctx context.Context, c *Context) (any, error) {
			order = append(order, "pipeline")
			return "engine", nil
		},
	}))

	require.NoError(t, r.EnsureInitialized(context.Background(), "pipeline"))
	assert.Equal(t, []string{"store", "pipeline"}, order)

	state, ok := r.State("pipeline")
	require.True(t, ok)
	assert.Equal(t, StateReady, state)
}

func TestEnsureInitialized_DetectsCycle(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:        "a",
		DependsOn: []string{"b"},
		Init:      func(ctx context.Context, c *Context) (any, error) { return "a", nil },
	}))
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:        "b",
		DependsOn: []string{"a"},
		Init:      func(ctx context.Context, c *Context) (any, error) { return "b", nil },
	}))

	err := r.EnsureInitialized(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeDependencyCycle) ||
		crcerrors.Is(err, crcerrors.CodeInitializationFailed))
}

func TestEnsureInitialized_FailurePropagatesToDependents(t *testing.T) {
	r := NewRegistry(nil, nil)
	boom := errors.New("boom")
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:   "broken",
		Init: func(ctx context.Context, c *Context) (any, error) { return nil, boom },
	}))
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:        "dependent",
		DependsOn: []string{"broken"},
		Init:      func(ctx context.Context, c *Context) (any, error) { return "x", nil },
	}))

	err := r.EnsureInitialized(context.Background(), "dependent")
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeInitializationFailed))

	state, _ := r.State("broken")
	assert.Equal(t, StateFailed, state)
	state, _ = r.State("dependent")
	assert.Equal(t, StateFailed, state)
}

func TestRegisterDefinition_DuplicateIsAlreadyRegistered(t *testing.T) {
	r := NewRegistry(nil, nil)
	def := Definition{ID: "dup", Init: func(ctx context.Context, c *Context) (any, error) { return 1, nil }}
	require.NoError(t, r.RegisterDefinition(def))

	err := r.RegisterDefinition(def)
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeAlreadyRegistered))
}

func TestDeclareManifestCapability_IsIdempotentNoOpOnRepeat(t *testing.T) {
	r := NewRegistry(nil, nil)
	entry := CapabilityManifestEntry{ID: "pending-plugin"}

	err := r.DeclareManifestCapability(entry)
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeManifestError))

	err = r.DeclareManifestCapability(entry)
	assert.NoError(t, err)
}

func TestRequest_TypeMismatchSurfacesAsError(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:   "stringy",
		Init: func(ctx context.Context, c *Context) (any, error) { return "not-an-int", nil },
	}))

	_, err := Request[int](context.Background(), r, "stringy")
	require.Error(t, err)
	assert.True(t, crcerrors.Is(err, crcerrors.CodeManifestError))

	val, err := Request[string](context.Background(), r, "stringy")
	require.NoError(t, err)
	assert.Equal(t, "not-an-int", val)
}

func TestShutdownAll_RunsInReverseInitOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	var shutdownOrder []string

	require.NoError(t, r.RegisterDefinition(Definition{
		ID:   "store",
		Init: func(ctx context.Context, c *Context) (any, error) { return "store", nil },
		Shutdown: func(ctx context.Context, c *Context, instance any) error {
			shutdownOrder = append(shutdownOrder, "store")
			return nil
		},
	}))
	require.NoError(t, r.RegisterDefinition(Definition{
		ID:        "pipeline",
		DependsOn: []string{"store"},
		Init:      func(ctx context.Context, c *Context) (any, error) { return "pipeline", nil },
		Shutdown: func(ctx context.Context, c *Context, instance any) error {
			shutdownOrder = append(shutdownOrder, "pipeline")
			return nil
		},
	}))

	require.NoError(t, r.EnsureInitialized(context.Background(), "pipeline"))
	errs := r.ShutdownAll(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, []string{"pipeline", "store"}, shutdownOrder)
}

func TestEnforce_ProducesSignedOperation(t *testing.T) {
	r := NewRegistry(nil, nil)
	op := r.Enforce("relocate_drop", "pipeline-engine", "drop-1234", map[string]interface{}{"model": "model-a"})
	assert.Equal(t, "relocate_drop", op.Kind)
	assert.Equal(t, "drop-1234", op.Target)
	assert.False(t, op.EnforcedAt.IsZero())
}
