package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/pkg/dispatch"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	cat, err := Open(&Config{
		Type:       DatabaseTypeSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func TestRegisterAndList(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)

	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-b",
		ConnString: "postgres://db-b/app",
		Schema:     "public",
		MaxConns:   8,
	}))
	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-a",
		ConnString: "postgres://db-a/app",
		Schema:     "public",
	}))

	defs, err := cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "tenant-a", defs[0].StoreID)
	assert.Equal(t, "tenant-b", defs[1].StoreID)
	assert.Equal(t, 8, defs[1].MaxConns)
}

func TestRegisterUpdatesExistingEntry(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)

	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-a",
		ConnString: "postgres://old/app",
	}))
	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-a",
		ConnString: "postgres://new/app",
		MaxConns:   4,
	}))

	defs, err := cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "postgres://new/app", defs[0].ConnString)
	assert.Equal(t, 4, defs[0].MaxConns)
}

func TestDisableHidesStoreFromList(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)

	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-a",
		ConnString: "postgres://db-a/app",
	}))
	require.NoError(t, cat.Disable(ctx, "tenant-a"))

	defs, err := cat.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)

	// Re-registering re-enables the entry.
	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-a",
		ConnString: "postgres://db-a/app",
	}))
	defs, err = cat.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestRemoveAndMissingEntries(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)

	assert.ErrorIs(t, cat.Disable(ctx, "ghost"), ErrNotFound)
	assert.ErrorIs(t, cat.Remove(ctx, "ghost"), ErrNotFound)

	require.NoError(t, cat.Register(ctx, dispatch.StoreDefinition{
		StoreID:    "tenant-a",
		ConnString: "postgres://db-a/app",
	}))
	require.NoError(t, cat.Remove(ctx, "tenant-a"))

	defs, err := cat.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}
