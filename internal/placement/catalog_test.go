package placement

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCatalog_GroupHasPlacements(t *testing.T) {
	store, err := metadata.Open(filepath.Join(t.TempDir(), "registry.db"), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	catalog := NewCatalog()
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	has, err := catalog.GroupHasPlacements(ctx, tx, 1)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, catalog.AddPlacement(ctx, tx, 100, 1))

	has, err = catalog.GroupHasPlacements(ctx, tx, 1)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = catalog.GroupHasPlacements(ctx, tx, 2)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCatalog_GatesNodeDelete(t *testing.T) {
	store, err := metadata.Open(filepath.Join(t.TempDir(), "registry.db"), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	catalog := NewCatalog()
	store.SetPlacementChecker(catalog)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	node, err := store.Insert(ctx, tx, metadata.NodeRecord{
		GroupID: 7, Host: "w1", Port: 5432, IsActive: true, Role: metadata.RolePrimary,
	})
	require.NoError(t, err)
	require.NoError(t, catalog.AddPlacement(ctx, tx, 100, 7))
	require.NoError(t, tx.Commit())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = store.Delete(ctx, tx, node.NodeID)
	assert.ErrorIs(t, err, metadata.ErrHasPlacements)
}
