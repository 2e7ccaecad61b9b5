package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoPhase_PreparedInvisibleUntilCommit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := insertTestNode(t, store, "w1", 5432)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpdateAddress(ctx, tx, node.NodeID, "moved", 9999))
	committed := false
	tx.OnCommit(func() { committed = true })
	require.NoError(t, tx.Prepare("gid-1"))

	// Prepared but not committed: another transaction must still see the
	// old row, and the commit callbacks must not have fired.
	assert.False(t, committed)
	view, err := store.Begin(ctx)
	require.NoError(t, err)
	got, err := store.Get(ctx, view, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.Host)
	require.NoError(t, view.Rollback())

	require.NoError(t, store.CommitPrepared("gid-1"))
	assert.True(t, committed)

	view, err = store.Begin(ctx)
	require.NoError(t, err)
	defer view.Rollback()
	got, err = store.Get(ctx, view, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "moved", got.Host)
}

func TestTwoPhase_RollbackPreparedDiscardsEverything(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := insertTestNode(t, store, "w1", 5432)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpdateAddress(ctx, tx, node.NodeID, "moved", 9999))
	committed := false
	tx.OnCommit(func() { committed = true })
	require.NoError(t, tx.Prepare("gid-2"))

	require.NoError(t, store.RollbackPrepared("gid-2"))
	assert.False(t, committed)

	view, err := store.Begin(ctx)
	require.NoError(t, err)
	defer view.Rollback()
	got, err := store.Get(ctx, view, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.Host)
}

func TestTwoPhase_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	assert.Error(t, tx.Prepare(""), "empty gid must be rejected")
	require.NoError(t, tx.Prepare("gid-3"))

	// The handle is finished once prepared.
	assert.ErrorIs(t, tx.Commit(), ErrTxFinished)

	tx2, err := store.Begin(ctx)
	require.NoError(t, err)
	assert.Error(t, tx2.Prepare("gid-3"), "duplicate gid must be rejected")
	require.NoError(t, tx2.Rollback())

	assert.ErrorIs(t, store.CommitPrepared("no-such-gid"), ErrPreparedNotFound)
	require.NoError(t, store.RollbackPrepared("gid-3"))
	assert.ErrorIs(t, store.RollbackPrepared("gid-3"), ErrPreparedNotFound)
}
