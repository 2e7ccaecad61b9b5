package metasync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/placement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePropagator scripts per-address outcomes and records every attempt.
type fakePropagator struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	calls    map[string]int
	lastSnap metadata.Snapshot
}

func newFakePropagator() *fakePropagator {
	return &fakePropagator{
		outcomes: make(map[string]Outcome),
		calls:    make(map[string]int),
	}
}

func (f *fakePropagator) set(address string, outcome Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[address] = outcome
}

func (f *fakePropagator) callCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}

func (f *fakePropagator) Sync(ctx context.Context, target metadata.NodeRecord, snap metadata.Snapshot) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[target.Address()]++
	f.lastSnap = snap
	outcome, ok := f.outcomes[target.Address()]
	if !ok {
		outcome = OutcomeSuccess
	}
	return Result{Outcome: outcome, Detail: "scripted"}
}

type testCluster struct {
	store      *metadata.Store
	coord      *Coordinator
	daemon     *Daemon
	service    *Service
	propagator *fakePropagator
	notified   int
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	logger := zap.NewNop()

	store, err := metadata.Open(filepath.Join(t.TempDir(), "registry.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	store.SetPlacementChecker(placement.NewCatalog())

	tc := &testCluster{store: store, propagator: newFakePropagator()}
	tc.coord = NewCoordinator(store, metadata.NewAdvisoryLocks(), tc.propagator, logger)
	tc.coord.SetNotify(func() { tc.notified++ })
	tc.daemon = NewDaemon(store, tc.coord, 10*time.Millisecond, logger)
	tc.service = NewService(store, tc.coord, tc.daemon)
	return tc
}

// addSyncedNode registers a node and puts it in the fully-synced state, as
// if StartSync had completed against a live replica.
func (tc *testCluster) addSyncedNode(t *testing.T, host string, port int) int64 {
	t.Helper()
	ctx := context.Background()

	nodeID, err := tc.service.AddNode(ctx, host, port, int64(port), metadata.RolePrimary)
	require.NoError(t, err)

	tx, err := tc.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tc.store.SetSyncEnabled(ctx, tx, nodeID, true))
	require.NoError(t, tc.store.MarkHasMetadata(ctx, tx, nodeID, true))
	require.NoError(t, tx.Commit())
	return nodeID
}

func (tc *testCluster) getNode(t *testing.T, nodeID int64) *metadata.NodeRecord {
	t.Helper()
	node, err := tc.service.GetNode(context.Background(), nodeID)
	require.NoError(t, err)
	return node
}

func TestCoordinator_AddNode(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	nodeID, err := tc.service.AddNode(ctx, "w1", 5432, 1, metadata.RolePrimary)
	require.NoError(t, err)
	require.Greater(t, nodeID, int64(0))

	node := tc.getNode(t, nodeID)
	assert.True(t, node.IsActive)
	assert.False(t, node.HasMetadata)
	assert.False(t, node.MetadataSynced)

	// The new node has no replica to push to, and no peer is synced yet:
	// nothing reaches the propagator.
	assert.Empty(t, tc.propagator.calls)
	assert.Equal(t, 1, tc.notified, "commit must raise the daemon wake signal")

	_, err = tc.service.AddNode(ctx, "w1", 5432, 1, metadata.RolePrimary)
	assert.ErrorIs(t, err, metadata.ErrDuplicateAddress)
}

func TestCoordinator_AddNode_ReachesSyncedPeers(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)

	// A registers the new node's row the moment the add commits.
	newID, err := tc.service.AddNode(ctx, "10.0.0.9", 7777, 9, metadata.RolePrimary)
	require.NoError(t, err)
	assert.Equal(t, 1, tc.propagator.callCount("node-a:5001"))
	require.Len(t, tc.propagator.lastSnap.Nodes, 2, "pushed snapshot carries the new node")
	assert.Equal(t, newID, tc.propagator.lastSnap.Nodes[1].NodeID)
	assert.True(t, tc.getNode(t, a).MetadataSynced)

	// The new node itself is never a push target: it holds no metadata.
	assert.Zero(t, tc.propagator.callCount("10.0.0.9:7777"))
}

func TestCoordinator_AddNode_DegradesUnreachablePeer(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	tc.propagator.set("node-a:5001", OutcomeUnreachable)

	// Registration still succeeds, but A's replica now misses a node: A must
	// be recorded stale so the daemon repairs it, never left claiming a view
	// it does not have.
	_, err := tc.service.AddNode(ctx, "10.0.0.9", 7777, 9, metadata.RolePrimary)
	require.NoError(t, err)

	nodeA := tc.getNode(t, a)
	assert.False(t, nodeA.MetadataSynced)
	assert.True(t, nodeA.HasMetadata)

	// The replica comes back; convergence restores it.
	tc.propagator.set("node-a:5001", OutcomeSuccess)
	tc.startDaemon(t)
	converged, err := tc.daemon.WaitUntilConverged(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, converged)
	assert.True(t, tc.getNode(t, a).MetadataSynced)
}

func TestCoordinator_UpdateNode_DegradesFailedPeers(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	b := tc.addSyncedNode(t, "node-b", 5002)

	var invalidated []string
	tc.coord.AddInvalidator(AddressInvalidatorFunc(func(nodeID int64, oldAddr, newAddr string) {
		invalidated = append(invalidated, oldAddr+"->"+newAddr)
	}))

	// B's replica is frozen read-only: the push cannot durably apply.
	tc.propagator.set("node-b:5002", OutcomeReadOnly)

	err := tc.service.UpdateNode(ctx, a, "node-a2", 5001, UpdateOptions{Force: true})
	require.NoError(t, err, "peer propagation failure must not fail the update")

	nodeA := tc.getNode(t, a)
	nodeB := tc.getNode(t, b)
	assert.Equal(t, "node-a2", nodeA.Host)
	assert.True(t, nodeA.MetadataSynced, "reachable node stays synced")
	assert.False(t, nodeB.MetadataSynced, "read-only peer is marked stale")
	assert.True(t, nodeB.HasMetadata, "hasMetadata survives propagation failure")

	require.Equal(t, []string{"node-a:5001->node-a2:5001"}, invalidated,
		"cache invalidation fires exactly once, after commit")

	// B is known stale now; further mutations skip it entirely.
	attempts := tc.propagator.callCount("node-b:5002")
	require.NoError(t, tc.service.UpdateNode(ctx, a, "node-a3", 5001, UpdateOptions{Force: true}))
	assert.Equal(t, attempts, tc.propagator.callCount("node-b:5002"))
}

func TestCoordinator_UpdateNode_Errors(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	tc.addSyncedNode(t, "node-b", 5002)

	err := tc.service.UpdateNode(ctx, 9999, "x", 1, UpdateOptions{Force: true})
	assert.ErrorIs(t, err, metadata.ErrNodeNotFound)

	err = tc.service.UpdateNode(ctx, a, "node-b", 5002, UpdateOptions{Force: true})
	assert.ErrorIs(t, err, metadata.ErrDuplicateAddress)

	node := tc.getNode(t, a)
	assert.Equal(t, "node-a", node.Host, "failed update leaves the address alone")
}

func TestCoordinator_DisableNode_StrictPropagation(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	b := tc.addSyncedNode(t, "node-b", 5002)

	// Happy path: the synced peer acknowledges, the node goes inactive
	// cluster-wide.
	require.NoError(t, tc.service.DisableNode(ctx, "node-a", 5001))
	assert.False(t, tc.getNode(t, a).IsActive)
	assert.Equal(t, 1, tc.propagator.callCount("node-b:5002"))

	require.NoError(t, tc.service.ActivateNode(ctx, "node-a", 5001))
	require.True(t, tc.getNode(t, a).IsActive)

	// An unreachable synced peer makes disable fail outright and roll back:
	// an inconsistently-disabled node would keep receiving traffic from it.
	tc.propagator.set("node-b:5002", OutcomeUnreachable)
	err := tc.service.DisableNode(ctx, "node-a", 5001)
	assert.ErrorIs(t, err, ErrPropagationFailed)
	assert.True(t, tc.getNode(t, a).IsActive, "local change rolled back")
	assert.True(t, tc.getNode(t, b).MetadataSynced, "rollback restores the peer's flag too")
}

func TestCoordinator_DisableNode_SkipsStalePeers(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	b := tc.addSyncedNode(t, "node-b", 5002)

	// Mark B stale first; a stale peer is not promised a live view and must
	// not block disable even though it is unreachable.
	tc.propagator.set("node-b:5002", OutcomeUnreachable)
	require.NoError(t, tc.service.UpdateNode(ctx, a, "node-a2", 5001, UpdateOptions{Force: true}))
	require.False(t, tc.getNode(t, b).MetadataSynced)

	attempts := tc.propagator.callCount("node-b:5002")
	require.NoError(t, tc.service.DisableNode(ctx, "node-a2", 5001))
	assert.Equal(t, attempts, tc.propagator.callCount("node-b:5002"))
}

func TestCoordinator_ActivateNode_BestEffort(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	b := tc.addSyncedNode(t, "node-b", 5002)

	require.NoError(t, tc.service.DisableNode(ctx, "node-a", 5001))

	// Re-activation is idempotent and corrected by background sync, so an
	// unreachable peer only degrades, never fails.
	tc.propagator.set("node-b:5002", OutcomeUnreachable)
	require.NoError(t, tc.service.ActivateNode(ctx, "node-a", 5001))
	assert.True(t, tc.getNode(t, a).IsActive)
	assert.False(t, tc.getNode(t, b).MetadataSynced)
}

func TestCoordinator_RemoveNode(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	b := tc.addSyncedNode(t, "node-b", 5002)

	// Give A's group a placement: removal must be refused.
	tx, err := tc.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, placement.NewCatalog().AddPlacement(ctx, tx, 100, 5001))
	require.NoError(t, tx.Commit())

	err = tc.service.RemoveNode(ctx, "node-a", 5001)
	assert.ErrorIs(t, err, metadata.ErrHasPlacements)
	tc.getNode(t, a) // still present

	err = tc.service.RemoveNode(ctx, "node-b", 5002)
	require.NoError(t, err)
	_, err = tc.service.GetNode(ctx, b)
	assert.ErrorIs(t, err, metadata.ErrNodeNotFound)
}

func TestCoordinator_StartStopSync(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	nodeID, err := tc.service.AddNode(ctx, "w1", 5432, 1, metadata.RolePrimary)
	require.NoError(t, err)

	// Initial push fails: nothing may be persisted.
	tc.propagator.set("w1:5432", OutcomeUnreachable)
	err = tc.service.StartSync(ctx, "w1", 5432)
	assert.ErrorIs(t, err, ErrPropagationFailed)
	node := tc.getNode(t, nodeID)
	assert.False(t, node.SyncEnabled)
	assert.False(t, node.HasMetadata)

	tc.propagator.set("w1:5432", OutcomeSuccess)
	require.NoError(t, tc.service.StartSync(ctx, "w1", 5432))
	node = tc.getNode(t, nodeID)
	assert.True(t, node.SyncEnabled)
	assert.True(t, node.HasMetadata)
	assert.True(t, node.MetadataSynced)

	require.NoError(t, tc.service.StopSync(ctx, "w1", 5432))
	node = tc.getNode(t, nodeID)
	assert.False(t, node.SyncEnabled)
	assert.False(t, node.MetadataSynced)
	assert.True(t, node.HasMetadata, "stop-sync never clears hasMetadata")
}

func TestCoordinator_RollbackLeavesNoTrace(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)
	b := tc.addSyncedNode(t, "node-b", 5002)

	hookFired := false
	tc.coord.AddInvalidator(AddressInvalidatorFunc(func(int64, string, string) { hookFired = true }))
	tc.propagator.set("node-b:5002", OutcomeUnreachable)
	notifiedBefore := tc.notified

	tx, err := tc.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tc.coord.UpdateNode(ctx, tx, a, "node-a2", 5001, UpdateOptions{Force: true}))
	require.NoError(t, tx.Rollback())

	nodeA := tc.getNode(t, a)
	nodeB := tc.getNode(t, b)
	assert.Equal(t, "node-a", nodeA.Host)
	assert.True(t, nodeB.MetadataSynced, "sync flags set in the transaction roll back with it")
	assert.False(t, hookFired, "invalidation hook must not fire for an aborted transaction")
	assert.Equal(t, notifiedBefore, tc.notified, "no daemon wake for an aborted transaction")
}

func TestCoordinator_TwoPhaseCommitMatchesPlainCommit(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addSyncedNode(t, "node-a", 5001)

	hookFired := 0
	tc.coord.AddInvalidator(AddressInvalidatorFunc(func(int64, string, string) { hookFired++ }))
	notifiedBefore := tc.notified

	tx, err := tc.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tc.coord.UpdateNode(ctx, tx, a, "node-a2", 5001, UpdateOptions{Force: true}))
	require.NoError(t, tx.Prepare("xact-1"))

	// Prepared but uncommitted: nothing observable changed.
	assert.Equal(t, "node-a", tc.getNode(t, a).Host)
	assert.Equal(t, 0, hookFired)
	assert.Equal(t, notifiedBefore, tc.notified)

	require.NoError(t, tc.store.CommitPrepared("xact-1"))
	assert.Equal(t, "node-a2", tc.getNode(t, a).Host)
	assert.Equal(t, 1, hookFired)
	assert.Equal(t, notifiedBefore+1, tc.notified)
}
