package metasync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aylexx/citus/internal/metadata"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrPropagationFailed indicates a change that must be cluster-consistent
// could not be applied on a currently-synced peer.
var ErrPropagationFailed = errors.New("failed to propagate metadata change to a synced node")

// UpdateOptions tunes UpdateNode behavior.
type UpdateOptions struct {
	// Force skips the reachability check on the new address.
	Force bool
}

// Coordinator implements the node registry mutation protocol. Every
// operation runs inside the caller's transaction handle; the coordinator
// itself never commits. Propagation to remote replicas happens inside the
// mutating transaction; failures degrade the target's sync flag instead of
// failing the transaction, except where spelled out otherwise.
type Coordinator struct {
	store        *metadata.Store
	locks        *metadata.AdvisoryLocks
	propagator   Propagator
	replicas     ReplicaReader
	checker      ReachabilityChecker
	invalidators []AddressInvalidator
	notify       func()
	logger       *zap.Logger
}

// NewCoordinator wires the mutation coordinator. notify is invoked after
// every committed mutation to wake the convergence daemon; nil disables it.
func NewCoordinator(store *metadata.Store, locks *metadata.AdvisoryLocks, propagator Propagator, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		locks:      locks,
		propagator: propagator,
		logger:     logger,
	}
}

// SetNotify installs the commit-time wake signal for the convergence daemon.
func (c *Coordinator) SetNotify(notify func()) {
	c.notify = notify
}

// SetReplicaReader installs the fetch path used by VerifyReplica.
func (c *Coordinator) SetReplicaReader(rr ReplicaReader) {
	c.replicas = rr
}

// SetReachabilityChecker installs the check used by UpdateNode's non-force
// safety check. Without one the check is skipped.
func (c *Coordinator) SetReachabilityChecker(rc ReachabilityChecker) {
	c.checker = rc
}

// AddInvalidator registers a cache invalidation hook for address changes.
func (c *Coordinator) AddInvalidator(inv AddressInvalidator) {
	c.invalidators = append(c.invalidators, inv)
}

// lockRegistry takes the registry advisory lock and holds it until the
// transaction resolves, so registry-wide invariant checks (address
// uniqueness) are serialized across concurrent mutations.
func (c *Coordinator) lockRegistry(ctx context.Context, tx *metadata.Tx) error {
	release, err := c.locks.Acquire(ctx, metadata.ResourceNodeRegistry)
	if err != nil {
		return fmt.Errorf("failed to lock node registry: %w", err)
	}
	tx.OnFinish(release)
	return nil
}

// afterCommit queues the daemon wake signal for when the transaction commits.
func (c *Coordinator) afterCommit(tx *metadata.Tx) {
	if c.notify != nil {
		tx.OnCommit(c.notify)
	}
}

// AddNode registers a new worker node and returns its assigned id. The node
// itself has no replica yet and receives nothing, but every synced peer gets
// the grown topology best-effort: a peer that misses the push is marked stale
// so the convergence daemon repairs it, the same as for an address change.
func (c *Coordinator) AddNode(ctx context.Context, tx *metadata.Tx, host string, port int, groupID int64, role metadata.NodeRole) (int64, error) {
	if err := c.lockRegistry(ctx, tx); err != nil {
		return 0, err
	}

	taken, err := c.store.ActiveNodeAtAddress(ctx, tx, host, port, 0)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, fmt.Errorf("cannot add node at %s:%d: %w", host, port, metadata.ErrDuplicateAddress)
	}

	node, err := c.store.Insert(ctx, tx, metadata.NodeRecord{
		GroupID:          groupID,
		Host:             host,
		Port:             port,
		IsActive:         true,
		Role:             role,
		ShouldHaveShards: role == metadata.RolePrimary,
	})
	if err != nil {
		return 0, err
	}

	if _, err := c.propagateToSynced(ctx, tx, node.NodeID); err != nil {
		return 0, err
	}

	c.logger.Info("added node",
		zap.Int64("nodeID", node.NodeID),
		zap.String("address", node.Address()),
		zap.Int64("groupID", groupID))
	c.afterCommit(tx)
	return node.NodeID, nil
}

// UpdateNode moves a node to a new address. The address change is
// metadata-only and always succeeds locally if the row update succeeds;
// propagation failures degrade the affected peer's sync flag and are logged
// as warnings, never surfaced as operation failure.
func (c *Coordinator) UpdateNode(ctx context.Context, tx *metadata.Tx, nodeID int64, newHost string, newPort int, opts UpdateOptions) error {
	if err := c.lockRegistry(ctx, tx); err != nil {
		return err
	}

	node, err := c.store.Get(ctx, tx, nodeID)
	if err != nil {
		return err
	}

	taken, err := c.store.ActiveNodeAtAddress(ctx, tx, newHost, newPort, nodeID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("cannot move node %d to %s:%d: %w", nodeID, newHost, newPort, metadata.ErrDuplicateAddress)
	}

	// Optional safety: make sure something answers at the new address
	// before committing routing metadata to it.
	if !opts.Force && c.checker != nil {
		newAddr := (metadata.NodeRecord{Host: newHost, Port: newPort}).Address()
		if err := c.checker.Check(ctx, newAddr); err != nil {
			return fmt.Errorf("new address %s failed reachability check (use force to override): %w", newAddr, err)
		}
	}

	oldAddr := node.Address()
	if err := c.store.UpdateAddress(ctx, tx, nodeID, newHost, newPort); err != nil {
		return err
	}
	newAddr := (metadata.NodeRecord{Host: newHost, Port: newPort}).Address()

	// Plan cache entries keyed by the old address become invalid the moment
	// this commits.
	invalidators := c.invalidators
	tx.OnCommit(func() {
		for _, inv := range invalidators {
			inv.OnNodeAddressChanged(nodeID, oldAddr, newAddr)
		}
	})

	// Best-effort push to every synced node, the mutated one included; its
	// own flag is recomputed from the loop-back attempt like any other.
	if _, err := c.propagateToSynced(ctx, tx, 0); err != nil {
		return err
	}

	c.logger.Info("updated node address",
		zap.Int64("nodeID", nodeID),
		zap.String("oldAddress", oldAddr),
		zap.String("newAddress", newAddr))
	c.afterCommit(tx)
	return nil
}

// DisableNode takes a node out of query routing. The change must reach every
// synced peer inside this transaction: an inconsistently-disabled node would
// leave other nodes routing to a dead target, so any propagation failure
// aborts the whole operation. Peers already known stale are skipped — they
// are not promised a live view.
func (c *Coordinator) DisableNode(ctx context.Context, tx *metadata.Tx, host string, port int) error {
	if err := c.lockRegistry(ctx, tx); err != nil {
		return err
	}

	node, err := c.store.GetByAddress(ctx, tx, host, port)
	if err != nil {
		return err
	}
	if err := c.store.SetActive(ctx, tx, node.NodeID, false); err != nil {
		return err
	}

	snap, targets, err := c.syncedTargets(ctx, tx, node.NodeID)
	if err != nil {
		return err
	}

	var failures error
	for _, target := range targets {
		res := c.propagator.Sync(ctx, target, snap)
		if !res.Outcome.Applied() {
			failures = multierr.Append(failures,
				fmt.Errorf("%s: %s (%s)", target, res.Outcome, res.Detail))
		}
	}
	if failures != nil {
		return fmt.Errorf("%w: disable of %s: %v", ErrPropagationFailed, node, failures)
	}

	c.logger.Info("disabled node", zap.Int64("nodeID", node.NodeID), zap.String("address", node.Address()))
	c.afterCommit(tx)
	return nil
}

// ActivateNode returns a node to query routing. Re-activation is idempotent
// and self-correcting via background sync, so propagation is best-effort.
func (c *Coordinator) ActivateNode(ctx context.Context, tx *metadata.Tx, host string, port int) error {
	if err := c.lockRegistry(ctx, tx); err != nil {
		return err
	}

	node, err := c.store.GetByAddress(ctx, tx, host, port)
	if err != nil {
		return err
	}

	taken, err := c.store.ActiveNodeAtAddress(ctx, tx, host, port, node.NodeID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("cannot activate node %d at %s:%d: %w", node.NodeID, host, port, metadata.ErrDuplicateAddress)
	}

	if err := c.store.SetActive(ctx, tx, node.NodeID, true); err != nil {
		return err
	}

	if _, err := c.propagateToSynced(ctx, tx, 0); err != nil {
		return err
	}

	c.logger.Info("activated node", zap.Int64("nodeID", node.NodeID), zap.String("address", node.Address()))
	c.afterCommit(tx)
	return nil
}

// RemoveNode deletes a node that no longer owns shard placements and
// propagates the removal to synced peers, best-effort.
func (c *Coordinator) RemoveNode(ctx context.Context, tx *metadata.Tx, host string, port int) error {
	if err := c.lockRegistry(ctx, tx); err != nil {
		return err
	}

	node, err := c.store.GetByAddress(ctx, tx, host, port)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, tx, node.NodeID); err != nil {
		return err
	}

	if _, err := c.propagateToSynced(ctx, tx, 0); err != nil {
		return err
	}

	c.logger.Info("removed node", zap.Int64("nodeID", node.NodeID), zap.String("address", node.Address()))
	c.afterCommit(tx)
	return nil
}

// StartSync marks a node eligible for synchronization and pushes an initial
// full snapshot. On success the node is recorded as holding metadata and
// fully synced; on failure the transaction aborts with nothing changed.
func (c *Coordinator) StartSync(ctx context.Context, tx *metadata.Tx, host string, port int) error {
	if err := c.lockRegistry(ctx, tx); err != nil {
		return err
	}

	node, err := c.store.GetByAddress(ctx, tx, host, port)
	if err != nil {
		return err
	}
	if err := c.store.SetSyncEnabled(ctx, tx, node.NodeID, true); err != nil {
		return err
	}

	nodes, err := c.store.List(ctx, tx)
	if err != nil {
		return err
	}
	snap := metadata.BuildSnapshot(nodes)

	res := c.propagator.Sync(ctx, *node, snap)
	if !res.Outcome.Applied() {
		return fmt.Errorf("%w: initial snapshot push to %s: %s (%s)",
			ErrPropagationFailed, node, res.Outcome, res.Detail)
	}
	if err := c.store.MarkHasMetadata(ctx, tx, node.NodeID, true); err != nil {
		return err
	}

	c.logger.Info("started metadata sync", zap.Int64("nodeID", node.NodeID), zap.String("address", node.Address()))
	c.afterCommit(tx)
	return nil
}

// StopSync makes a node ineligible for synchronization. The node keeps its
// metadata (hasMetadata is sticky) but is no longer promised a live view, so
// its synced flag is cleared and the daemon stops scanning it.
func (c *Coordinator) StopSync(ctx context.Context, tx *metadata.Tx, host string, port int) error {
	node, err := c.store.GetByAddress(ctx, tx, host, port)
	if err != nil {
		return err
	}
	if err := c.store.SetSyncEnabled(ctx, tx, node.NodeID, false); err != nil {
		return err
	}
	if err := c.store.SetMetadataSynced(ctx, tx, node.NodeID, false); err != nil {
		return err
	}

	c.logger.Info("stopped metadata sync", zap.Int64("nodeID", node.NodeID), zap.String("address", node.Address()))
	c.afterCommit(tx)
	return nil
}

// VerifyReplica compares a node's replicated registry view against the
// coordinator's. Diagnostic only.
func (c *Coordinator) VerifyReplica(ctx context.Context, tx *metadata.Tx, host string, port int) (bool, error) {
	if c.replicas == nil {
		return false, fmt.Errorf("no replica reader configured")
	}

	node, err := c.store.GetByAddress(ctx, tx, host, port)
	if err != nil {
		return false, err
	}
	nodes, err := c.store.List(ctx, tx)
	if err != nil {
		return false, err
	}
	local := metadata.BuildSnapshot(nodes)

	remote, err := c.replicas.Fetch(ctx, *node)
	if err != nil {
		return false, err
	}
	remoteDigest := metadata.BuildSnapshot(remote.Nodes).Digest

	if local.Digest != remoteDigest {
		c.logger.Warn("replica diverges from coordinator registry",
			zap.Int64("nodeID", node.NodeID),
			zap.String("address", node.Address()),
			zap.Int("localNodes", len(local.Nodes)),
			zap.Int("remoteNodes", len(remote.Nodes)),
			zap.Int64s("divergingNodeIDs", diffTopology(local.Nodes, remote.Nodes)))
		return false, nil
	}
	return true, nil
}

// diffTopology returns the ids of rows that differ between two registry
// views, for the divergence diagnostics log.
func diffTopology(local, remote []metadata.NodeRecord) []int64 {
	remoteByID := make(map[int64]metadata.NodeRecord, len(remote))
	for _, n := range remote {
		remoteByID[n.NodeID] = n
	}

	var diverging []int64
	for _, l := range local {
		r, ok := remoteByID[l.NodeID]
		if !ok || !l.SameTopology(r) {
			diverging = append(diverging, l.NodeID)
		}
		delete(remoteByID, l.NodeID)
	}
	for id := range remoteByID {
		diverging = append(diverging, id)
	}
	return diverging
}

// syncedTargets builds the current snapshot and the list of synced nodes to
// push it to, excluding excludeNodeID (0 excludes nothing; node ids start
// at 1).
func (c *Coordinator) syncedTargets(ctx context.Context, tx *metadata.Tx, excludeNodeID int64) (metadata.Snapshot, []metadata.NodeRecord, error) {
	nodes, err := c.store.List(ctx, tx)
	if err != nil {
		return metadata.Snapshot{}, nil, err
	}
	snap := metadata.BuildSnapshot(nodes)

	synced, err := c.store.ListSynced(ctx, tx)
	if err != nil {
		return metadata.Snapshot{}, nil, err
	}
	targets := synced[:0]
	for _, n := range synced {
		if n.NodeID != excludeNodeID {
			targets = append(targets, n)
		}
	}
	return snap, targets, nil
}

// propagateToSynced is the shared best-effort push: it attempts the current
// snapshot against every synced node and clears the sync flag of any node
// that could not durably apply it. Returns per-target results; the only
// error path is a local store failure, which is fatal to the transaction.
func (c *Coordinator) propagateToSynced(ctx context.Context, tx *metadata.Tx, excludeNodeID int64) ([]TargetResult, error) {
	snap, targets, err := c.syncedTargets(ctx, tx, excludeNodeID)
	if err != nil {
		return nil, err
	}
	return c.propagateAndTrack(ctx, tx, snap, targets)
}

// TargetResult pairs a propagation target with its outcome.
type TargetResult struct {
	Node   metadata.NodeRecord
	Result Result
}

// propagateAndTrack pushes a snapshot to each target and records failures by
// clearing metadata_synced. hasMetadata stays set: the replica is stale, not
// gone. Both the mutation coordinator and the convergence daemon route their
// degrade policy through here.
func (c *Coordinator) propagateAndTrack(ctx context.Context, tx *metadata.Tx, snap metadata.Snapshot, targets []metadata.NodeRecord) ([]TargetResult, error) {
	results := make([]TargetResult, 0, len(targets))
	for _, target := range targets {
		res := c.propagator.Sync(ctx, target, snap)
		results = append(results, TargetResult{Node: target, Result: res})
		if res.Outcome.Applied() {
			continue
		}
		c.logger.Warn("metadata propagation failed, marking node unsynced",
			zap.Int64("nodeID", target.NodeID),
			zap.String("address", target.Address()),
			zap.String("outcome", res.Outcome.String()),
			zap.String("detail", res.Detail))
		if err := c.store.SetMetadataSynced(ctx, tx, target.NodeID, false); err != nil {
			return results, err
		}
	}
	return results, nil
}
