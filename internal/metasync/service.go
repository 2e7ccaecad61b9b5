package metasync

import (
	"context"
	"time"

	"github.com/Aylexx/citus/internal/metadata"
)

// Service wraps the mutation coordinator with per-operation transaction
// management for callers that have no ambient transaction of their own (the
// REST surface, tooling). Each call begins a transaction, runs the operation
// and commits; any error rolls back, leaving the registry and every sync
// flag untouched.
type Service struct {
	store  *metadata.Store
	coord  *Coordinator
	daemon *Daemon
}

// NewService bundles the coordinator, its store and the convergence daemon.
func NewService(store *metadata.Store, coord *Coordinator, daemon *Daemon) *Service {
	return &Service{store: store, coord: coord, daemon: daemon}
}

// Coordinator exposes the underlying mutation coordinator for callers that
// manage their own transactions.
func (s *Service) Coordinator() *Coordinator {
	return s.coord
}

func (s *Service) inTx(ctx context.Context, fn func(tx *metadata.Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// AddNode adds a worker node and returns its id.
func (s *Service) AddNode(ctx context.Context, host string, port int, groupID int64, role metadata.NodeRole) (int64, error) {
	var nodeID int64
	err := s.inTx(ctx, func(tx *metadata.Tx) error {
		var err error
		nodeID, err = s.coord.AddNode(ctx, tx, host, port, groupID, role)
		return err
	})
	return nodeID, err
}

// UpdateNode moves a node to a new address.
func (s *Service) UpdateNode(ctx context.Context, nodeID int64, newHost string, newPort int, opts UpdateOptions) error {
	return s.inTx(ctx, func(tx *metadata.Tx) error {
		return s.coord.UpdateNode(ctx, tx, nodeID, newHost, newPort, opts)
	})
}

// DisableNode removes a node from query routing, cluster-consistently.
func (s *Service) DisableNode(ctx context.Context, host string, port int) error {
	return s.inTx(ctx, func(tx *metadata.Tx) error {
		return s.coord.DisableNode(ctx, tx, host, port)
	})
}

// ActivateNode returns a node to query routing.
func (s *Service) ActivateNode(ctx context.Context, host string, port int) error {
	return s.inTx(ctx, func(tx *metadata.Tx) error {
		return s.coord.ActivateNode(ctx, tx, host, port)
	})
}

// RemoveNode deletes a node that owns no placements.
func (s *Service) RemoveNode(ctx context.Context, host string, port int) error {
	return s.inTx(ctx, func(tx *metadata.Tx) error {
		return s.coord.RemoveNode(ctx, tx, host, port)
	})
}

// StartSync enables synchronization for a node and pushes the initial
// snapshot.
func (s *Service) StartSync(ctx context.Context, host string, port int) error {
	return s.inTx(ctx, func(tx *metadata.Tx) error {
		return s.coord.StartSync(ctx, tx, host, port)
	})
}

// StopSync disables synchronization for a node.
func (s *Service) StopSync(ctx context.Context, host string, port int) error {
	return s.inTx(ctx, func(tx *metadata.Tx) error {
		return s.coord.StopSync(ctx, tx, host, port)
	})
}

// VerifyReplica compares a node's replica against the registry.
func (s *Service) VerifyReplica(ctx context.Context, host string, port int) (bool, error) {
	var ok bool
	err := s.inTx(ctx, func(tx *metadata.Tx) error {
		var err error
		ok, err = s.coord.VerifyReplica(ctx, tx, host, port)
		return err
	})
	return ok, err
}

// GetNode returns one node record.
func (s *Service) GetNode(ctx context.Context, nodeID int64) (*metadata.NodeRecord, error) {
	var node *metadata.NodeRecord
	err := s.inTx(ctx, func(tx *metadata.Tx) error {
		var err error
		node, err = s.store.Get(ctx, tx, nodeID)
		return err
	})
	return node, err
}

// ListNodes returns every node record.
func (s *Service) ListNodes(ctx context.Context) ([]metadata.NodeRecord, error) {
	var nodes []metadata.NodeRecord
	err := s.inTx(ctx, func(tx *metadata.Tx) error {
		var err error
		nodes, err = s.store.List(ctx, tx)
		return err
	})
	return nodes, err
}

// WaitUntilConverged blocks until no eligible replica is stale or the
// timeout elapses; timing out is not an error.
func (s *Service) WaitUntilConverged(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.daemon.WaitUntilConverged(ctx, timeout)
}
