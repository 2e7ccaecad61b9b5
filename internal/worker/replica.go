// Package worker holds the worker-side half of metadata sync: a local
// registry replica that coordinator pushes are applied to, so the worker can
// itself route distributed operations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Aylexx/citus/internal/metadata"
	"go.uber.org/zap"
)

// ErrReadOnly is returned when a snapshot push hits a replica frozen in
// read-only mode (hot standby, administrative freeze). The coordinator
// treats it like an unreachable target: not durably applied.
var ErrReadOnly = errors.New("replica is read-only")

// ErrBadSnapshot is returned when a pushed snapshot fails digest
// verification.
var ErrBadSnapshot = errors.New("snapshot digest mismatch")

// Replica is the worker's synchronized copy of the node registry.
type Replica struct {
	store    *metadata.Store
	logger   *zap.Logger
	mu       sync.RWMutex
	readOnly bool
}

// NewReplica wraps a local registry store as a replica target.
func NewReplica(store *metadata.Store, logger *zap.Logger) *Replica {
	return &Replica{store: store, logger: logger}
}

// SetReadOnly freezes or thaws the replica. While frozen, pushes are
// refused; reads still work.
func (r *Replica) SetReadOnly(readOnly bool) {
	r.mu.Lock()
	r.readOnly = readOnly
	r.mu.Unlock()
	r.logger.Info("replica mode changed", zap.Bool("readOnly", readOnly))
}

// ReadOnly reports whether the replica currently refuses writes.
func (r *Replica) ReadOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOnly
}

// ApplySnapshot replaces the replica's node table with the pushed snapshot,
// atomically. The push is all-or-nothing: a failed apply leaves the previous
// replica state intact.
func (r *Replica) ApplySnapshot(ctx context.Context, snap metadata.Snapshot) error {
	if r.ReadOnly() {
		return ErrReadOnly
	}
	if !snap.VerifyDigest() {
		return ErrBadSnapshot
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.store.ReplaceAll(ctx, tx, snap.Nodes); err != nil {
		return fmt.Errorf("failed to apply snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.logger.Debug("applied registry snapshot", zap.Int("nodes", len(snap.Nodes)))
	return nil
}

// Snapshot returns the replica's current registry view.
func (r *Replica) Snapshot(ctx context.Context) (*metadata.Snapshot, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nodes, err := r.store.List(ctx, tx)
	if err != nil {
		return nil, err
	}
	snap := metadata.BuildSnapshot(nodes)
	return &snap, nil
}
