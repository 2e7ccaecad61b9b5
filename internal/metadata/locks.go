package metadata

import (
	"context"
	"sync"
)

// LockResource names a class of registry state protected by an advisory lock.
type LockResource string

// ResourceNodeRegistry serializes mutations that check registry-wide
// invariants, such as address uniqueness across all nodes.
const ResourceNodeRegistry LockResource = "node_registry"

// AdvisoryLocks is an in-process advisory lock manager. The registry database
// is embedded, so a single coordinator process owns it and process-local
// locking is sufficient.
type AdvisoryLocks struct {
	mu    sync.Mutex
	locks map[LockResource]chan struct{}
}

// NewAdvisoryLocks creates an empty lock manager.
func NewAdvisoryLocks() *AdvisoryLocks {
	return &AdvisoryLocks{locks: make(map[LockResource]chan struct{})}
}

// Acquire takes the exclusive lock for the resource, blocking until it is
// available or ctx is done. The returned release function must be called
// exactly once.
func (a *AdvisoryLocks) Acquire(ctx context.Context, res LockResource) (func(), error) {
	a.mu.Lock()
	sem, ok := a.locks[res]
	if !ok {
		sem = make(chan struct{}, 1)
		a.locks[res] = sem
	}
	a.mu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-sem })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
