package metadata

import (
	"fmt"
	"sync"
)

// preparedSet holds transactions that have been prepared for two-phase
// commit but not yet finalized. A prepared transaction keeps its underlying
// database transaction open, so its writes stay invisible to every other
// connection until CommitPrepared.
type preparedSet struct {
	mu  sync.Mutex
	txs map[string]*Tx
}

func newPreparedSet() *preparedSet {
	return &preparedSet{txs: make(map[string]*Tx)}
}

// Prepare parks the transaction under the given global identifier. The
// handle can no longer be committed or rolled back directly; it is finalized
// through the store by id.
func (tx *Tx) Prepare(gid string) error {
	if tx.finished {
		return ErrTxFinished
	}
	if gid == "" {
		return fmt.Errorf("prepared transaction id cannot be empty")
	}
	if err := tx.store.prepared.add(gid, tx); err != nil {
		return err
	}
	tx.finished = true
	return nil
}

// CommitPrepared finalizes a prepared transaction. Its writes become visible
// and its on-commit callbacks run, exactly as for an ordinary commit.
func (s *Store) CommitPrepared(gid string) error {
	tx, err := s.prepared.take(gid)
	if err != nil {
		return err
	}
	if err := tx.sqlTx.Commit(); err != nil {
		tx.runFinish()
		return fmt.Errorf("failed to commit prepared transaction %q: %w", gid, err)
	}
	tx.runFinish()
	for _, fn := range tx.onCommit {
		fn()
	}
	return nil
}

// RollbackPrepared aborts a prepared transaction, discarding its writes and
// on-commit callbacks.
func (s *Store) RollbackPrepared(gid string) error {
	tx, err := s.prepared.take(gid)
	if err != nil {
		return err
	}
	defer tx.runFinish()
	if err := tx.sqlTx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back prepared transaction %q: %w", gid, err)
	}
	return nil
}

func (p *preparedSet) add(gid string, tx *Tx) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.txs[gid]; exists {
		return fmt.Errorf("prepared transaction %q already exists", gid)
	}
	p.txs[gid] = tx
	return nil
}

func (p *preparedSet) take(gid string) (*Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, exists := p.txs[gid]
	if !exists {
		return nil, ErrPreparedNotFound
	}
	delete(p.txs, gid)
	return tx, nil
}

// rollbackAll aborts anything still parked. Called on store close.
func (p *preparedSet) rollbackAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.txs)
	for gid, tx := range p.txs {
		tx.sqlTx.Rollback()
		tx.runFinish()
		delete(p.txs, gid)
	}
	return n
}
