package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS dist_node (
	node_id            INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id           INTEGER NOT NULL,
	host               TEXT    NOT NULL,
	port               INTEGER NOT NULL,
	is_active          INTEGER NOT NULL DEFAULT 1,
	has_metadata       INTEGER NOT NULL DEFAULT 0,
	metadata_synced    INTEGER NOT NULL DEFAULT 0,
	sync_enabled       INTEGER NOT NULL DEFAULT 0,
	role               TEXT    NOT NULL DEFAULT 'primary',
	should_have_shards INTEGER NOT NULL DEFAULT 1,
	CHECK (metadata_synced = 0 OR has_metadata = 1)
);
CREATE INDEX IF NOT EXISTS idx_dist_node_address ON dist_node(host, port);

CREATE TABLE IF NOT EXISTS dist_placement (
	placement_id INTEGER PRIMARY KEY AUTOINCREMENT,
	shard_id     INTEGER NOT NULL,
	group_id     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dist_placement_group ON dist_placement(group_id);
`

const nodeColumns = `node_id, group_id, host, port, is_active, has_metadata, metadata_synced, sync_enabled, role, should_have_shards`

// PlacementChecker answers whether a placement group still owns shard
// placements. Placement data belongs to the external catalog; the store only
// consults it on delete.
type PlacementChecker interface {
	GroupHasPlacements(ctx context.Context, tx *Tx, groupID int64) (bool, error)
}

// Store is the durable node registry. All row operations take an explicit
// transaction handle; the store never commits implicitly.
type Store struct {
	db         *sql.DB
	logger     *zap.Logger
	placements PlacementChecker
	prepared   *preparedSet
}

// Open opens (and if needed bootstraps) the registry database at path.
// WAL mode keeps readers off the writer's lock, which matters because the
// convergence daemon reads concurrently with foreground transactions.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry schema: %w", err)
	}
	logger.Info("registry database opened", zap.String("path", path))
	return &Store{
		db:       db,
		logger:   logger,
		prepared: newPreparedSet(),
	}, nil
}

// SetPlacementChecker wires the external placement catalog in. Delete fails
// closed (refuses) when no checker is configured.
func (s *Store) SetPlacementChecker(pc PlacementChecker) {
	s.placements = pc
}

// Close releases the underlying database. Prepared transactions still parked
// in memory are rolled back.
func (s *Store) Close() error {
	if n := s.prepared.rollbackAll(); n > 0 {
		s.logger.Warn("rolled back orphaned prepared transactions", zap.Int("count", n))
	}
	return s.db.Close()
}

// Tx is a transaction-scoped handle. Row mutations, on-commit callbacks and
// two-phase-commit state all hang off it; dropping it without Commit leaves
// the registry untouched.
type Tx struct {
	sqlTx    *sql.Tx
	store    *Store
	onCommit []func()
	onFinish []func()
	finished bool
}

// Begin starts a registry transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registry transaction: %w", err)
	}
	return &Tx{sqlTx: sqlTx, store: s}, nil
}

// QueryRowContext runs a query inside the transaction. It exists for sibling
// catalogs (placements) that share the registry database.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return tx.sqlTx.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement inside the transaction.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return tx.sqlTx.ExecContext(ctx, query, args...)
}

// OnCommit registers fn to run after the transaction durably commits. For a
// two-phase transaction the callbacks run after CommitPrepared. Rollback
// discards them.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// OnFinish registers fn to run when the transaction resolves either way:
// commit, rollback, or finalization of a prepared transaction. Used to hold
// advisory locks for the full transaction lifetime.
func (tx *Tx) OnFinish(fn func()) {
	tx.onFinish = append(tx.onFinish, fn)
}

func (tx *Tx) runFinish() {
	for _, fn := range tx.onFinish {
		fn()
	}
	tx.onFinish = nil
}

// Commit makes the transaction durable, then runs on-commit callbacks.
func (tx *Tx) Commit() error {
	if tx.finished {
		return ErrTxFinished
	}
	tx.finished = true
	if err := tx.sqlTx.Commit(); err != nil {
		tx.runFinish()
		return fmt.Errorf("failed to commit registry transaction: %w", err)
	}
	tx.runFinish()
	for _, fn := range tx.onCommit {
		fn()
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit; the extra call
// is a no-op, so callers can always defer it.
func (tx *Tx) Rollback() error {
	if tx.finished {
		return nil
	}
	tx.finished = true
	defer tx.runFinish()
	if err := tx.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Get returns the node with the given id, or ErrNodeNotFound.
func (s *Store) Get(ctx context.Context, tx *Tx, nodeID int64) (*NodeRecord, error) {
	row := tx.sqlTx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM dist_node WHERE node_id = ?`, nodeID)
	return scanNode(row)
}

// GetByAddress returns the node at host:port, or ErrNodeNotFound.
func (s *Store) GetByAddress(ctx context.Context, tx *Tx, host string, port int) (*NodeRecord, error) {
	row := tx.sqlTx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM dist_node WHERE host = ? AND port = ?`, host, port)
	return scanNode(row)
}

// List returns all node records ordered by node id.
func (s *Store) List(ctx context.Context, tx *Tx) ([]NodeRecord, error) {
	return s.listWhere(ctx, tx, "1=1")
}

// ListStale returns the nodes the convergence daemon should retry: nodes
// that hold metadata, are active and sync-eligible, but whose replica is
// known stale.
func (s *Store) ListStale(ctx context.Context, tx *Tx) ([]NodeRecord, error) {
	return s.listWhere(ctx, tx,
		"has_metadata = 1 AND metadata_synced = 0 AND is_active = 1 AND sync_enabled = 1")
}

// ListSynced returns the nodes currently marked metadata-synced.
func (s *Store) ListSynced(ctx context.Context, tx *Tx) ([]NodeRecord, error) {
	return s.listWhere(ctx, tx, "metadata_synced = 1")
}

func (s *Store) listWhere(ctx context.Context, tx *Tx, where string) ([]NodeRecord, error) {
	rows, err := tx.sqlTx.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM dist_node WHERE `+where+` ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []NodeRecord
	for rows.Next() {
		var n NodeRecord
		if err := scanNodeFields(rows, &n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ActiveNodeAtAddress reports whether an active node other than excludeNodeID
// already occupies host:port. Callers hold the registry advisory lock so the
// check-then-insert is race free.
func (s *Store) ActiveNodeAtAddress(ctx context.Context, tx *Tx, host string, port int, excludeNodeID int64) (bool, error) {
	var count int
	err := tx.sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dist_node WHERE host = ? AND port = ? AND is_active = 1 AND node_id != ?`,
		host, port, excludeNodeID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check address uniqueness: %w", err)
	}
	return count > 0, nil
}

// Insert adds a new node record and assigns its id from the monotonic
// sequence. The caller's record's NodeID field is ignored.
func (s *Store) Insert(ctx context.Context, tx *Tx, rec NodeRecord) (*NodeRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	res, err := tx.sqlTx.ExecContext(ctx,
		`INSERT INTO dist_node (group_id, host, port, is_active, has_metadata, metadata_synced, sync_enabled, role, should_have_shards)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.GroupID, rec.Host, rec.Port, rec.IsActive, rec.HasMetadata,
		rec.MetadataSynced, rec.SyncEnabled, string(rec.Role), rec.ShouldHaveShards)
	if err != nil {
		return nil, fmt.Errorf("failed to insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read assigned node id: %w", err)
	}
	rec.NodeID = id
	return &rec, nil
}

// UpdateAddress changes a node's host:port.
func (s *Store) UpdateAddress(ctx context.Context, tx *Tx, nodeID int64, host string, port int) error {
	return s.updateNode(ctx, tx, nodeID, `host = ?, port = ?`, host, port)
}

// SetActive flips a node's participation in query routing.
func (s *Store) SetActive(ctx context.Context, tx *Tx, nodeID int64, active bool) error {
	return s.updateNode(ctx, tx, nodeID, `is_active = ?`, active)
}

// SetSyncEnabled flips a node's eligibility for synchronization.
func (s *Store) SetSyncEnabled(ctx context.Context, tx *Tx, nodeID int64, enabled bool) error {
	return s.updateNode(ctx, tx, nodeID, `sync_enabled = ?`, enabled)
}

// SetMetadataSynced updates only the synced flag. Setting it true on a node
// without metadata violates the sync invariant and fails.
func (s *Store) SetMetadataSynced(ctx context.Context, tx *Tx, nodeID int64, synced bool) error {
	err := s.updateNode(ctx, tx, nodeID, `metadata_synced = ?`, synced)
	if err != nil && isCheckViolation(err) {
		return ErrInvalidSyncState
	}
	return err
}

// MarkHasMetadata records that a node received a full snapshot, optionally
// marking it synced in the same write.
func (s *Store) MarkHasMetadata(ctx context.Context, tx *Tx, nodeID int64, synced bool) error {
	return s.updateNode(ctx, tx, nodeID, `has_metadata = 1, metadata_synced = ?`, synced)
}

func (s *Store) updateNode(ctx context.Context, tx *Tx, nodeID int64, set string, args ...interface{}) error {
	args = append(args, nodeID)
	res, err := tx.sqlTx.ExecContext(ctx,
		`UPDATE dist_node SET `+set+` WHERE node_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update node %d: %w", nodeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// Delete removes a node record. It fails with ErrHasPlacements while the
// node's group still owns shard placements, per the external catalog.
func (s *Store) Delete(ctx context.Context, tx *Tx, nodeID int64) error {
	node, err := s.Get(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	if s.placements == nil {
		return fmt.Errorf("cannot delete node %d: no placement catalog configured", nodeID)
	}
	owns, err := s.placements.GroupHasPlacements(ctx, tx, node.GroupID)
	if err != nil {
		return err
	}
	if owns {
		return fmt.Errorf("cannot delete %s: %w", node, ErrHasPlacements)
	}
	_, err = tx.sqlTx.ExecContext(ctx, `DELETE FROM dist_node WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete node %d: %w", nodeID, err)
	}
	return nil
}

// ReplaceAll swaps the entire node table for the given records, preserving
// node ids. Used by worker replicas applying a pushed snapshot.
func (s *Store) ReplaceAll(ctx context.Context, tx *Tx, nodes []NodeRecord) error {
	if _, err := tx.sqlTx.ExecContext(ctx, `DELETE FROM dist_node`); err != nil {
		return fmt.Errorf("failed to clear node table: %w", err)
	}
	for _, n := range nodes {
		if _, err := tx.sqlTx.ExecContext(ctx,
			`INSERT INTO dist_node (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.NodeID, n.GroupID, n.Host, n.Port, n.IsActive, n.HasMetadata,
			n.MetadataSynced, n.SyncEnabled, string(n.Role), n.ShouldHaveShards); err != nil {
			return fmt.Errorf("failed to insert replicated node %d: %w", n.NodeID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row *sql.Row) (*NodeRecord, error) {
	var n NodeRecord
	if err := scanNodeFields(row, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNodeFields(row rowScanner, n *NodeRecord) error {
	var role string
	err := row.Scan(&n.NodeID, &n.GroupID, &n.Host, &n.Port, &n.IsActive,
		&n.HasMetadata, &n.MetadataSynced, &n.SyncEnabled, &role, &n.ShouldHaveShards)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to scan node row: %w", err)
	}
	n.Role = NodeRole(role)
	return nil
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
