package metadata

import "errors"

var (
	// ErrNodeNotFound indicates the referenced node does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateAddress indicates an add or update would leave two active
	// nodes at the same host:port.
	ErrDuplicateAddress = errors.New("another active node already has this address")

	// ErrHasPlacements indicates a remove was attempted on a node that
	// still owns shard placements.
	ErrHasPlacements = errors.New("node still owns shard placements")

	// ErrInvalidSyncState indicates a write would violate the invariant
	// that a synced node always has metadata.
	ErrInvalidSyncState = errors.New("metadata_synced requires has_metadata")

	// ErrTxFinished indicates a commit, rollback or prepare was issued on a
	// transaction handle that has already completed.
	ErrTxFinished = errors.New("transaction already finished")

	// ErrPreparedNotFound indicates no prepared transaction exists under
	// the given global identifier.
	ErrPreparedNotFound = errors.New("prepared transaction not found")
)
