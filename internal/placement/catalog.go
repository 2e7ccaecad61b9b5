// Package placement gives read-only access to the shard placement catalog.
// Placements are owned by the distributed planner; this package only answers
// whether a placement group still holds data, which gates node removal.
package placement

import (
	"context"
	"fmt"

	"github.com/Aylexx/citus/internal/metadata"
)

// Catalog reads the dist_placement table through the caller's registry
// transaction, so placement checks see the same snapshot as the mutation
// they guard.
type Catalog struct{}

// NewCatalog creates a placement catalog reader.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// GroupHasPlacements reports whether any shard placement is assigned to the
// group.
func (c *Catalog) GroupHasPlacements(ctx context.Context, tx *metadata.Tx, groupID int64) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dist_placement WHERE group_id = ?)`, groupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check placements for group %d: %w", groupID, err)
	}
	return exists, nil
}

// AddPlacement records a shard placement for a group. The core never calls
// this; it exists for cluster bootstrap tooling and tests that need a node
// to own data.
func (c *Catalog) AddPlacement(ctx context.Context, tx *metadata.Tx, shardID, groupID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dist_placement (shard_id, group_id) VALUES (?, ?)`, shardID, groupID)
	if err != nil {
		return fmt.Errorf("failed to add placement for shard %d: %w", shardID, err)
	}
	return nil
}
