package metadata

import (
	"fmt"
	"net"
	"strconv"
)

// NodeRole describes how the external planner should treat a node when
// routing queries. It is stored and replicated but never interpreted here.
type NodeRole string

const (
	RolePrimary   NodeRole = "primary"
	RoleSecondary NodeRole = "secondary"
)

// NodeRecord is one row of the authoritative node registry.
type NodeRecord struct {
	// NodeID is unique and immutable once assigned. IDs are drawn from a
	// monotonic sequence and never reused within a cluster lifetime.
	NodeID int64 `json:"node_id"`
	// GroupID is the replication/placement group the node belongs to.
	GroupID int64 `json:"group_id"`
	// Host and Port form the node's network address. Mutable.
	Host string `json:"host"`
	Port int    `json:"port"`
	// IsActive reports whether the node participates in query routing.
	IsActive bool `json:"is_active"`
	// HasMetadata is set once the node has received a full metadata
	// snapshot. Normal operation never resets it to false.
	HasMetadata bool `json:"has_metadata"`
	// MetadataSynced is true iff the node's replica is known to match the
	// current registry state. MetadataSynced implies HasMetadata.
	MetadataSynced bool `json:"metadata_synced"`
	// SyncEnabled marks the node eligible for background synchronization.
	// Cleared by an administrative stop-sync, without touching HasMetadata.
	SyncEnabled bool `json:"sync_enabled"`
	// Role and ShouldHaveShards are routing hints for the external planner.
	Role             NodeRole `json:"role"`
	ShouldHaveShards bool     `json:"should_have_shards"`
}

// Address returns the node's host:port pair.
func (n NodeRecord) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n NodeRecord) String() string {
	return fmt.Sprintf("node %d (%s)", n.NodeID, n.Address())
}

// SameTopology reports whether two records agree on every replicated routing
// field. Sync-tracking flags are coordinator bookkeeping and not compared.
func (n NodeRecord) SameTopology(o NodeRecord) bool {
	return n.NodeID == o.NodeID &&
		n.GroupID == o.GroupID &&
		n.Host == o.Host &&
		n.Port == o.Port &&
		n.IsActive == o.IsActive &&
		n.Role == o.Role &&
		n.ShouldHaveShards == o.ShouldHaveShards
}

// Validate checks fields that must hold before a record enters the store.
func (n NodeRecord) Validate() error {
	if n.Host == "" {
		return fmt.Errorf("node host cannot be empty")
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("invalid node port %d", n.Port)
	}
	if n.Role != RolePrimary && n.Role != RoleSecondary {
		return fmt.Errorf("invalid node role %q", n.Role)
	}
	if n.MetadataSynced && !n.HasMetadata {
		return ErrInvalidSyncState
	}
	return nil
}
