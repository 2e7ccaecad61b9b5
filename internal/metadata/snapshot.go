package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Snapshot is a full copy of the node registry as of one transaction,
// together with a digest over its contents. Snapshots are what the
// propagator ships to worker replicas.
type Snapshot struct {
	Nodes  []NodeRecord `json:"nodes"`
	Digest string       `json:"digest"`
}

// BuildSnapshot orders the records by node id and computes their digest.
func BuildSnapshot(nodes []NodeRecord) Snapshot {
	sorted := make([]NodeRecord, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })
	return Snapshot{Nodes: sorted, Digest: digestNodes(sorted)}
}

// VerifyDigest recomputes the digest over the snapshot's rows and compares.
func (s Snapshot) VerifyDigest() bool {
	return digestNodes(s.Nodes) == s.Digest
}

// digestNodes hashes the routing topology of every row in node-id order.
// Sync-tracking flags (hasMetadata, metadataSynced, syncEnabled) are
// coordinator bookkeeping: the coordinator flips them after a push completes,
// so including them would make every replica diverge by construction.
func digestNodes(nodes []NodeRecord) string {
	h := sha256.New()
	for _, n := range nodes {
		fmt.Fprintf(h, "%d|%d|%s|%d|%t|%s|%t\n",
			n.NodeID, n.GroupID, n.Host, n.Port, n.IsActive, n.Role, n.ShouldHaveShards)
	}
	return hex.EncodeToString(h.Sum(nil))
}
