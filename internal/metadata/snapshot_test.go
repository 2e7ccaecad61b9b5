package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testNodes() []NodeRecord {
	return []NodeRecord{
		{NodeID: 2, GroupID: 2, Host: "w2", Port: 5432, IsActive: true, Role: RolePrimary, ShouldHaveShards: true},
		{NodeID: 1, GroupID: 1, Host: "w1", Port: 5432, IsActive: true, Role: RolePrimary, ShouldHaveShards: true},
	}
}

func TestBuildSnapshot_OrderIndependent(t *testing.T) {
	nodes := testNodes()
	forward := BuildSnapshot(nodes)
	reversed := BuildSnapshot([]NodeRecord{nodes[1], nodes[0]})

	assert.Equal(t, forward.Digest, reversed.Digest)
	assert.Equal(t, int64(1), forward.Nodes[0].NodeID, "snapshot rows are ordered by node id")
	assert.True(t, forward.VerifyDigest())
}

func TestBuildSnapshot_DigestTracksTopology(t *testing.T) {
	base := BuildSnapshot(testNodes())

	moved := testNodes()
	moved[0].Host = "elsewhere"
	assert.NotEqual(t, base.Digest, BuildSnapshot(moved).Digest)

	disabled := testNodes()
	disabled[0].IsActive = false
	assert.NotEqual(t, base.Digest, BuildSnapshot(disabled).Digest)
}

func TestBuildSnapshot_DigestIgnoresSyncFlags(t *testing.T) {
	base := BuildSnapshot(testNodes())

	flagged := testNodes()
	flagged[0].HasMetadata = true
	flagged[0].MetadataSynced = true
	flagged[1].SyncEnabled = true
	assert.Equal(t, base.Digest, BuildSnapshot(flagged).Digest,
		"sync bookkeeping must not count as replica divergence")
}

func TestSnapshot_VerifyDigestDetectsTamper(t *testing.T) {
	snap := BuildSnapshot(testNodes())
	snap.Nodes[0].Port = 9999
	assert.False(t, snap.VerifyDigest())
}
