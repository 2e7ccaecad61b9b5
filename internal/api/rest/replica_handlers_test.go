package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newReplicaServer(t *testing.T) (*httptest.Server, *worker.Replica) {
	t.Helper()
	logger := zap.NewNop()
	store, err := metadata.Open(filepath.Join(t.TempDir(), "replica.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	replica := worker.NewReplica(store, logger)
	server := httptest.NewServer(NewWorkerRouter(replica, logger))
	t.Cleanup(server.Close)
	return server, replica
}

func postSnapshot(t *testing.T, url string, snap metadata.Snapshot) *http.Response {
	t.Helper()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	resp, err := http.Post(url+"/replica/snapshot", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestReplicaAPI_ApplyAndList(t *testing.T) {
	server, _ := newReplicaServer(t)

	snap := metadata.BuildSnapshot([]metadata.NodeRecord{
		{NodeID: 3, GroupID: 1, Host: "w1", Port: 5432, IsActive: true, Role: metadata.RolePrimary},
	})
	resp := postSnapshot(t, server.URL, snap)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(server.URL + "/replica/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got metadata.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, int64(3), got.Nodes[0].NodeID)
	assert.Equal(t, snap.Digest, got.Digest)
}

func TestReplicaAPI_RejectsTamperedSnapshot(t *testing.T) {
	server, _ := newReplicaServer(t)

	snap := metadata.BuildSnapshot([]metadata.NodeRecord{
		{NodeID: 3, GroupID: 1, Host: "w1", Port: 5432, IsActive: true, Role: metadata.RolePrimary},
	})
	snap.Digest = "0000000000000000000000000000000000000000000000000000000000000000"

	resp := postSnapshot(t, server.URL, snap)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplicaAPI_ReadOnlyMode(t *testing.T) {
	server, replica := newReplicaServer(t)

	body, _ := json.Marshal(map[string]bool{"read_only": true})
	req, err := http.NewRequest(http.MethodPut, server.URL+"/replica/mode", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, replica.ReadOnly())

	snap := metadata.BuildSnapshot([]metadata.NodeRecord{
		{NodeID: 3, GroupID: 1, Host: "w1", Port: 5432, IsActive: true, Role: metadata.RolePrimary},
	})
	resp = postSnapshot(t, server.URL, snap)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Replica-Read-Only"))

	// Reads are still served while frozen.
	resp, err = http.Get(server.URL + "/replica/nodes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
