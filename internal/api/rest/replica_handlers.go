package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/worker"
	"github.com/gorilla/mux"
)

// readOnlyHeader marks refusals from a replica frozen in read-only mode, so
// the coordinator can tell "frozen" apart from "broken".
const readOnlyHeader = "X-Replica-Read-Only"

// ReplicaHandler exposes a worker's registry replica: the push target for
// coordinator propagation and the read side used for verification.
type ReplicaHandler struct {
	replica *worker.Replica
}

// NewReplicaHandler creates a new instance of ReplicaHandler
func NewReplicaHandler(replica *worker.Replica) *ReplicaHandler {
	return &ReplicaHandler{replica: replica}
}

// RegisterRoutes registers the replica sync routes
func (h *ReplicaHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/replica/snapshot", h.handleApplySnapshot).Methods(http.MethodPost)
	r.HandleFunc("/replica/nodes", h.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/replica/mode", h.handleSetMode).Methods(http.MethodPut)
}

// handleApplySnapshot handles POST /replica/snapshot requests
func (h *ReplicaHandler) handleApplySnapshot(w http.ResponseWriter, r *http.Request) {
	var snap metadata.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "Invalid snapshot body", http.StatusBadRequest)
		return
	}

	if err := h.replica.ApplySnapshot(r.Context(), snap); err != nil {
		switch {
		case errors.Is(err, worker.ErrReadOnly):
			w.Header().Set(readOnlyHeader, "true")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, worker.ErrBadSnapshot):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleListNodes handles GET /replica/nodes requests
func (h *ReplicaHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	snap, err := h.replica.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleSetMode handles PUT /replica/mode requests
func (h *ReplicaHandler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReadOnly bool `json:"read_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.replica.SetReadOnly(req.ReadOnly)
	w.WriteHeader(http.StatusNoContent)
}
