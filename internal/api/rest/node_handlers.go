package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/metasync"
	"github.com/gorilla/mux"
)

// NodeHandler exposes the node registry mutation protocol over HTTP.
type NodeHandler struct {
	service        *metasync.Service
	defaultTimeout time.Duration
}

// NewNodeHandler creates a new instance of NodeHandler. defaultTimeout is
// the wait-until-converged budget used when the caller does not pass one.
func NewNodeHandler(service *metasync.Service, defaultTimeout time.Duration) *NodeHandler {
	return &NodeHandler{
		service:        service,
		defaultTimeout: defaultTimeout,
	}
}

// RegisterRoutes registers node registry management routes
func (h *NodeHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/cluster/nodes", h.handleAddNode).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes", h.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes/{nodeID}", h.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes/{nodeID}/address", h.handleUpdateNode).Methods(http.MethodPut)
	r.HandleFunc("/cluster/nodes/disable", h.handleDisableNode).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes/activate", h.handleActivateNode).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes/remove", h.handleRemoveNode).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes/start-sync", h.handleStartSync).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes/stop-sync", h.handleStopSync).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes/verify", h.handleVerifyReplica).Methods(http.MethodPost)
	r.HandleFunc("/cluster/wait-converged", h.handleWaitConverged).Methods(http.MethodPost)
}

// addressRequest identifies a node by its address, the way the disable,
// activate, remove and sync operations address nodes.
type addressRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type addNodeRequest struct {
	Host    string            `json:"host"`
	Port    int               `json:"port"`
	GroupID int64             `json:"group_id"`
	Role    metadata.NodeRole `json:"role"`
}

type updateNodeRequest struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Force bool   `json:"force"`
}

// handleAddNode handles POST /cluster/nodes requests
func (h *NodeHandler) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = metadata.RolePrimary
	}

	nodeID, err := h.service.AddNode(r.Context(), req.Host, req.Port, req.GroupID, req.Role)
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]int64{"node_id": nodeID})
}

// handleListNodes handles GET /cluster/nodes requests
func (h *NodeHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.service.ListNodes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(nodes)
}

// handleGetNode handles GET /cluster/nodes/{nodeID} requests
func (h *NodeHandler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(mux.Vars(r)["nodeID"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid node ID", http.StatusBadRequest)
		return
	}

	node, err := h.service.GetNode(r.Context(), nodeID)
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(node)
}

// handleUpdateNode handles PUT /cluster/nodes/{nodeID}/address requests
func (h *NodeHandler) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(mux.Vars(r)["nodeID"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid node ID", http.StatusBadRequest)
		return
	}

	var req updateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err = h.service.UpdateNode(r.Context(), nodeID, req.Host, req.Port, metasync.UpdateOptions{Force: req.Force})
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *NodeHandler) handleDisableNode(w http.ResponseWriter, r *http.Request) {
	h.addressOp(w, r, h.service.DisableNode)
}

func (h *NodeHandler) handleActivateNode(w http.ResponseWriter, r *http.Request) {
	h.addressOp(w, r, h.service.ActivateNode)
}

func (h *NodeHandler) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	h.addressOp(w, r, h.service.RemoveNode)
}

func (h *NodeHandler) handleStartSync(w http.ResponseWriter, r *http.Request) {
	h.addressOp(w, r, h.service.StartSync)
}

func (h *NodeHandler) handleStopSync(w http.ResponseWriter, r *http.Request) {
	h.addressOp(w, r, h.service.StopSync)
}

// addressOp decodes a host/port body and runs one address-keyed operation.
func (h *NodeHandler) addressOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, host string, port int) error) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := op(r.Context(), req.Host, req.Port); err != nil {
		writeOpError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyReplica handles POST /cluster/nodes/verify requests
func (h *NodeHandler) handleVerifyReplica(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ok, err := h.service.VerifyReplica(r.Context(), req.Host, req.Port)
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"match": ok})
}

// handleWaitConverged handles POST /cluster/wait-converged requests
func (h *NodeHandler) handleWaitConverged(w http.ResponseWriter, r *http.Request) {
	timeout := h.defaultTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			http.Error(w, "Invalid timeout_ms", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	converged, err := h.service.WaitUntilConverged(r.Context(), timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"converged": converged})
}

// writeOpError maps the mutation protocol's error taxonomy onto HTTP status
// codes.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metadata.ErrNodeNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, metadata.ErrDuplicateAddress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, metadata.ErrHasPlacements):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, metasync.ErrPropagationFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
