package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/illyvia/lattice/internal/model"
	"github.com/illyvia/lattice/internal/notify"
	"github.com/illyvia/lattice/internal/store"
)

// authenticateAgentRequest enforces the agent-scoped auth rule from §4.4:
// the bearer token must belong to the node named in the path, and if the
// node has a recorded agent_hostname, a present X-Agent-Hostname header
// must match it case-insensitively.
func (s *Server) authenticateAgentRequest(r *http.Request, nodeID string) (*model.Node, int) {
	token := bearerToken(r)
	if token == "" {
		return nil, http.StatusUnauthorized
	}
	node, outcome, err := s.store.AuthenticateNode(token)
	if err != nil {
		return nil, http.StatusInternalServerError
	}
	if outcome != store.OK || node.ID != nodeID {
		return nil, http.StatusUnauthorized
	}
	if node.AgentHostname != "" {
		if h := r.Header.Get("X-Agent-Hostname"); h != "" && !strings.EqualFold(h, node.AgentHostname) {
			return nil, http.StatusForbidden
		}
	}
	return node, http.StatusOK
}

func (s *Server) handleCommandsNext(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	node, status := s.authenticateAgentRequest(r, nodeID)
	if node == nil {
		writeError(w, status, "unauthorized")
		return
	}

	cmd, ok := s.router.DequeuePending(nodeID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": cmd})
}

func (s *Server) handleCommandsResult(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	node, status := s.authenticateAgentRequest(r, nodeID)
	if node == nil {
		writeError(w, status, "unauthorized")
		return
	}

	var result struct {
		CommandID     string         `json:"command_id"`
		CommandType   string         `json:"command_type"`
		Status        string         `json:"status"`
		Message       string         `json:"message"`
		Details       map[string]any `json:"details"`
		OperationID   string         `json:"operation_id"`
		VMID          string         `json:"vm_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	opID := result.OperationID
	if opID == "" {
		opID = result.CommandID
	}
	if opID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}

	if result.CommandType == "update_agent" {
		s.store.AppendNodeLog(nodeID, model.LogInfo, "update_agent result: "+result.Status, result.Details)
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}

	outcome, err := s.store.ApplyVMCommandResult(opID, result.Status, result.Details, result.Message)
	if err != nil {
		s.log.Error("apply command result failed", "error", err, "node_id", nodeID, "operation_id", opID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "operation not found")
		return
	}

	if s.notify != nil && result.Status != model.OpStatusRunning {
		evt := notify.Event{NodeID: nodeID, VMID: result.VMID, OperationID: opID, OperationType: result.CommandType, Timestamp: time.Now()}
		if result.Status == model.OpStatusSucceeded {
			evt.Type = notify.EventOperationDone
		} else {
			evt.Type = notify.EventOperationError
			evt.Error = result.Message
		}
		s.notify.Notify(r.Context(), evt)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
