package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/illyvia/lattice/internal/store"
)

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"pair_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	node, token, outcome, err := s.store.PairNode(req.Code)
	if err != nil {
		s.log.Error("pair node failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), pairErrorMessage(outcome))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":    node.ID,
		"pair_token": token,
		"node_name":  node.Name,
	})
}

func pairErrorMessage(o store.Outcome) string {
	switch o {
	case store.InvalidCode:
		return "invalid pair code"
	case store.AlreadyPaired:
		return "pair code already used"
	default:
		return "unable to pair"
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	node, outcome, err := s.store.CreateNode(req.Name)
	if err != nil {
		s.log.Error("create node failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "unable to create node")
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleRenameNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	outcome, err := s.store.RenameNode(id, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "unable to rename node")
		return
	}
	node, _, err := s.store.GetNode(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.store.DeleteNode(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "unable to delete node")
		return
	}
	s.router.ClearOutbound(id)
	s.term.CloseAllForNode(id, map[string]string{"type": "terminal_error", "error": "node deleted"})
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateAgent enqueues a fire-and-forget update_agent command for the
// node's next command dispatch, per spec.md §4.1/§4.7.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	node, outcome, err := s.store.GetNode(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "node not found")
		return
	}
	cmd := map[string]any{
		"type":         "update_agent",
		"command_type": "update_agent",
		"command_id":   node.ID + "-update",
	}
	s.router.EnqueuePending(node.ID, cmd)
	s.router.EnqueueOutbound(node.ID, cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
