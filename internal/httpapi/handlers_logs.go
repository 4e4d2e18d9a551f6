package httpapi

import (
	"net/http"
	"strconv"

	"github.com/illyvia/lattice/internal/store"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var sinceID int64
	if v := r.URL.Query().Get("since_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceID = n
		}
	}

	entries, outcome, err := s.store.ListNodeLogs(nodeID, sinceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "node not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
