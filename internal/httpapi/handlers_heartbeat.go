package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/illyvia/lattice/internal/model"
	"github.com/illyvia/lattice/internal/store"
)

// handleHeartbeat is the HTTP fallback path for the same record_heartbeat
// operation the agent websocket's heartbeat frame drives, per spec.md §6.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	nodeID, _ := payload["node_id"].(string)

	node, outcome, err := s.store.AuthenticateNode(token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if outcome != store.OK {
		writeError(w, outcomeStatus(outcome), "unauthorized")
		return
	}
	if nodeID != "" && node.ID != nodeID {
		writeError(w, http.StatusForbidden, "node_id does not match token")
		return
	}

	hostname, _ := payload["hostname"].(string)
	var extra map[string]any
	if v, ok := payload["extra"].(map[string]any); ok {
		extra = v
	}
	commit, _ := payload["git_commit"].(string)
	if commit == "" {
		commit, _ = extra["git_commit"].(string)
	}

	var caps map[string]any
	if extra != nil {
		if vm, ok := extra["vm"].(map[string]any); ok {
			caps = map[string]any{"vm": vm}
		}
		if c, ok := extra["container"].(map[string]any); ok {
			if caps == nil {
				caps = map[string]any{}
			}
			caps["container"] = c
		}
	}

	metrics := extractMetrics(extra)

	hbOutcome, err := s.store.RecordHeartbeat(node.ID, hostname, commit, extra, caps, metrics)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if hbOutcome != store.OK {
		writeError(w, outcomeStatus(hbOutcome), "heartbeat rejected")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":   node.ID,
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"hostname":  hostname,
	})
}

func extractMetrics(extra map[string]any) *model.RuntimeMetrics {
	if extra == nil {
		return nil
	}
	usage, ok := extra["usage"].(map[string]any)
	if !ok {
		return nil
	}
	return &model.RuntimeMetrics{
		CPUPercent:       asFloat(usage["cpu_percent"]),
		MemoryPercent:    asFloat(usage["memory_percent"]),
		MemoryUsedBytes:  asInt64(usage["memory_used_bytes"]),
		MemoryTotalBytes: asInt64(usage["memory_total_bytes"]),
		StoragePercent:   asFloat(usage["storage_percent"]),
		StorageUsedBytes: asInt64(usage["storage_used_bytes"]),
		StorageTotal:     asInt64(usage["storage_total_bytes"]),
	}
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asInt64(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}
