package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/illyvia/lattice/internal/store"
	"github.com/illyvia/lattice/internal/wire"
)

var uiUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const logPollInterval = 1 * time.Second

// handleLogStreamWS serves a UI-facing log tail: it polls the store for
// new entries since the client's last-seen id and pushes them as
// LogStreamFrame append messages. The node_id path segment is optional
// (bare /ws/node-logs streams nothing until the client sends a
// subscribe frame naming one); when present in the path it locks the
// stream to that node.
func (s *Server) handleLogStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := uiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	nodeID := r.PathValue("id")
	if nodeID == "" {
		var sub struct {
			NodeID string `json:"node_id"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		nodeID = sub.NodeID
	}
	if nodeID == "" {
		_ = conn.WriteJSON(wire.NewErrorFrame("node_id required"))
		return
	}

	entries, outcome, err := s.store.ListNodeLogs(nodeID, 0, 100)
	if err != nil || outcome != store.OK {
		_ = conn.WriteJSON(wire.NewErrorFrame("node not found"))
		return
	}
	var sinceID int64
	if len(entries) > 0 {
		_ = conn.WriteJSON(wire.LogStreamFrame{Type: wire.TypeSnapshot, Items: entries, NextSinceID: entries[len(entries)-1].ID})
		sinceID = entries[len(entries)-1].ID
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fresh, outcome, err := s.store.ListNodeLogs(nodeID, sinceID, 200)
			if err != nil || outcome != store.OK {
				return
			}
			if len(fresh) == 0 {
				continue
			}
			sinceID = fresh[len(fresh)-1].ID
			if err := conn.WriteJSON(wire.LogStreamFrame{Type: wire.TypeAppend, Items: fresh, NextSinceID: sinceID}); err != nil {
				return
			}
		}
	}
}
