// Package agentsession implements the Master's /ws/agent endpoint: the
// websocket state machine an agent's WebsocketStreamer worker talks to,
// per spec.md §4.3.
package agentsession

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/illyvia/lattice/internal/logging"
	"github.com/illyvia/lattice/internal/model"
	"github.com/illyvia/lattice/internal/notify"
	"github.com/illyvia/lattice/internal/router"
	"github.com/illyvia/lattice/internal/store"
	"github.com/illyvia/lattice/internal/terminal"
	"github.com/illyvia/lattice/internal/wire"
)

const (
	drainBatch    = 200
	writeTick     = 150 * time.Millisecond
	readDeadline  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler wires the Store, Router, and Terminal Multiplexer into the
// /ws/agent HTTP handler.
type Handler struct {
	store  *store.Store
	router *router.Router
	term   *terminal.Multiplexer
	notify *notify.Multi
	log    *logging.Logger
}

// New constructs an agentsession.Handler.
func New(st *store.Store, rt *router.Router, term *terminal.Multiplexer, n *notify.Multi, log *logging.Logger) *Handler {
	return &Handler{store: st, router: rt, term: term, notify: n, log: log}
}

// ServeHTTP upgrades the connection and runs the per-connection state
// machine until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	var auth wire.AuthFrame
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != wire.TypeAuth {
		writeJSON(conn, wire.NewErrorFrame("expected auth frame"))
		return
	}

	node, outcome, err := h.store.AuthenticateNode(auth.PairToken)
	if err != nil {
		h.log.Error("authenticate node failed", "error", err)
		return
	}
	if outcome != store.OK || node.ID != auth.NodeID {
		writeJSON(conn, wire.NewErrorFrame("unauthorized"))
		return
	}

	connID := uuid.NewString()
	superseded := h.router.Activate(node.ID, connID)
	if superseded != "" {
		h.store.AppendNodeLog(node.ID, model.LogWarning, "Agent websocket connection replaced an existing session", nil)
	}
	writeJSON(conn, struct {
		Type string `json:"type"`
	}{wire.TypeAuthOK})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, cancel, conn, node.ID, connID)
	h.readLoop(ctx, cancel, conn, node.ID, connID)

	h.router.Deactivate(node.ID, connID)
	h.router.ClearOutbound(node.ID)
	h.term.CloseAllForNode(node.ID, wire.TerminalControlFrame{
		Type:  wire.TypeTerminalError,
		Error: "Agent websocket disconnected",
	})
	h.store.AppendNodeLog(node.ID, model.LogWarning, "Agent websocket disconnected", nil)
}

func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, nodeID, connID string) {
	defer cancel()
	ticker := time.NewTicker(writeTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.router.IsCurrent(nodeID, connID) {
				writeJSON(conn, wire.NewErrorFrame("superseded_connection"))
				return
			}
			items := h.router.Drain(nodeID, drainBatch)
			for _, item := range items {
				if err := writeJSON(conn, item); err != nil {
					return
				}
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, nodeID, connID string) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			writeJSON(conn, wire.NewErrorFrame("invalid json"))
			continue
		}

		switch env.Type {
		case wire.TypePing:
			writeJSON(conn, struct {
				Type string `json:"type"`
			}{wire.TypePong})

		case wire.TypeLog:
			var f wire.LogFrame
			if err := json.Unmarshal(data, &f); err == nil {
				h.store.AppendNodeLog(nodeID, f.Level, f.Message, f.Meta)
			}

		case wire.TypeHeartbeat:
			var f wire.HeartbeatFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if !h.applyHeartbeat(nodeID, f.Payload) {
				writeJSON(conn, wire.NewErrorFrame("unauthorized"))
				return
			}

		case wire.TypeCommandResult:
			var f wire.CommandResultFrame
			if err := json.Unmarshal(data, &f); err == nil {
				h.applyCommandResult(nodeID, f)
			}

		case wire.TypeTerminalData, wire.TypeTerminalExit, wire.TypeTerminalError:
			var f wire.TerminalControlFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if !h.term.PushInbound(f.SessionID, f) {
				writeJSON(conn, wire.NewErrorFrame("unknown session_id"))
			}

		default:
			writeJSON(conn, wire.NewErrorFrame("unsupported_type"))
		}
	}
}

func (h *Handler) applyHeartbeat(nodeID string, payload map[string]any) bool {
	metrics := extractMetrics(payload)
	hostname, _ := payload["hostname"].(string)
	commit, _ := payload["git_commit"].(string)
	var info, caps map[string]any
	if v, ok := payload["extra"].(map[string]any); ok {
		info = v
		if vm, ok := v["vm"].(map[string]any); ok {
			if caps == nil {
				caps = map[string]any{}
			}
			caps["vm"] = vm
		}
		if c, ok := v["container"].(map[string]any); ok {
			if caps == nil {
				caps = map[string]any{}
			}
			caps["container"] = c
		}
	}
	outcome, err := h.store.RecordHeartbeat(nodeID, hostname, commit, info, caps, metrics)
	if err != nil {
		h.log.Error("record heartbeat failed", "error", err, "node_id", nodeID)
		return true
	}
	return outcome == store.OK
}

func extractMetrics(payload map[string]any) *model.RuntimeMetrics {
	extra, ok := payload["extra"].(map[string]any)
	if !ok {
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

func (h *Handler) applyCommandResult(nodeID string, f wire.CommandResultFrame) {
	opID := f.OperationID
	if opID == "" {
		opID = f.CommandID
	}
	if opID == "" {
		return
	}

	switch {
	case f.CommandType == "terminal_exec" || hasVMPrefix(f.CommandType):
		outcome, err := h.store.ApplyVMCommandResult(opID, f.Status, f.Details, f.Message)
		if err != nil {
			h.log.Error("apply command result failed", "error", err, "node_id", nodeID, "operation_id", opID)
			return
		}
		if outcome == store.OK && h.notify != nil && f.Status != model.OpStatusRunning {
			evt := notify.Event{NodeID: nodeID, VMID: f.VMID, OperationID: opID, OperationType: f.CommandType, Timestamp: time.Now()}
			if f.Status == model.OpStatusSucceeded {
				evt.Type = notify.EventOperationDone
			} else {
				evt.Type = notify.EventOperationError
				evt.Error = f.Message
			}
			h.notify.Notify(context.Background(), evt)
		}
	default:
		h.store.AppendNodeLog(nodeID, model.LogInfo, "command result: "+f.CommandType+" "+f.Status, f.Details)
	}
}

func hasVMPrefix(commandType string) bool {
	return len(commandType) >= 3 && commandType[:3] == "vm_"
}

func writeJSON(conn *websocket.Conn, v any) error {
	return conn.WriteJSON(v)
}
