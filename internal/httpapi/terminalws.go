package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/illyvia/lattice/internal/store"
	"github.com/illyvia/lattice/internal/terminal"
	"github.com/illyvia/lattice/internal/wire"
)

// openTerminal upgrades the UI connection, opens a Multiplexer session for
// the requested kind, dispatches a terminal_open control frame to the
// agent's ws_outbound queue (terminal control never goes to the long-poll
// pending queue, per spec.md §4.2), and runs the bidirectional relay loop
// until either side closes.
func (s *Server) openTerminal(w http.ResponseWriter, r *http.Request, nodeID, kind, vmID, runtime string, openExtra map[string]any) {
	if _, outcome, err := s.store.GetNode(nodeID); err != nil || outcome != store.OK {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	if !s.router.HasActiveConnection(nodeID) {
		http.Error(w, "agent not connected", http.StatusConflict)
		return
	}

	conn, err := uiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.term.Open(nodeID, kind, vmID, runtime)
	defer s.term.Close(sess.SessionID)

	openFrame := wire.TerminalControlFrame{
		Type:        wire.TypeTerminalOpen,
		SessionID:   sess.SessionID,
		VMID:        vmID,
		RuntimeName: runtime,
		Cols:        80,
		Rows:        24,
	}
	s.router.EnqueueOutbound(nodeID, withExtra(openFrame, openExtra))
	_ = conn.WriteJSON(wire.UITerminalFrame{Type: wire.TypeTerminalReady, SessionID: sess.SessionID})

	go s.terminalReadLoop(conn, sess, nodeID)
	s.terminalWriteLoop(conn, sess)

	s.router.EnqueueOutbound(nodeID, wire.TerminalControlFrame{
		Type:      wire.TypeTerminalClose,
		SessionID: sess.SessionID,
	})
}

func withExtra(frame wire.TerminalControlFrame, extra map[string]any) any {
	if len(extra) == 0 {
		return frame
	}
	raw, _ := json.Marshal(frame)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// terminalReadLoop relays UI input/resize/close frames to the agent. On
// return (UI disconnect or explicit close frame) it closes the session,
// which unblocks the paired terminalWriteLoop's blocking PopInbound call.
func (s *Server) terminalReadLoop(conn *websocket.Conn, sess *terminal.Session, nodeID string) {
	defer s.term.Close(sess.SessionID)
	for {
		var f wire.UITerminalFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		f.SessionID = sess.SessionID
		switch f.Type {
		case wire.TypeInput:
			s.router.EnqueueOutbound(nodeID, wire.TerminalControlFrame{
				Type: wire.TypeTerminalInput, SessionID: sess.SessionID, Data: f.Data,
			})
		case wire.TypeResize:
			cols, rows := terminal.ClampSize(f.Cols, f.Rows)
			s.router.EnqueueOutbound(nodeID, wire.TerminalControlFrame{
				Type: wire.TypeTerminalResize, SessionID: sess.SessionID, Cols: cols, Rows: rows,
			})
		case wire.TypeClose:
			return
		}
	}
}

// terminalWriteLoop relays agent-side terminal_data/_exit/_error frames
// pushed onto the session's inbound queue back to the UI client. It
// returns once the session is closed (PopInbound reports ok=false) or the
// UI connection write fails.
func (s *Server) terminalWriteLoop(conn *websocket.Conn, sess *terminal.Session) {
	for {
		item, ok := sess.PopInbound()
		if !ok {
			return
		}
		if err := conn.WriteJSON(item); err != nil {
			return
		}
	}
}

func (s *Server) handleNodeTerminalWS(w http.ResponseWriter, r *http.Request) {
	s.openTerminal(w, r, r.PathValue("id"), terminal.KindNodeShell, "", "", nil)
}

func (s *Server) handleVMTerminalWS(w http.ResponseWriter, r *http.Request) {
	vmID := r.PathValue("vm_id")
	s.openTerminal(w, r, r.PathValue("id"), terminal.KindVMConsole, vmID, "", map[string]any{"vm_id": vmID})
}

func (s *Server) handleContainerTerminalWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.openTerminal(w, r, r.PathValue("id"), terminal.KindContainerShell, "", name, map[string]any{"container_name": name})
}

func (s *Server) handleContainerLogsWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.openTerminal(w, r, r.PathValue("id"), terminal.KindContainerLogs, "", name, map[string]any{"container_name": name, "tail": 200})
}
