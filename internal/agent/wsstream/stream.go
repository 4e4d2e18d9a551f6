// Package wsstream implements the Agent's WebsocketStreamer worker: the
// persistent /ws/agent connection used for heartbeats, command dispatch,
// and terminal session relay, per spec.md §4.3.
package wsstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/illyvia/lattice/internal/agent/dispatch"
	"github.com/illyvia/lattice/internal/agent/ptymux"
	"github.com/illyvia/lattice/internal/wire"
)

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 20 * time.Second
	readDeadline = 60 * time.Second
)

// Streamer owns one websocket connection to the Master and the terminal
// sessions multiplexed over it.
type Streamer struct {
	masterURL string
	nodeID    string
	pairToken string
	log       *slog.Logger
	dispatcher *dispatch.Dispatcher

	mu   sync.Mutex
	conn *websocket.Conn
	term *ptymux.Manager
}

// New constructs a Streamer. masterURL is an http(s) base URL; it is
// rewritten to ws(s) for the websocket dial.
func New(masterURL, nodeID, pairToken string, d *dispatch.Dispatcher, log *slog.Logger) *Streamer {
	s := &Streamer{masterURL: masterURL, nodeID: nodeID, pairToken: pairToken, dispatcher: d, log: log}
	s.term = ptymux.New(s.emitTerminalFrame)
	return s
}

func (s *Streamer) emitTerminalFrame(f wire.TerminalControlFrame) {
	s.writeJSON(f)
}

// Run connects and reconnects to the Master until ctx is cancelled,
// running the read/write loops on each live connection.
func (s *Streamer) Run(ctx context.Context, retryInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			s.log.Warn("websocket session ended", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}

func (s *Streamer) runOnce(ctx context.Context) error {
	wsURL, err := toWebsocketURL(s.masterURL, "/ws/agent")
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.AuthFrame{Type: wire.TypeAuth, NodeID: s.nodeID, PairToken: s.pairToken}); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return err
	}
	if env.Type != wire.TypeAuthOK {
		return errAuthRejected
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	sessCtx, cancel2 := context.WithCancel(ctx)
	defer cancel2()

	go s.pingLoop(sessCtx, conn)
	return s.readLoop(sessCtx, conn)
}

var errAuthRejected = &authError{"master rejected auth frame"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

func (s *Streamer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSONConn(conn, struct {
				Type string `json:"type"`
			}{wire.TypePing}); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case wire.TypePong:
			// no-op

		case wire.TypeCommand:
			var f wire.CommandFrame
			if json.Unmarshal(data, &f) == nil {
				go s.handleCommand(ctx, f)
			}

		case wire.TypeTerminalOpen:
			var f wire.TerminalControlFrame
			if json.Unmarshal(data, &f) == nil {
				go s.handleTerminalOpen(f)
			}

		case wire.TypeTerminalInput:
			var f wire.TerminalControlFrame
			if json.Unmarshal(data, &f) == nil {
				s.term.Input(f.SessionID, f.Data)
			}

		case wire.TypeTerminalResize:
			var f wire.TerminalControlFrame
			if json.Unmarshal(data, &f) == nil {
				s.term.Resize(f.SessionID, f.Cols, f.Rows)
			}

		case wire.TypeTerminalClose:
			var f wire.TerminalControlFrame
			if json.Unmarshal(data, &f) == nil {
				s.term.Close(f.SessionID)
			}

		case wire.TypeError:
			s.log.Warn("master sent error frame", "data", string(data))

		default:
			s.writeJSON(wire.NewErrorFrame("unsupported_type"))
		}
	}
}

func (s *Streamer) handleCommand(ctx context.Context, f wire.CommandFrame) {
	spec := f.Spec
	if spec == nil {
		spec = map[string]any{}
	}
	if f.DomainName != "" {
		spec["domain_name"] = f.DomainName
	}
	if f.VMID != "" {
		spec["vm_id"] = f.VMID
	}

	res := s.dispatcher.Handle(ctx, f.CommandType, spec)

	status := "succeeded"
	if res.Status == "failed" {
		status = "failed"
	}
	s.writeJSON(wire.CommandResultFrame{
		Type:        wire.TypeCommandResult,
		CommandID:   f.CommandID,
		CommandType: f.CommandType,
		OperationID: f.OperationID,
		VMID:        f.VMID,
		Status:      status,
		Message:     res.Message,
		Details:     res.Details,
	})
}

func (s *Streamer) handleTerminalOpen(f wire.TerminalControlFrame) {
	req := ptymux.OpenRequest{
		SessionID:   f.SessionID,
		DomainName:  f.VMID,
		RuntimeName: f.RuntimeName,
		Tail:        f.Tail,
		Cols:        f.Cols,
		Rows:        f.Rows,
	}
	req.Kind = kindFromRequest(f)
	if req.Kind == ptymux.KindNodeShell {
		req.NodeShell = os.Getenv("SHELL")
	}

	if err := s.term.Open(req); err != nil {
		s.writeJSON(wire.TerminalControlFrame{Type: wire.TypeTerminalError, SessionID: f.SessionID, Error: err.Error()})
	}
}

// kindFromRequest recovers the session kind from which identifying fields
// are populated: vm_id alone => vm_console, runtime_name with tail > 0 =>
// container_logs, runtime_name without tail => container_shell, falling
// back to node_shell.
func kindFromRequest(f wire.TerminalControlFrame) string {
	switch {
	case f.VMID != "" && f.RuntimeName == "":
		return ptymux.KindVMConsole
	case f.RuntimeName != "" && f.Tail > 0:
		return ptymux.KindContainerLogs
	case f.RuntimeName != "":
		return ptymux.KindContainerShell
	default:
		return ptymux.KindNodeShell
	}
}

// Heartbeat sends a heartbeat frame over the live websocket connection. It
// returns false if no connection is currently established, signaling the
// HeartbeatSender to fall back to the HTTP path.
func (s *Streamer) Heartbeat(payload map[string]any) bool {
	return s.writeJSON(wire.HeartbeatFrame{Type: wire.TypeHeartbeat, Payload: payload}) == nil
}

// Log forwards an application log line over the websocket, best-effort;
// callers do not need a live connection (failures are silently dropped),
// used by the slog bridge handler.
func (s *Streamer) Log(level, message string, meta map[string]any) {
	s.writeJSON(wire.LogFrame{Type: wire.TypeLog, Level: level, Message: message, Meta: meta, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Streamer) writeJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return s.writeJSONConn(conn, v)
}

var errNotConnected = &authError{"no active websocket connection"}

func (s *Streamer) writeJSONConn(conn *websocket.Conn, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteJSON(v)
}

func toWebsocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
