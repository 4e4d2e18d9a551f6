// Package terminal implements the Master-side Terminal Multiplexer: it
// binds a UI-facing websocket to an agent-side PTY session by session_id,
// per spec.md §4.6.
package terminal

import (
	"sync"

	"github.com/google/uuid"
)

const (
	inboundQueueCap = 512

	minCols, maxCols = 20, 300
	minRows, maxRows = 5, 120
	defaultCols      = 80
	defaultRows      = 24
)

// Session kinds, mirroring model.Terminal* constants without importing the
// model package (terminal sessions are purely in-memory and Router-facing).
const (
	KindNodeShell      = "node_shell"
	KindVMConsole      = "vm_console"
	KindContainerShell = "container_shell"
	KindContainerLogs  = "container_logs"
)

// Session is a live bidirectional byte stream between a UI client and a
// PTY-backed process on an agent.
type Session struct {
	SessionID string
	NodeID    string
	VMID      string // set for vm_console
	Runtime   string // container runtime name, set for container_shell/container_logs
	Kind      string

	inbound *boundedQueue
}

// ClampSize normalizes a requested terminal size to the spec's valid range,
// falling back to 80x24 when out of range.
func ClampSize(cols, rows int) (int, int) {
	if cols < minCols || cols > maxCols {
		cols = defaultCols
	}
	if rows < minRows || rows > maxRows {
		rows = defaultRows
	}
	return cols, rows
}

// Multiplexer owns every live TerminalSession, indexed both by session_id
// and by node_id (for bulk force-close on agent disconnect).
type Multiplexer struct {
	mu       sync.Mutex
	sessions map[string]*Session   // session_id -> Session
	byNode   map[string][]string   // node_id -> session_ids
}

// New returns an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		sessions: make(map[string]*Session),
		byNode:   make(map[string][]string),
	}
}

// Open allocates a new Session with a fresh session_id and bounded inbound
// queue, registering it under its node.
func (m *Multiplexer) Open(nodeID, kind, vmID, runtime string) *Session {
	s := &Session{
		SessionID: uuid.NewString(),
		NodeID:    nodeID,
		VMID:      vmID,
		Runtime:   runtime,
		Kind:      kind,
		inbound:   newBoundedQueue(inboundQueueCap),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	m.byNode[nodeID] = append(m.byNode[nodeID], s.SessionID)
	return s
}

// Get fetches a session by id.
func (m *Multiplexer) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// PushInbound enqueues agent->UI bytes for a session; it is a no-op if the
// session is unknown (caller is expected to have already surfaced an error
// frame for an unknown session_id).
func (m *Multiplexer) PushInbound(sessionID string, item any) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	s.inbound.Push(item)
	return true
}

// PopInbound blocks until a queued inbound item is available or the session closes.
func (s *Session) PopInbound() (any, bool) {
	return s.inbound.Pop()
}

// Close unregisters a session and releases its queue.
func (m *Multiplexer) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		ids := m.byNode[s.NodeID]
		for i, id := range ids {
			if id == sessionID {
				m.byNode[s.NodeID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.byNode[s.NodeID]) == 0 {
			delete(m.byNode, s.NodeID)
		}
	}
	m.mu.Unlock()
	if ok {
		s.inbound.Close()
	}
}

// CloseAllForNode force-ends every session belonging to a node (called on
// agent disconnect), pushing a synthetic terminal_error onto each session's
// inbound queue before closing it so an in-flight UI reader observes the
// reason rather than a silent EOF.
func (m *Multiplexer) CloseAllForNode(nodeID string, reason any) {
	m.mu.Lock()
	ids := append([]string{}, m.byNode[nodeID]...)
	m.mu.Unlock()

	for _, id := range ids {
		if s, ok := m.Get(id); ok {
			s.inbound.Push(reason)
		}
		m.Close(id)
	}
}
