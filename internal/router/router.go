// Package router implements the Command Router: three node-keyed in-memory
// structures guarded by a single mutex, mirroring the per-node registry
// idiom the teacher uses for its cluster agent-stream map (a
// map[string]*agentStream guarded by sync.RWMutex, with a separate
// buffered-channel-per-connection concept) generalized here to three
// independent node-keyed maps instead of one struct per connection.
package router

import "sync"

// wsOutboundCap is the maximum number of buffered outbound websocket
// messages retained per node; on overflow the oldest half is dropped.
const wsOutboundCap = 2000

// Router owns the Command Router's entire in-memory state. All of it is
// ephemeral: a Master restart drops every pending command, every active
// connection, and every outbound buffer, per spec.md §3 ownership notes.
type Router struct {
	mu sync.Mutex

	pending    map[string][]any // node_id -> FIFO of commands awaiting long-poll delivery
	active     map[string]string // node_id -> current websocket connection_id
	wsOutbound map[string][]any // node_id -> FIFO of messages for the active websocket
}

// New returns an empty Router.
func New() *Router {
	return &Router{
		pending:    make(map[string][]any),
		active:     make(map[string]string),
		wsOutbound: make(map[string][]any),
	}
}

// EnqueuePending appends a command to a node's long-poll FIFO.
func (r *Router) EnqueuePending(nodeID string, command any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[nodeID] = append(r.pending[nodeID], command)
}

// DequeuePending pops the head of a node's long-poll FIFO. ok is false if
// the queue is empty (the map entry is removed once drained).
func (r *Router) DequeuePending(nodeID string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.pending[nodeID]
	if len(q) == 0 {
		return nil, false
	}
	head := q[0]
	if len(q) == 1 {
		delete(r.pending, nodeID)
	} else {
		r.pending[nodeID] = q[1:]
	}
	return head, true
}

// EnqueueOutbound appends a message to a node's websocket outbound FIFO,
// dropping the oldest half of the queue if it would exceed wsOutboundCap.
func (r *Router) EnqueueOutbound(nodeID string, message any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := append(r.wsOutbound[nodeID], message)
	if len(q) > wsOutboundCap {
		drop := len(q) / 2
		q = append([]any{}, q[drop:]...)
	}
	r.wsOutbound[nodeID] = q
}

// Drain returns up to max items from a node's websocket outbound FIFO, in
// order, removing them from the queue.
func (r *Router) Drain(nodeID string, max int) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.wsOutbound[nodeID]
	if len(q) == 0 {
		return nil
	}
	n := max
	if n > len(q) {
		n = len(q)
	}
	out := append([]any{}, q[:n]...)
	if n == len(q) {
		delete(r.wsOutbound, nodeID)
	} else {
		r.wsOutbound[nodeID] = q[n:]
	}
	return out
}

// ClearOutbound discards every buffered outbound message for a node --
// called when its connection is torn down.
func (r *Router) ClearOutbound(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wsOutbound, nodeID)
}

// Activate records connectionID as the current websocket connection for a
// node, returning the previously active connection id (empty if none). The
// caller must treat a non-empty return as a supersession: the old writer
// will discover it is no longer current at its next Drain/IsCurrent check.
func (r *Router) Activate(nodeID, connectionID string) (superseded string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.active[nodeID]
	r.active[nodeID] = connectionID
	return old
}

// IsCurrent reports whether connectionID is still the active connection for a node.
func (r *Router) IsCurrent(nodeID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[nodeID] == connectionID
}

// Deactivate clears the active connection for a node, but only if
// connectionID is still the one recorded -- a writer that has already been
// superseded must not clobber the new connection's registration.
func (r *Router) Deactivate(nodeID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[nodeID] == connectionID {
		delete(r.active, nodeID)
	}
}

// HasActiveConnection reports whether any websocket is currently registered for a node.
func (r *Router) HasActiveConnection(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[nodeID]
	return ok
}

// OutboundDepth reports the current queue depth for a node's outbound
// buffer, for metrics.
func (r *Router) OutboundDepth(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wsOutbound[nodeID])
}

// ActiveConnectionCount reports the number of nodes with a live websocket, for metrics.
func (r *Router) ActiveConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
