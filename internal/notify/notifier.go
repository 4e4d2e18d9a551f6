// Package notify provides optional outbound event notification for
// Lattice's Master process -- not a spec.md feature, but ambient
// fleet-observability glue supplementing it, grounded in the teacher's own
// multi-provider notifier (here narrowed to the one channel SPEC_FULL.md
// wires: MQTT, plus an always-on structured-log notifier).
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened to a node or VM operation.
type EventType string

const (
	EventNodePaired     EventType = "node_paired"
	EventNodeUnpaired   EventType = "node_unpaired"
	EventOperationDone  EventType = "operation_succeeded"
	EventOperationError EventType = "operation_failed"
)

// Event represents a notification event.
type Event struct {
	Type          EventType `json:"type"`
	NodeID        string    `json:"node_id"`
	NodeName      string    `json:"node_name,omitempty"`
	VMID          string    `json:"vm_id,omitempty"`
	OperationID   string    `json:"operation_id,omitempty"`
	OperationType string    `json:"operation_type,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. It never returns errors --
// failures are logged but never block the Store operation that raised them.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
func (m *Multi) Notify(ctx context.Context, event Event) {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"node_id", event.NodeID,
				"error", err.Error(),
			)
		}
	}
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
