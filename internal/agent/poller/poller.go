// Package poller implements the Agent's CommandPoller worker: the HTTP
// long-poll fallback for command delivery, per spec.md §4.2/§4.4. Since
// the Master may dispatch a VM/container/terminal_exec/update_agent
// command to either the pending queue or the websocket, the poller and
// the WebsocketStreamer both execute commands through the same
// Dispatcher. A process-local seen-set skips a command_id this poller has
// already taken; the websocket path does not consult it.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/illyvia/lattice/internal/agent/dispatch"
	"github.com/illyvia/lattice/internal/agent/masterclient"
)

// Poller repeatedly long-polls for the next pending command and executes it.
type Poller struct {
	client     *masterclient.Client
	dispatcher *dispatch.Dispatcher
	nodeID     string
	pairToken  string
	log        *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// New constructs a Poller.
func New(client *masterclient.Client, d *dispatch.Dispatcher, nodeID, pairToken string, log *slog.Logger) *Poller {
	return &Poller{client: client, dispatcher: d, nodeID: nodeID, pairToken: pairToken, log: log, seen: map[string]time.Time{}}
}

// Run polls until ctx is cancelled, backing off idleInterval between empty
// responses.
func (p *Poller) Run(ctx context.Context, idleInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := p.client.NextCommand(ctx, p.nodeID, p.pairToken)
		if err != nil {
			p.log.Warn("command poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleInterval):
			}
			continue
		}
		if cmd == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleInterval):
			}
			continue
		}

		if p.markSeen(cmd.CommandID) {
			p.execute(ctx, cmd)
		}
	}
}

// markSeen reports whether command_id is new, evicting entries older than
// 10 minutes to bound memory on a long-running agent.
func (p *Poller) markSeen(commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, t := range p.seen {
		if t.Before(cutoff) {
			delete(p.seen, id)
		}
	}
	if _, ok := p.seen[commandID]; ok {
		return false
	}
	p.seen[commandID] = time.Now()
	return true
}

func (p *Poller) execute(ctx context.Context, cmd *masterclient.Command) {
	spec := cmd.Spec
	if spec == nil {
		spec = map[string]any{}
	}
	if cmd.DomainName != "" {
		spec["domain_name"] = cmd.DomainName
	}
	if cmd.VMID != "" {
		spec["vm_id"] = cmd.VMID
	}

	res := p.dispatcher.Handle(ctx, cmd.CommandType, spec)
	err := p.client.PostResult(ctx, p.nodeID, p.pairToken, masterclient.CommandResult{
		CommandID:   cmd.CommandID,
		CommandType: cmd.CommandType,
		OperationID: cmd.OperationID,
		VMID:        cmd.VMID,
		Status:      res.Status,
		Message:     res.Message,
		Details:     res.Details,
	})
	if err != nil {
		p.log.Warn("posting command result failed", "error", err, "command_id", cmd.CommandID)
	}
}
