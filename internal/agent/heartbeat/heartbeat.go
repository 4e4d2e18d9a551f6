// Package heartbeat implements the Agent's HeartbeatSender worker, per
// spec.md §4.7: prefers the live websocket connection, falls back to the
// HTTP heartbeat endpoint when no connection is established.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/illyvia/lattice/internal/agent/capability"
	"github.com/illyvia/lattice/internal/agent/masterclient"
	"github.com/illyvia/lattice/internal/sysinfo"
)

// WSPoster is satisfied by *wsstream.Streamer; kept as an interface to
// avoid an import cycle between heartbeat and wsstream.
type WSPoster interface {
	Heartbeat(payload map[string]any) bool
}

// CapabilityReporter is satisfied by *executors.VM and *executors.Container;
// kept as an interface to avoid an import cycle between heartbeat and
// executors.
type CapabilityReporter interface {
	Capability() capability.Status
}

// Sender periodically reports node health to the Master.
type Sender struct {
	client         *masterclient.Client
	ws             WSPoster
	vmCap          CapabilityReporter
	containerCap   CapabilityReporter
	nodeID         string
	pairToken      string
	commit         string
	log            *slog.Logger
	onUnauthorized func()
}

// New constructs a Sender. onUnauthorized, if non-nil, is invoked when the
// HTTP fallback heartbeat is rejected with 401/403, signaling the Agent's
// persisted token is no longer valid and it must re-pair. vmCap/containerCap
// feed the heartbeat's capability summary (§4.7); either may be nil if that
// toolchain's executor isn't wired up.
func New(client *masterclient.Client, ws WSPoster, vmCap, containerCap CapabilityReporter, nodeID, pairToken, commit string, log *slog.Logger, onUnauthorized func()) *Sender {
	return &Sender{client: client, ws: ws, vmCap: vmCap, containerCap: containerCap, nodeID: nodeID, pairToken: pairToken, commit: commit, log: log, onUnauthorized: onUnauthorized}
}

// Run sends a heartbeat every interval until ctx is cancelled.
func (s *Sender) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.sendOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sender) sendOnce(ctx context.Context) {
	snapshot := sysinfo.Gather()
	usage := sysinfo.GatherUsage()
	extra := map[string]any{
		"os":       snapshot.OS,
		"arch":     snapshot.Arch,
		"hardware": snapshot.Hardware,
		"local_ip": sysinfo.LocalIPv4(),
		"usage": map[string]any{
			"cpu_percent":        usage.CPUPercent,
			"memory_percent":     usage.MemoryPercent,
			"memory_used_bytes":  usage.MemoryUsedBytes,
			"memory_total_bytes": usage.MemoryTotalBytes,
			"storage_percent":    usage.StoragePercent,
			"storage_used_bytes": usage.StorageUsedBytes,
			"storage_total_bytes": usage.StorageTotalBytes,
		},
	}
	if s.vmCap != nil {
		extra["vm"] = s.vmCap.Capability()
	}
	if s.containerCap != nil {
		extra["container"] = s.containerCap.Capability()
	}

	payload := map[string]any{
		"hostname":   snapshot.Hardware.Node,
		"git_commit": s.commit,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"extra":      extra,
	}

	if s.ws != nil && s.ws.Heartbeat(payload) {
		return
	}

	if err := s.client.Heartbeat(ctx, s.nodeID, s.pairToken, payload); err != nil {
		s.log.Warn("heartbeat failed", "error", err)
		if masterclient.IsUnauthorized(err) && s.onUnauthorized != nil {
			s.onUnauthorized()
		}
	}
}
