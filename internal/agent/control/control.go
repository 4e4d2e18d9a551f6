// Package control implements the Agent's top-level supervisor: config/state
// load, pair-until-success, and spawning the long-lived workers described
// in spec.md §4 (HeartbeatSender, WebsocketStreamer, CommandPoller).
package control

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/illyvia/lattice/internal/agent/dispatch"
	"github.com/illyvia/lattice/internal/agent/executors"
	"github.com/illyvia/lattice/internal/agent/heartbeat"
	"github.com/illyvia/lattice/internal/agent/masterclient"
	"github.com/illyvia/lattice/internal/agent/poller"
	"github.com/illyvia/lattice/internal/agent/wsstream"
	"github.com/illyvia/lattice/internal/agentconfig"
	"github.com/illyvia/lattice/internal/sysinfo"
)

// Agent wires together config, state, and the worker set for one run of
// the agent process.
type Agent struct {
	cfg       *agentconfig.Config
	stateDir  string
	workDir   string
	commit    string
	log       *slog.Logger
}

// New constructs an Agent bound to the config it was given. stateDir holds
// state.json; workDir is the git checkout update_agent operates against.
func New(cfg *agentconfig.Config, stateDir, workDir, commit string, log *slog.Logger) *Agent {
	return &Agent{cfg: cfg, stateDir: stateDir, workDir: workDir, commit: commit, log: log}
}

// Run blocks until ctx is cancelled, pairing if necessary and then running
// every worker concurrently.
func (a *Agent) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	client := masterclient.New(a.cfg.MasterURL, hostname, 30*time.Second)

	statePath := filepath.Join(a.stateDir, "state.json")

	for {
		st, err := a.ensurePaired(ctx, client, statePath, hostname)
		if err != nil {
			return err
		}

		vmRoot := filepath.Join(a.workDir, "vms")
		imageRoot := filepath.Join(a.workDir, "images")
		vmExec := executors.NewVM(vmRoot, imageRoot)
		containerExec := executors.NewContainer()
		d := dispatch.New(
			vmExec,
			containerExec,
			executors.NewShell(),
			executors.NewUpdater(a.workDir),
		)

		workerCtx, cancel := context.WithCancel(ctx)
		repair := make(chan struct{}, 1)
		onUnauthorized := func() {
			select {
			case repair <- struct{}{}:
			default:
			}
		}

		streamer := wsstream.New(a.cfg.MasterURL, st.NodeID, st.PairToken, d, a.log)

		// Bridge the agent's own structured logs into the same websocket
		// log stream application-level log lines use, per
		// original_source/agent/main.py's WebSocketLogHandler.
		bridged := slog.New(wsstream.NewLogHandler(streamer, a.log.Handler()))

		hbSender := heartbeat.New(client, streamer, vmExec, containerExec, st.NodeID, st.PairToken, a.commit, bridged, onUnauthorized)
		cmdPoller := poller.New(client, d, st.NodeID, st.PairToken, bridged)

		done := make(chan struct{}, 3)
		go func() { streamer.Run(workerCtx, a.cfg.PairRetryInterval()); done <- struct{}{} }()
		go func() { hbSender.Run(workerCtx, a.cfg.HeartbeatInterval()); done <- struct{}{} }()
		go func() { cmdPoller.Run(workerCtx, a.cfg.HeartbeatInterval()); done <- struct{}{} }()

		select {
		case <-ctx.Done():
			cancel()
			for i := 0; i < 3; i++ {
				<-done
			}
			return nil
		case <-repair:
			a.log.Warn("master rejected persisted pairing token, re-pairing")
			cancel()
			for i := 0; i < 3; i++ {
				<-done
			}
			_ = agentconfig.ClearState(statePath)
		}
	}
}

// ensurePaired loads persisted pairing state, or pairs using the
// configured pair_code, retrying every PairRetryInterval until it succeeds
// or ctx is cancelled.
func (a *Agent) ensurePaired(ctx context.Context, client *masterclient.Client, statePath, hostname string) (*agentconfig.State, error) {
	if st, err := agentconfig.LoadState(statePath); err == nil && st != nil {
		return st, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		info := map[string]any{"hostname": hostname, "os": sysinfo.Gather().OS}
		res, err := client.Pair(ctx, a.cfg.PairCode, info)
		if err == nil {
			st := &agentconfig.State{
				NodeID:    res.NodeID,
				PairToken: res.PairToken,
				PairedAt:  time.Now().UTC(),
				MasterURL: a.cfg.MasterURL,
			}
			if saveErr := agentconfig.SaveState(statePath, st); saveErr != nil {
				a.log.Warn("failed to persist pairing state", "error", saveErr)
			}
			a.log.Info("paired with master", "node_id", st.NodeID, "node_name", res.NodeName)
			return st, nil
		}

		a.log.Warn("pairing failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.PairRetryInterval()):
		}
	}
}
