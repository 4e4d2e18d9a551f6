// Command agent runs the Lattice Agent: the per-node process that pairs
// with a Master, reports heartbeats, executes dispatched VM/container/
// shell commands, and multiplexes interactive terminal sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/illyvia/lattice/internal/agent/control"
	"github.com/illyvia/lattice/internal/agentconfig"
	"github.com/illyvia/lattice/internal/logging"
)

var version = "dev"
var commit = "unknown"

func main() {
	configPath := flag.String("config", "/etc/lattice/agent.json", "path to the agent's JSON config file")
	stateDir := flag.String("state-dir", "/var/lib/lattice-agent", "directory for persisted pairing state")
	workDir := flag.String("work-dir", "/var/lib/lattice-agent/work", "directory for VM/container/update working files")
	jsonLog := flag.Bool("log-json", false, "emit structured logs as JSON")
	flag.Parse()

	log := logging.New(*jsonLog)
	log.Info("starting lattice agent", "version", version, "commit", commit)

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		log.Error("failed to create state directory", "error", err, "path", *stateDir)
		os.Exit(1)
	}
	if err := os.MkdirAll(*workDir, 0o700); err != nil {
		log.Error("failed to create work directory", "error", err, "path", *workDir)
		os.Exit(1)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	agent := control.New(cfg, *stateDir, *workDir, commit, log.Logger)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent shut down")
}
