package executors

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/illyvia/lattice/internal/agent/runner"
)

const (
	terminalExecTimeout = 120 * time.Second
	terminalExecMaxBytes = 20000
	gitTimeout          = 60 * time.Second
)

// Shell is the terminal_exec command executor. It enforces the "at most
// one terminal_exec running at a time" guard from spec.md §4.9.
type Shell struct {
	mu sync.Mutex
}

// NewShell constructs a Shell executor.
func NewShell() *Shell {
	return &Shell{}
}

// Exec runs a single shell command, truncating captured output streams to
// terminalExecMaxBytes and returning its exit code.
func (s *Shell) Exec(ctx context.Context, command string) Result {
	if !s.mu.TryLock() {
		return busy()
	}
	defer s.mu.Unlock()

	if strings.TrimSpace(command) == "" {
		return Result{Status: "failed", Message: "command is required"}
	}

	res := runner.Run(ctx, terminalExecTimeout, "/bin/sh", "-lc", command)
	status := "succeeded"
	message := "command completed"
	if res.TimedOut {
		status = "failed"
		message = "command timed out"
	} else if res.ExitCode != 0 {
		status = "failed"
		message = res.Summarize()
	}

	return Result{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"exit_code": res.ExitCode,
			"stdout":    runner.Truncate(res.Stdout, terminalExecMaxBytes),
			"stderr":    runner.Truncate(res.Stderr, terminalExecMaxBytes),
			"timed_out": res.TimedOut,
		},
	}
}

// Updater runs the update_agent command against a git working tree.
type Updater struct {
	mu      sync.Mutex
	workDir string
}

// NewUpdater constructs an Updater rooted at the agent's own git checkout.
func NewUpdater(workDir string) *Updater {
	return &Updater{workDir: workDir}
}

// Update fetches and fast-forwards the agent's working tree, per
// spec.md §4.9: refuses a dirty tree unless force, reports up_to_date when
// HEAD already matches upstream, else fast-forwards and reports before/after SHAs.
func (u *Updater) Update(ctx context.Context, branch string, force bool) Result {
	if !u.mu.TryLock() {
		return busy()
	}
	defer u.mu.Unlock()

	if res := u.git(ctx, "rev-parse", "--is-inside-work-tree"); res.ExitCode != 0 {
		return Result{Status: "failed", Message: "update_agent must run inside a git work tree"}
	}

	if !force {
		status := u.git(ctx, "status", "--porcelain")
		if dirty := dirtyExcludingConfig(status.Stdout); dirty {
			return Result{Status: "failed", Message: "working tree has local changes; pass force=true to override"}
		}
	}

	beforeSHA := strings.TrimSpace(u.git(ctx, "rev-parse", "HEAD").Stdout)

	fetchArgs := []string{"fetch", "origin"}
	if branch != "" {
		fetchArgs = append(fetchArgs, branch)
	} else {
		fetchArgs = []string{"fetch", "--all"}
	}
	if res := u.git(ctx, fetchArgs...); res.ExitCode != 0 {
		return Result{Status: "failed", Message: "git fetch failed: " + res.Summarize()}
	}

	upstreamRef := "@{upstream}"
	if branch != "" {
		upstreamRef = "origin/" + branch
	}
	behindRes := u.git(ctx, "rev-list", "--count", "HEAD.."+upstreamRef)
	behind, _ := strconv.Atoi(strings.TrimSpace(behindRes.Stdout))
	if behind == 0 {
		return Result{
			Status:  "succeeded",
			Message: "up_to_date",
			Details: map[string]any{"status": "up_to_date", "sha": beforeSHA},
		}
	}

	pull := u.git(ctx, "pull", "--ff-only")
	if pull.ExitCode != 0 {
		return Result{Status: "failed", Message: "git pull --ff-only failed: " + pull.Summarize()}
	}
	afterSHA := strings.TrimSpace(u.git(ctx, "rev-parse", "HEAD").Stdout)

	return Result{
		Status:  "succeeded",
		Message: "updated",
		Details: map[string]any{
			"status":     "updated",
			"before_sha": beforeSHA,
			"after_sha":  afterSHA,
		},
	}
}

func (u *Updater) git(ctx context.Context, args ...string) runner.Result {
	full := append([]string{"-C", u.workDir}, args...)
	return runner.Run(ctx, gitTimeout, "git", full...)
}

// dirtyExcludingConfig reports whether `git status --porcelain` shows any
// change outside the agent's own config.json and state.json files.
func dirtyExcludingConfig(porcelain string) bool {
	for _, line := range strings.Split(porcelain, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		if strings.HasSuffix(path, "config.json") || strings.HasSuffix(path, "state.json") {
			continue
		}
		return true
	}
	return false
}
