package executors

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/illyvia/lattice/internal/agent/capability"
	"github.com/illyvia/lattice/internal/agent/runner"
)

// ContainerCapabilitySpec describes the Docker toolchain capability.Detector checks for.
var ContainerCapabilitySpec = capability.Spec{
	Name:          "container",
	RequiredTools: []string{"docker"},
	InstallPackages: map[string][]string{
		"apt-get": {"docker.io"},
		"dnf":     {"docker"},
		"yum":     {"docker"},
		"pacman":  {"docker"},
		"zypper":  {"docker"},
	},
}

// Container is the Docker CLI command executor. It enforces the "at most
// one container command running at a time" guard from spec.md §4.9.
type Container struct {
	mu  sync.Mutex
	cap *capability.Detector
}

// NewContainer constructs a Container executor.
func NewContainer() *Container {
	return &Container{cap: capability.New(ContainerCapabilitySpec)}
}

// Capability returns the cached Docker toolchain status, for the
// HeartbeatSender to fold into its capability summary.
func (c *Container) Capability() capability.Status {
	return c.cap.Get(0)
}

// Execute dispatches a container_* command by opType: create, start, stop, restart, delete, sync.
func (c *Container) Execute(ctx context.Context, opType string, spec map[string]any) Result {
	if !c.mu.TryLock() {
		return busy()
	}
	defer c.mu.Unlock()

	status := c.cap.Get(0)
	if !status.Ready {
		install := c.cap.AutoInstall(ctx, false)
		status = c.cap.Get(0)
		if !status.Ready {
			return capabilityNotReady(status, install)
		}
	}

	switch opType {
	case "create":
		return c.create(ctx, spec)
	case "start":
		return c.start(ctx, spec)
	case "stop":
		return c.stop(ctx, spec)
	case "restart":
		return c.restart(ctx, spec)
	case "delete":
		return c.delete(ctx, spec)
	case "sync":
		return c.sync(ctx)
	default:
		return Result{Status: "failed", Message: "unknown container operation: " + opType}
	}
}

func (c *Container) create(ctx context.Context, spec map[string]any) Result {
	containerID := stringField(spec, "container_id")
	runtimeName := stringField(spec, "runtime_name")
	image := stringField(spec, "image")
	commandText := stringField(spec, "command_text")
	startImmediately := true
	if v, ok := spec["start_immediately"].(bool); ok {
		startImmediately = v
	}
	if containerID == "" || runtimeName == "" || image == "" {
		return Result{Status: "failed", Message: "invalid container_create payload"}
	}

	args := []string{"create", "--name", runtimeName, image}
	if commandText != "" {
		args = append(args, "/bin/sh", "-lc", commandText)
	}
	res := runner.RunSudo(ctx, 240*time.Second, "docker", args...)
	if res.ExitCode != 0 {
		return Result{Status: "failed", Message: "docker create failed: " + res.Summarize()}
	}

	if startImmediately {
		start := runner.RunSudo(ctx, 120*time.Second, "docker", "start", runtimeName)
		if start.ExitCode != 0 {
			return Result{Status: "failed", Message: "docker start failed: " + start.Summarize()}
		}
	}

	state := c.containerState(ctx, runtimeName)
	fallback := "stopped"
	if startImmediately {
		fallback = "running"
	}
	return Result{
		Status:  "succeeded",
		Message: "Container created",
		Details: map[string]any{
			"container_id": containerID,
			"runtime_name":  runtimeName,
			"runtime_id":    c.containerRuntimeID(ctx, runtimeName),
			"image":         image,
			"state":         deriveState(state, fallback),
			"runtime_state": state,
		},
	}
}

func (c *Container) start(ctx context.Context, spec map[string]any) Result {
	runtimeName := stringField(spec, "runtime_name")
	if runtimeName == "" {
		return Result{Status: "failed", Message: "runtime_name is required"}
	}
	res := runner.RunSudo(ctx, 90*time.Second, "docker", "start", runtimeName)
	combined := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	if res.ExitCode != 0 && !strings.Contains(combined, "already started") && !strings.Contains(combined, "is already running") {
		return Result{Status: "failed", Message: "unable to start container: " + res.Summarize()}
	}
	state := c.containerState(ctx, runtimeName)
	return Result{
		Status:  "succeeded",
		Message: "Container started",
		Details: map[string]any{
			"container_id":  stringField(spec, "container_id"),
			"runtime_name":  runtimeName,
			"runtime_id":    c.containerRuntimeID(ctx, runtimeName),
			"state":         deriveState(state, "running"),
			"runtime_state": state,
		},
	}
}

func (c *Container) stop(ctx context.Context, spec map[string]any) Result {
	runtimeName := stringField(spec, "runtime_name")
	if runtimeName == "" {
		return Result{Status: "failed", Message: "runtime_name is required"}
	}
	res := runner.RunSudo(ctx, 120*time.Second, "docker", "stop", "--time", "15", runtimeName)
	combined := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	if res.ExitCode != 0 && !strings.Contains(combined, "is not running") {
		return Result{Status: "failed", Message: "unable to stop container: " + res.Summarize()}
	}
	state := c.containerState(ctx, runtimeName)
	return Result{
		Status:  "succeeded",
		Message: "Container stopped",
		Details: map[string]any{
			"container_id":  stringField(spec, "container_id"),
			"runtime_name":  runtimeName,
			"runtime_id":    c.containerRuntimeID(ctx, runtimeName),
			"state":         deriveState(state, "stopped"),
			"runtime_state": state,
		},
	}
}

func (c *Container) restart(ctx context.Context, spec map[string]any) Result {
	runtimeName := stringField(spec, "runtime_name")
	if runtimeName == "" {
		return Result{Status: "failed", Message: "runtime_name is required"}
	}
	res := runner.RunSudo(ctx, 120*time.Second, "docker", "restart", runtimeName)
	if res.ExitCode != 0 {
		return Result{Status: "failed", Message: "unable to restart container: " + res.Summarize()}
	}
	state := c.containerState(ctx, runtimeName)
	return Result{
		Status:  "succeeded",
		Message: "Container restarted",
		Details: map[string]any{
			"container_id":  stringField(spec, "container_id"),
			"runtime_name":  runtimeName,
			"runtime_id":    c.containerRuntimeID(ctx, runtimeName),
			"state":         deriveState(state, "running"),
			"runtime_state": state,
		},
	}
}

func (c *Container) delete(ctx context.Context, spec map[string]any) Result {
	runtimeName := stringField(spec, "runtime_name")
	if runtimeName == "" {
		return Result{Status: "failed", Message: "runtime_name is required"}
	}
	res := runner.RunSudo(ctx, 120*time.Second, "docker", "rm", "-f", runtimeName)
	combined := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	if res.ExitCode != 0 && !strings.Contains(combined, "no such container") {
		return Result{Status: "failed", Message: "unable to delete container: " + res.Summarize()}
	}
	return Result{
		Status:  "succeeded",
		Message: "Container deleted",
		Details: map[string]any{
			"container_id": stringField(spec, "container_id"),
			"runtime_name":  runtimeName,
			"state":         "deleted",
		},
	}
}

func (c *Container) sync(ctx context.Context) Result {
	res := runner.RunSudo(ctx, 60*time.Second, "docker", "ps", "-a", "--no-trunc",
		"--format", "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}\t{{.Status}}")
	if res.ExitCode != 0 {
		return Result{Status: "failed", Message: "unable to sync container state: " + res.Summarize()}
	}

	var containers []map[string]any
	for _, line := range strings.Split(res.Stdout, "\n") {
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, "\t")
		if len(parts) < 5 {
			continue
		}
		containers = append(containers, map[string]any{
			"runtime_id":   strings.TrimSpace(parts[0]),
			"runtime_name": strings.TrimSpace(parts[1]),
			"image":        strings.TrimSpace(parts[2]),
			"runtime_state": strings.ToLower(strings.TrimSpace(parts[3])),
			"status_text":  strings.TrimSpace(parts[4]),
			"state":        deriveState(parts[3], "unknown"),
		})
	}
	return Result{Status: "succeeded", Message: "Container sync complete", Details: map[string]any{"containers": containers}}
}

func (c *Container) containerState(ctx context.Context, runtimeName string) string {
	res := runner.RunSudo(ctx, 30*time.Second, "docker", "inspect", "-f", "{{.State.Status}}", runtimeName)
	if res.ExitCode != 0 {
		return "unknown"
	}
	s := strings.ToLower(strings.TrimSpace(res.Stdout))
	if s == "" {
		return "unknown"
	}
	return s
}

func (c *Container) containerRuntimeID(ctx context.Context, runtimeName string) string {
	res := runner.RunSudo(ctx, 30*time.Second, "docker", "inspect", "-f", "{{.Id}}", runtimeName)
	if res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// deriveState normalizes a raw Docker state string into Lattice's container
// state vocabulary (running/restarting/stopped/deleting/unknown).
func deriveState(runtimeState, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(runtimeState))
	if normalized == "" {
		return fallback
	}
	if strings.Contains(normalized, "running") {
		return "running"
	}
	if strings.Contains(normalized, "restarting") {
		return "restarting"
	}
	for _, token := range []string{"exited", "created", "dead", "stopped"} {
		if strings.Contains(normalized, token) {
			return "stopped"
		}
	}
	for _, token := range []string{"removing", "deleting"} {
		if strings.Contains(normalized, token) {
			return "deleting"
		}
	}
	return fallback
}
