// Package dispatch routes a Master-issued command to the right Agent
// executor and shapes its result back into the command_result payload
// defined in spec.md §4.2/§4.9.
package dispatch

import (
	"context"
	"strings"

	"github.com/illyvia/lattice/internal/agent/executors"
)

// Dispatcher owns one instance of each executor category, enforcing each
// category's own "at most one in flight" guard internally.
type Dispatcher struct {
	vm        *executors.VM
	container *executors.Container
	shell     *executors.Shell
	updater   *executors.Updater
}

// New constructs a Dispatcher.
func New(vm *executors.VM, container *executors.Container, shell *executors.Shell, updater *executors.Updater) *Dispatcher {
	return &Dispatcher{vm: vm, container: container, shell: shell, updater: updater}
}

// Result mirrors executors.Result; re-exported so callers need not import
// the executors package directly.
type Result = executors.Result

// Handle executes a command by its command_type and returns its result.
func (d *Dispatcher) Handle(ctx context.Context, commandType string, spec map[string]any) Result {
	switch {
	case commandType == "update_agent":
		force, _ := spec["force"].(bool)
		branch, _ := spec["branch"].(string)
		return d.updater.Update(ctx, branch, force)

	case commandType == "terminal_exec":
		command, _ := spec["command"].(string)
		return d.shell.Exec(ctx, command)

	case strings.HasPrefix(commandType, "vm_"):
		return d.vm.Execute(ctx, strings.TrimPrefix(commandType, "vm_"), spec)

	case strings.HasPrefix(commandType, "container_"):
		return d.container.Execute(ctx, strings.TrimPrefix(commandType, "container_"), spec)

	default:
		return Result{Status: "failed", Message: "unsupported command_type: " + commandType}
	}
}
