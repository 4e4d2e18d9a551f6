package dispatch

import (
	"context"
	"testing"

	"github.com/illyvia/lattice/internal/agent/executors"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(
		executors.NewVM(t.TempDir(), t.TempDir()),
		executors.NewContainer(),
		executors.NewShell(),
		executors.NewUpdater(t.TempDir()),
	)
}

func TestHandleTerminalExec(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), "terminal_exec", map[string]any{"command": "echo hi"})
	if res.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %+v", res)
	}
}

func TestHandleVMPrefixRoutesToVM(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), "vm_create", map[string]any{})
	if res.Status != "failed" {
		t.Fatalf("expected vm_create with empty spec to fail validation, got %+v", res)
	}
}

func TestHandleContainerPrefixRoutesToContainer(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), "container_start", map[string]any{})
	if res.Status != "failed" {
		t.Fatalf("expected container_start with empty spec to fail validation, got %+v", res)
	}
}

func TestHandleUnsupportedCommandType(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), "something_unknown", map[string]any{})
	if res.Status != "failed" || res.Message == "" {
		t.Fatalf("expected failure for unsupported command_type, got %+v", res)
	}
}

func TestHandleUpdateAgent(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Handle(context.Background(), "update_agent", map[string]any{"force": true})
	if res.Status != "failed" {
		t.Fatalf("expected failure outside a git work tree, got %+v", res)
	}
}
