package ptymux

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestClampTail(t *testing.T) {
	cases := map[int]int{
		0:    200,
		-5:   200,
		1:    1,
		2000: 2000,
		2001: 2000,
		500:  500,
	}
	for in, want := range cases {
		if got := clampTail(in); got != want {
			t.Errorf("clampTail(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTargetName(t *testing.T) {
	cases := []struct {
		name string
		req  OpenRequest
		want string
	}{
		{"vm console", OpenRequest{Kind: KindVMConsole, DomainName: "vm-1", SessionID: "s1"}, "vm-1"},
		{"container shell", OpenRequest{Kind: KindContainerShell, RuntimeName: "web-1", SessionID: "s1"}, "web-1"},
		{"container logs", OpenRequest{Kind: KindContainerLogs, RuntimeName: "web-1", SessionID: "s1"}, "web-1"},
		{"node shell falls back to session id", OpenRequest{Kind: KindNodeShell, SessionID: "s1"}, "s1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := targetName(c.req); got != c.want {
				t.Errorf("targetName(%+v) = %q, want %q", c.req, got, c.want)
			}
		})
	}
}

func TestWithTermStripsExistingAndAppendsXterm(t *testing.T) {
	os.Setenv("TERM", "dumb")
	defer os.Unsetenv("TERM")

	env := withTerm()
	count := 0
	found256 := false
	for _, e := range env {
		if strings.HasPrefix(e, "TERM=") {
			count++
			if e == "TERM=xterm-256color" {
				found256 = true
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one TERM= entry, got %d in %v", count, env)
	}
	if !found256 {
		t.Error("expected TERM=xterm-256color to be present")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsTimeout(t *testing.T) {
	if !isTimeout(fakeTimeoutErr{}) {
		t.Error("expected fakeTimeoutErr to be recognized as a timeout")
	}
	if isTimeout(errors.New("some other error")) {
		t.Error("expected a plain error to not be recognized as a timeout")
	}
}

func TestBuildCommandRejectsMissingTargets(t *testing.T) {
	if _, _, err := buildCommand(OpenRequest{Kind: KindVMConsole}); err == nil {
		t.Error("expected error for vm_console with no domain_name")
	}
	if _, _, err := buildCommand(OpenRequest{Kind: KindContainerShell}); err == nil {
		t.Error("expected error for container_shell with no runtime_name")
	}
	if _, _, err := buildCommand(OpenRequest{Kind: KindContainerLogs}); err == nil {
		t.Error("expected error for container_logs with no runtime_name")
	}
}

func TestBuildCommandNodeShellReadWrite(t *testing.T) {
	cmd, readOnly, err := buildCommand(OpenRequest{Kind: KindNodeShell, SessionID: "s1"})
	if err != nil {
		t.Fatalf("buildCommand(node_shell) error = %v", err)
	}
	if readOnly {
		t.Error("expected node_shell session to be read-write")
	}
	if cmd == nil {
		t.Fatal("expected a non-nil command")
	}
}
