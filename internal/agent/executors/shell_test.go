package executors

import (
	"context"
	"testing"
)

func TestShellExecRunsCommand(t *testing.T) {
	s := NewShell()
	res := s.Exec(context.Background(), "echo hello")
	if res.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %+v", res)
	}
	if res.Details["exit_code"] != 0 {
		t.Errorf("exit_code = %v, want 0", res.Details["exit_code"])
	}
}

func TestShellExecRejectsEmptyCommand(t *testing.T) {
	s := NewShell()
	res := s.Exec(context.Background(), "   ")
	if res.Status != "failed" {
		t.Fatalf("expected failed for empty command, got %+v", res)
	}
}

func TestShellExecNonZeroExit(t *testing.T) {
	s := NewShell()
	res := s.Exec(context.Background(), "exit 7")
	if res.Status != "failed" {
		t.Fatalf("expected failed for non-zero exit, got %+v", res)
	}
	if res.Details["exit_code"] != 7 {
		t.Errorf("exit_code = %v, want 7", res.Details["exit_code"])
	}
}

func TestShellExecBusyWhileLocked(t *testing.T) {
	s := NewShell()
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.Exec(context.Background(), "echo hi")
	if res.Status != "failed" {
		t.Fatalf("expected busy executor to report failed, got %+v", res)
	}
}

func TestDirtyExcludingConfig(t *testing.T) {
	cases := []struct {
		name      string
		porcelain string
		want      bool
	}{
		{"empty", "", false},
		{"only config", " M config.json\n", false},
		{"only state", " M state.json\n", false},
		{"config and state", " M config.json\n M state.json\n", false},
		{"other file", " M main.go\n", true},
		{"mixed", " M config.json\n M main.go\n", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := dirtyExcludingConfig(c.porcelain); got != c.want {
				t.Errorf("dirtyExcludingConfig(%q) = %v, want %v", c.porcelain, got, c.want)
			}
		})
	}
}

func TestUpdaterRequiresGitWorkTree(t *testing.T) {
	u := NewUpdater(t.TempDir())
	res := u.Update(context.Background(), "", false)
	if res.Status != "failed" {
		t.Fatalf("expected failure outside a git work tree, got %+v", res)
	}
}

func TestUpdaterBusyWhileLocked(t *testing.T) {
	u := NewUpdater(t.TempDir())
	u.mu.Lock()
	defer u.mu.Unlock()

	res := u.Update(context.Background(), "", false)
	if res.Status != "failed" {
		t.Fatalf("expected busy updater to report failed, got %+v", res)
	}
}
