package executors

import (
	"context"
	"testing"
)

func TestNormalizeArch(t *testing.T) {
	cases := map[string]string{
		"amd64":   "amd64",
		"x86_64":  "amd64",
		"AMD64":   "amd64",
		"arm64":   "arm64",
		"aarch64": "arm64",
		"mips":    "",
		"":        "",
	}
	for in, want := range cases {
		if got := normalizeArch(in); got != want {
			t.Errorf("normalizeArch(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStringField(t *testing.T) {
	m := map[string]any{"name": "  alpha  ", "count": 3}
	if got := stringField(m, "name"); got != "alpha" {
		t.Errorf("stringField trimmed = %q, want %q", got, "alpha")
	}
	if got := stringField(m, "missing"); got != "" {
		t.Errorf("stringField missing = %q, want empty", got)
	}
	if got := stringField(m, "count"); got != "" {
		t.Errorf("stringField non-string = %q, want empty", got)
	}
}

func TestIntField(t *testing.T) {
	m := map[string]any{"vcpus": float64(4), "already_int": 2}
	if got := intField(m, "vcpus", -1); got != 4 {
		t.Errorf("intField float64 = %d, want 4", got)
	}
	if got := intField(m, "already_int", -1); got != 2 {
		t.Errorf("intField int = %d, want 2", got)
	}
	if got := intField(m, "missing", 7); got != 7 {
		t.Errorf("intField default = %d, want 7", got)
	}
}

func TestRandomPasswordIsHexAndVaries(t *testing.T) {
	a := randomPassword()
	b := randomPassword()
	if len(a) != 24 {
		t.Fatalf("expected 24 hex chars (12 bytes), got %d: %q", len(a), a)
	}
	if a == b {
		t.Fatal("expected two calls to produce different passwords")
	}
}

func TestVMCreateRejectsMissingFields(t *testing.T) {
	v := NewVM(t.TempDir(), t.TempDir())
	res := v.create(nil, map[string]any{"vm_id": "vm-1"})
	if res.Status != "failed" {
		t.Fatalf("expected failure for missing domain_name/image, got %+v", res)
	}
}

func TestVMExecuteBusyWhileLocked(t *testing.T) {
	v := NewVM(t.TempDir(), t.TempDir())
	v.mu.Lock()
	defer v.mu.Unlock()

	res := v.Execute(nil, "sync", map[string]any{})
	if res.Status != "failed" || res.Message == "" {
		t.Fatalf("expected busy executor to report failed, got %+v", res)
	}
}

func TestVMExecuteUnknownOperation(t *testing.T) {
	v := NewVM(t.TempDir(), t.TempDir())
	res := v.Execute(context.Background(), "frobnicate", map[string]any{})
	if res.Status != "failed" {
		t.Fatalf("expected unknown op to fail gracefully, got %+v", res)
	}
}
