package executors

import "testing"

func TestDeriveState(t *testing.T) {
	cases := []struct {
		raw      string
		fallback string
		want     string
	}{
		{"running", "unknown", "running"},
		{"Running", "unknown", "running"},
		{"restarting", "unknown", "restarting"},
		{"exited (0) 3 minutes ago", "unknown", "stopped"},
		{"created", "unknown", "stopped"},
		{"dead", "unknown", "stopped"},
		{"removing", "unknown", "deleting"},
		{"", "stopped", "stopped"},
		{"some unexpected value", "stopped", "stopped"},
	}
	for _, c := range cases {
		if got := deriveState(c.raw, c.fallback); got != c.want {
			t.Errorf("deriveState(%q, %q) = %q, want %q", c.raw, c.fallback, got, c.want)
		}
	}
}

func TestContainerCreateRejectsMissingFields(t *testing.T) {
	c := NewContainer()
	res := c.create(nil, map[string]any{"container_id": "c-1"})
	if res.Status != "failed" {
		t.Fatalf("expected failed status for missing runtime_name/image, got %+v", res)
	}
}

func TestContainerStartRequiresRuntimeName(t *testing.T) {
	c := NewContainer()
	res := c.start(nil, map[string]any{})
	if res.Status != "failed" || res.Message == "" {
		t.Fatalf("expected failure for missing runtime_name, got %+v", res)
	}
}

func TestContainerExecuteBusyWhileLocked(t *testing.T) {
	c := NewContainer()
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.Execute(nil, "sync", map[string]any{})
	if res.Status != "failed" || res.Message == "" {
		t.Fatalf("expected busy executor to report failed, got %+v", res)
	}
}
