package agentconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSeedsDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MasterURL != "http://localhost:8080" {
		t.Errorf("MasterURL = %q, want default", cfg.MasterURL)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config to be seeded to disk: %v", err)
	}
}

func TestLoadReadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte(`{"master_url":"https://m.example","pair_code":"ABC123","pair_retry_seconds":3,"heartbeat_interval_seconds":2,"heartbeat_timeout_seconds":1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MasterURL != "https://m.example" || cfg.PairCode != "ABC123" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{MasterURL: "http://m", PairRetrySeconds: 1, HeartbeatIntervalSeconds: 1, HeartbeatTimeoutSeconds: 1}, false},
		{"bad scheme", Config{MasterURL: "ftp://m", PairRetrySeconds: 1, HeartbeatIntervalSeconds: 1, HeartbeatTimeoutSeconds: 1}, true},
		{"bad pair code", Config{MasterURL: "http://m", PairCode: "abc", PairRetrySeconds: 1, HeartbeatIntervalSeconds: 1, HeartbeatTimeoutSeconds: 1}, true},
		{"good pair code", Config{MasterURL: "http://m", PairCode: "ABC123", PairRetrySeconds: 1, HeartbeatIntervalSeconds: 1, HeartbeatTimeoutSeconds: 1}, false},
		{"zero retry", Config{MasterURL: "http://m", PairRetrySeconds: 0, HeartbeatIntervalSeconds: 1, HeartbeatTimeoutSeconds: 1}, true},
		{"zero heartbeat interval", Config{MasterURL: "http://m", PairRetrySeconds: 1, HeartbeatIntervalSeconds: 0, HeartbeatTimeoutSeconds: 1}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestIntervalHelpers(t *testing.T) {
	cfg := Config{PairRetrySeconds: 5, HeartbeatIntervalSeconds: 10, HeartbeatTimeoutSeconds: 3}
	if cfg.PairRetryInterval() != 5*time.Second {
		t.Errorf("PairRetryInterval() = %v", cfg.PairRetryInterval())
	}
	if cfg.HeartbeatInterval() != 10*time.Second {
		t.Errorf("HeartbeatInterval() = %v", cfg.HeartbeatInterval())
	}
	if cfg.HeartbeatTimeout() != 3*time.Second {
		t.Errorf("HeartbeatTimeout() = %v", cfg.HeartbeatTimeout())
	}
}

func TestStateRoundTripAndAbsence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := LoadState(path)
	if err != nil || st != nil {
		t.Fatalf("expected (nil, nil) for missing state file, got (%+v, %v)", st, err)
	}

	want := &State{NodeID: "node-1", PairToken: "tok-1", PairedAt: time.Now().UTC(), MasterURL: "http://m"}
	if err := SaveState(path, want); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := LoadState(path)
	if err != nil || got == nil {
		t.Fatalf("LoadState() after save = (%+v, %v)", got, err)
	}
	if got.NodeID != want.NodeID || got.PairToken != want.PairToken {
		t.Errorf("round-tripped state = %+v, want %+v", got, want)
	}

	if err := ClearState(path); err != nil {
		t.Fatalf("ClearState() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected state file removed after ClearState")
	}
	if err := ClearState(path); err != nil {
		t.Errorf("ClearState() on already-absent file should be a no-op, got %v", err)
	}
}

func TestLoadStateTreatsIncompleteAsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"node_id":"node-1"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := LoadState(path)
	if err != nil || st != nil {
		t.Errorf("expected incomplete state to be treated as absent, got (%+v, %v)", st, err)
	}
}
