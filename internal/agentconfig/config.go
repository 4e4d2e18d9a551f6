// Package agentconfig loads and validates the Agent's JSON configuration
// file and its sibling pairing-state file, per spec.md §4.7/§6.
package agentconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var pairCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Config is the Agent's on-disk JSON configuration.
type Config struct {
	MasterURL                string `json:"master_url"`
	PairCode                  string `json:"pair_code"`
	PairRetrySeconds          int    `json:"pair_retry_seconds"`
	HeartbeatIntervalSeconds  int    `json:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds   int    `json:"heartbeat_timeout_seconds"`
}

// defaults seeds a missing config file, per §4.7 ("Missing file may be
// seeded with defaults").
func defaults() Config {
	return Config{
		MasterURL:               "http://localhost:8080",
		PairCode:                "",
		PairRetrySeconds:         5,
		HeartbeatIntervalSeconds: 10,
		HeartbeatTimeoutSeconds:  5,
	}
}

// Load reads the config file at path, seeding it with defaults if absent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaults()
		if writeErr := writeJSON(path, cfg); writeErr != nil {
			return nil, fmt.Errorf("seed default config: %w", writeErr)
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the config against the rules in spec.md §4.7.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.MasterURL, "http://") && !strings.HasPrefix(c.MasterURL, "https://") {
		return fmt.Errorf("master_url must begin with http:// or https://")
	}
	if c.PairCode != "" && !pairCodePattern.MatchString(c.PairCode) {
		return fmt.Errorf("pair_code must be 6 uppercase alphanumerics")
	}
	if c.PairRetrySeconds < 1 {
		return fmt.Errorf("pair_retry_seconds must be >= 1")
	}
	if c.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("heartbeat_interval_seconds must be >= 1")
	}
	if c.HeartbeatTimeoutSeconds < 1 {
		return fmt.Errorf("heartbeat_timeout_seconds must be >= 1")
	}
	return nil
}

func (c *Config) PairRetryInterval() time.Duration {
	return time.Duration(c.PairRetrySeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// State is the Agent's persisted pairing state, stored as state.json in the
// state directory passed to control.New, which is set independently of the
// config file's location.
type State struct {
	NodeID    string    `json:"node_id"`
	PairToken string    `json:"pair_token"`
	PairedAt  time.Time `json:"paired_at"`
	MasterURL string    `json:"master_url"`
}

// LoadState reads a persisted pairing state file. It returns (nil, nil) if
// the file is absent -- absence is not an error, it signals "must pair".
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil // invalid state is treated as absent, triggering re-pair
	}
	if st.NodeID == "" || st.PairToken == "" {
		return nil, nil
	}
	return &st, nil
}

// SaveState persists pairing state, overwriting any prior file.
func SaveState(path string, st *State) error {
	return writeJSON(path, st)
}

// ClearState removes a persisted state file, forcing the next startup to re-pair.
func ClearState(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
