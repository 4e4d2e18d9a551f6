// Package masterconfig loads the Master process's environment-driven
// configuration, following the same envStr/envBool/envDuration +
// RWMutex-guarded mutable-field idiom used elsewhere in this codebase.
package masterconfig

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds Master configuration from environment variables.
type Config struct {
	DBPath       string
	HTTPAddr     string
	LogJSON      bool
	MetricsAddr  string
	MQTTBrokerURL string

	mu                   sync.RWMutex
	staleOperationAfter  time.Duration
	logRetention         time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:              envStr("LATTICE_DB_PATH", "/data/lattice.db"),
		HTTPAddr:            envStr("LATTICE_HTTP_ADDR", ":8080"),
		LogJSON:             envBool("LATTICE_LOG_JSON", true),
		MetricsAddr:         envStr("LATTICE_METRICS_ADDR", ":9090"),
		MQTTBrokerURL:       envStr("LATTICE_MQTT_BROKER_URL", ""),
		staleOperationAfter: envDuration("LATTICE_STALE_OPERATION_SECONDS", 600*time.Second),
		logRetention:        envDuration("LATTICE_LOG_RETENTION", 30*24*time.Hour),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("LATTICE_DB_PATH must not be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("LATTICE_HTTP_ADDR must not be empty")
	}
	if c.StaleOperationAfter() <= 0 {
		return fmt.Errorf("LATTICE_STALE_OPERATION_SECONDS must be > 0")
	}
	return nil
}

// StaleOperationAfter returns the duration after which a queued operation is
// considered abandoned by its agent (thread-safe).
func (c *Config) StaleOperationAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleOperationAfter
}

// SetStaleOperationAfter updates the stale-operation cutoff at runtime.
func (c *Config) SetStaleOperationAfter(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleOperationAfter = d
}

// LogRetention returns how long node logs are retained before trimming.
func (c *Config) LogRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logRetention
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
