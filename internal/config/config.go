// Package config loads crewd.yaml. Defaults apply field by field, so a
// partial file only overrides what it names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/crewd/internal/alert"
)

// Gateway holds the connection settings for the agent-spawning gateway.
// Empty fields fall back to CREWD_GATEWAY_URL, CREWD_GATEWAY_TOKEN and
// CREWD_SESSION_KEY at client construction time.
type Gateway struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	SessionKey string `yaml:"sessionKey"`
}

// Config holds all configurable orchestrator parameters.
type Config struct {
	BaseDir             string              `yaml:"baseDir"`
	HeartbeatTimeoutSec int                 `yaml:"heartbeatTimeoutSec"`
	WorkerTimeoutMin    int                 `yaml:"workerTimeoutMinutes"`
	StaleRunMin         int                 `yaml:"staleRunMinutes"`
	MaxRetries          int                 `yaml:"maxRetries"`
	RetryDelaySec       int                 `yaml:"retryDelaySeconds"`
	TickIntervalSec     int                 `yaml:"tickIntervalSec"`
	LockTimeoutSec      int                 `yaml:"lockTimeoutSec"`
	Gateway             Gateway             `yaml:"gateway"`
	Alerts              []alert.AlertConfig `yaml:"alerts"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseDir:             ".",
		HeartbeatTimeoutSec: 180,
		WorkerTimeoutMin:    30,
		StaleRunMin:         30,
		MaxRetries:          3,
		RetryDelaySec:       60,
		TickIntervalSec:     10,
		LockTimeoutSec:      30,
	}
}

// Load reads configuration from a YAML file. Empty path falls back to
// ./crewd.yaml, then ~/.crewd/crewd.yaml. Missing file returns defaults.
// Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat("crewd.yaml"); err == nil {
			path = "crewd.yaml"
		} else if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".crewd", "crewd.yaml")
		} else {
			return DefaultConfig(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Duration accessors keep the call sites free of unit juggling.

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMin) * time.Minute
}

func (c *Config) StaleRunAge() time.Duration {
	return time.Duration(c.StaleRunMin) * time.Minute
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSec) * time.Second
}

// DefaultConfigYAML returns a commented YAML string for crewd init.
func DefaultConfigYAML() string {
	return `# crewd configuration
# Generated by: crewd init

# Project directory holding audit/, derived/, evidence/ and status.json.
baseDir: .

# Watchdog heartbeats older than this mark the project degraded.
heartbeatTimeoutSec: 180

# Runs with no terminal event after this long are failed and closed.
workerTimeoutMinutes: 30

# Open runs older than this with no WORKER_RUN_STARTED are reconciled.
staleRunMinutes: 30

# Automatic retry policy for failed tasks.
maxRetries: 3
retryDelaySeconds: 60

# Orchestrator loop cadence.
tickIntervalSec: 10

# Advisory lock acquisition timeout.
lockTimeoutSec: 30

# Agent-spawning gateway. Values fall back to CREWD_GATEWAY_URL,
# CREWD_GATEWAY_TOKEN and CREWD_SESSION_KEY.
gateway:
  url: ""
  token: ""
  sessionKey: ""

# Webhook alert destinations.
# format: generic | slack | pagerduty
# events: blocked | done | degraded | halted | needs_human_review
alerts: []
#  - url: https://hooks.slack.com/services/...
#    format: slack
#    events: [blocked, halted]
`
}
