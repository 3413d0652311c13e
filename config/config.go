// Package config loads and persists workq configuration. TOML on disk,
// environment overrides under the WORKQ_ prefix, and a watcher for live
// reload.
package config

import (
	"os"
	"path/filepath"
)

// DefaultDirPermissions for the ~/.workq directory.
const DefaultDirPermissions = 0750

// Config is the full workq configuration tree.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Worker   WorkerConfig   `mapstructure:"worker" toml:"worker"`
	Gateway  GatewayConfig  `mapstructure:"gateway" toml:"gateway"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// DatabaseConfig locates the queue database. One database file is one
// queue.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	AgentID            string   `mapstructure:"agent_id" toml:"agent_id"`
	PollIntervalMs     int      `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	Concurrency        int      `mapstructure:"concurrency" toml:"concurrency"`
	Workstreams        []string `mapstructure:"workstreams" toml:"workstreams"`
	Model              string   `mapstructure:"model" toml:"model"`
	MaxRetries         int      `mapstructure:"max_retries" toml:"max_retries"`
	MaxSpawnsPerMinute int      `mapstructure:"max_spawns_per_minute" toml:"max_spawns_per_minute"`
}

// GatewayConfig locates the agent-execution daemon.
type GatewayConfig struct {
	URL string `mapstructure:"url" toml:"url"`
}

// LogConfig controls output format and verbosity.
type LogConfig struct {
	JSON    bool `mapstructure:"json" toml:"json"`
	Verbose bool `mapstructure:"verbose" toml:"verbose"`
}

// UserConfigDir returns ~/.workq, or "" if the home directory is unknown.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".workq")
}

// UserConfigPath returns the default config file path.
func UserConfigPath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "workq.toml")
}

// DefaultDatabasePath returns where the queue database lives when the
// config does not say otherwise.
func DefaultDatabasePath() string {
	dir := UserConfigDir()
	if dir == "" {
		return "workq.db"
	}
	return filepath.Join(dir, "workq.db")
}
