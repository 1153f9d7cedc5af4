package config

import (
	"fmt"
	"path/filepath"
)

// Config represents the runtime configuration
type Config struct {
	// Data directory for session logs, task stores and state snapshots
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Default capability grants applied to new sessions
	DefaultGrants GrantsConfig `json:"default_grants" mapstructure:"default_grants"`

	// Cron scheduler configuration
	Cron CronConfig `json:"cron" mapstructure:"cron"`

	// Heartbeat scheduler configuration
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Gate approval configuration
	Gate GateConfig `json:"gate" mapstructure:"gate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// GrantsConfig holds the default capability grant profile
type GrantsConfig struct {
	WorkingDir  string   `json:"working_dir" mapstructure:"working_dir"`
	WriteDirs   []string `json:"write_dirs" mapstructure:"write_dirs"`
	ReadDirs    []string `json:"read_dirs" mapstructure:"read_dirs"`
	Web         bool     `json:"web" mapstructure:"web"`
	DefaultFile string   `json:"default_file" mapstructure:"default_file"`
}

// CronConfig holds cron scheduler configuration
type CronConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// HeartbeatConfig holds heartbeat scheduler configuration
type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	IntervalMinutes int    `json:"interval_minutes" mapstructure:"interval_minutes"`
	StorePath       string `json:"store_path" mapstructure:"store_path"`
}

// GateConfig holds gate approval configuration
type GateConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			IntervalMinutes: 30,
		},
		Gate: GateConfig{
			TimeoutSeconds: 300,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DefaultGrants.WorkingDir != "" && !filepath.IsAbs(c.DefaultGrants.WorkingDir) {
		return fmt.Errorf("default_grants.working_dir must be absolute: %s", c.DefaultGrants.WorkingDir)
	}
	for _, dir := range c.DefaultGrants.WriteDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("default_grants.write_dirs entries must be absolute: %s", dir)
		}
	}
	for _, dir := range c.DefaultGrants.ReadDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("default_grants.read_dirs entries must be absolute: %s", dir)
		}
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		return fmt.Errorf("heartbeat.interval_minutes must be positive")
	}
	if c.Gate.TimeoutSeconds <= 0 {
		return fmt.Errorf("gate.timeout_seconds must be positive")
	}
	return nil
}
