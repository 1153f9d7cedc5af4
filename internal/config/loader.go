package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader loads configuration from files and environment variables
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigName("nanny")
	v.SetConfigType("json")
	v.SetEnvPrefix("NANNY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads configuration from the given path, falling back to defaults
// for any value not set in the file or the environment.
func (l *Loader) Load(configPath string) (*Config, error) {
	defaults := DefaultConfig()
	l.setDefaults(defaults)

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	} else {
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".nanny"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".nanny", "data")
		}
	}
	applyDerivedDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file viper resolved, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setDefaults(cfg *Config) {
	l.v.SetDefault("logging.level", cfg.Logging.Level)
	l.v.SetDefault("logging.console", cfg.Logging.Console)
	l.v.SetDefault("cron.enabled", cfg.Cron.Enabled)
	l.v.SetDefault("heartbeat.enabled", cfg.Heartbeat.Enabled)
	l.v.SetDefault("heartbeat.interval_minutes", cfg.Heartbeat.IntervalMinutes)
	l.v.SetDefault("gate.timeout_seconds", cfg.Gate.TimeoutSeconds)
}

// applyDerivedDefaults fills store paths that default relative to DataDir.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Cron.StorePath == "" {
		cfg.Cron.StorePath = filepath.Join(cfg.DataDir, "crons.json")
	}
	if cfg.Heartbeat.StorePath == "" {
		cfg.Heartbeat.StorePath = filepath.Join(cfg.DataDir, "heartbeats.json")
	}
	if cfg.DefaultGrants.DefaultFile == "" {
		cfg.DefaultGrants.DefaultFile = filepath.Join(cfg.DataDir, "grants.json")
	}
}
