package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Cron.Enabled)
	assert.True(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, 30, cfg.Heartbeat.IntervalMinutes)
	assert.Equal(t, 300, cfg.Gate.TimeoutSeconds)
}

func TestValidate(t *testing.T) {
	t.Run("requires data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data_dir")
	})

	t.Run("rejects relative grant dirs", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.DefaultGrants.WriteDirs = []string{"relative/path"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute")
	})

	t.Run("rejects non-positive heartbeat interval", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Heartbeat.IntervalMinutes = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("accepts valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.DefaultGrants.WorkingDir = "/tmp/work"
		require.NoError(t, cfg.Validate())
	})
}

func TestLoaderFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanny.json")
	content := `{
		"data_dir": "` + dir + `",
		"logging": {"level": "debug"},
		"heartbeat": {"interval_minutes": 5}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Heartbeat.IntervalMinutes)
	// Unset values fall back to defaults
	assert.True(t, cfg.Cron.Enabled)
	assert.Equal(t, 300, cfg.Gate.TimeoutSeconds)
	// Store paths derive from the data dir
	assert.Equal(t, filepath.Join(dir, "crons.json"), cfg.Cron.StorePath)
	assert.Equal(t, filepath.Join(dir, "heartbeats.json"), cfg.Heartbeat.StorePath)
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestStaticModule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	m := NewStaticModule(cfg)

	assert.Same(t, cfg, m.Current())

	var seen *Config
	m.InReadLock(func(c *Config) { seen = c })
	assert.Same(t, cfg, seen)

	// No file backing: reload and watch are no-ops
	require.NoError(t, m.Reload())
	require.NoError(t, m.Watch(nil))
	m.Stop()
}
