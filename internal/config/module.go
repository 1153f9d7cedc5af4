package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is called after the configuration has been reloaded
type ReloadCallback func(cfg *Config)

// Module holds the live configuration and supports hot reload.
// Schedulers read the configuration under InReadLock so a tick sees a
// consistent snapshot even while a reload is in flight.
type Module struct {
	mu       sync.RWMutex
	current  *Config
	loader   *Loader
	path     string
	onReload ReloadCallback

	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
	done          chan struct{}
	stopOnce      sync.Once
}

// NewModule loads the configuration from configPath and returns a module
// serving it. Pass an empty path to use the default search locations.
func NewModule(configPath string) (*Module, error) {
	loader := NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}

	return &Module{
		current: cfg,
		loader:  loader,
		path:    loader.ConfigFileUsed(),
		done:    make(chan struct{}),
	}, nil
}

// NewStaticModule wraps an already-built configuration without file backing.
// Reload and Watch are no-ops for a static module.
func NewStaticModule(cfg *Config) *Module {
	return &Module{
		current: cfg,
		done:    make(chan struct{}),
	}
}

// Current returns the current configuration snapshot
func (m *Module) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// InReadLock runs fn while holding the read lock, so the configuration
// cannot be swapped out mid-call.
func (m *Module) InReadLock(fn func(cfg *Config)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.current)
}

// Reload re-reads the configuration from disk and swaps it in
func (m *Module) Reload() error {
	if m.loader == nil || m.path == "" {
		return nil
	}

	cfg, err := NewLoader().Load(m.path)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}

	m.mu.Lock()
	m.current = cfg
	callback := m.onReload
	m.mu.Unlock()

	log.Info().Str("path", m.path).Msg("Configuration reloaded")

	if callback != nil {
		callback(cfg)
	}
	return nil
}

// Watch starts watching the config file for changes. The callback runs
// after each successful reload.
func (m *Module) Watch(onReload ReloadCallback) error {
	if m.path == "" {
		return nil
	}

	m.mu.Lock()
	m.onReload = onReload
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching config file: %w", err)
	}
	m.watcher = watcher

	go m.eventLoop()

	log.Info().Str("path", m.path).Msg("Config watcher started")
	return nil
}

// Stop stops the config watcher
func (m *Module) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})

	m.debounceMu.Lock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceMu.Unlock()

	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

func (m *Module) eventLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.debounceReload()
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-m.done:
			return
		}
	}
}

// debounceReload coalesces rapid successive writes into one reload
func (m *Module) debounceReload() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(200*time.Millisecond, func() {
		select {
		case <-m.done:
			return
		default:
		}
		if err := m.Reload(); err != nil {
			log.Error().Err(err).Msg("Config reload failed")
		}
	})
}
