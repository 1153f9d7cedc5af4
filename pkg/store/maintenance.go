package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/pkg/session"
)

const (
	DefaultMaxLogEntries = 500
	DefaultSpawnedMaxAge = 7 * 24 * time.Hour
)

// Maintainer compacts session logs in the background and sweeps stale
// spawned-session storage. Long-lived user and scheduler sessions are
// compacted but never deleted.
type Maintainer struct {
	store         *Store
	maxLogEntries int
	spawnedMaxAge time.Duration
	stopCh        chan struct{}
	running       bool
}

// NewMaintainer creates a maintainer for the given store. Zero values
// select the defaults.
func NewMaintainer(store *Store, maxLogEntries int, spawnedMaxAge time.Duration) *Maintainer {
	if maxLogEntries <= 0 {
		maxLogEntries = DefaultMaxLogEntries
	}
	if spawnedMaxAge <= 0 {
		spawnedMaxAge = DefaultSpawnedMaxAge
	}
	return &Maintainer{
		store:         store,
		maxLogEntries: maxLogEntries,
		spawnedMaxAge: spawnedMaxAge,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (m *Maintainer) Start() error {
	if m.running {
		return fmt.Errorf("maintainer is already running")
	}
	m.running = true
	go m.run()

	log.Info().
		Int("max_log_entries", m.maxLogEntries).
		Dur("spawned_max_age", m.spawnedMaxAge).
		Msg("Store maintenance started")
	return nil
}

// Stop stops the maintenance loop.
func (m *Maintainer) Stop() error {
	if !m.running {
		return fmt.Errorf("maintainer is not running")
	}
	close(m.stopCh)
	m.running = false
	log.Info().Msg("Store maintenance stopped")
	return nil
}

// IsRunning returns whether the loop is active.
func (m *Maintainer) IsRunning() bool {
	return m.running
}

func (m *Maintainer) run() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	if err := m.MaintainNow(); err != nil {
		log.Error().Err(err).Msg("Store maintenance pass failed")
	}

	for {
		select {
		case <-ticker.C:
			if err := m.MaintainNow(); err != nil {
				log.Error().Err(err).Msg("Store maintenance pass failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// MaintainNow runs one compaction and sweep pass immediately.
func (m *Maintainer) MaintainNow() error {
	storageIDs, err := m.store.StorageIDs()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	compacted := 0
	swept := 0
	now := time.Now()

	for _, storageID := range storageIDs {
		restored, err := m.store.loadOne(storageID)
		if err != nil {
			log.Warn().Err(err).Str("storage_id", storageID).Msg("Skipping unreadable session during maintenance")
			continue
		}

		if m.isStaleSpawned(restored, now) {
			if err := m.store.Remove(storageID); err != nil {
				log.Error().Err(err).Str("storage_id", storageID).Msg("Failed to sweep spawned session")
				continue
			}
			swept++
			continue
		}

		didCompact, err := m.store.CompactLog(storageID, m.maxLogEntries)
		if err != nil {
			log.Warn().Err(err).Str("storage_id", storageID).Msg("Failed to compact session log")
			continue
		}
		if didCompact {
			compacted++
		}
	}

	if compacted > 0 || swept > 0 {
		log.Info().Int("compacted", compacted).Int("swept", swept).Msg("Store maintenance pass completed")
	}
	return nil
}

func (m *Maintainer) isStaleSpawned(restored *Restored, now time.Time) bool {
	if len(restored.Descriptor) == 0 {
		return false
	}
	var descriptor session.Descriptor
	if err := json.Unmarshal(restored.Descriptor, &descriptor); err != nil {
		return false
	}
	if descriptor.Kind != session.KindSpawned {
		return false
	}
	return now.Sub(restored.UpdatedAt) >= m.spawnedMaxAge
}

// StorageIDs lists every persisted session's storage id.
func (s *Store) StorageIDs() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading session store dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log.jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".log.jsonl"))
	}
	return ids, nil
}

// Remove deletes a session's log and state snapshot.
func (s *Store) Remove(storageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.logPath(storageID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session log: %w", err)
	}
	if err := os.Remove(s.statePath(storageID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session state: %w", err)
	}
	return nil
}

// CompactLog rewrites a session log down to its created record plus the
// most recent maxEntries records. Returns whether a rewrite happened.
func (s *Store) CompactLog(storageID string, maxEntries int) (bool, error) {
	if maxEntries <= 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.logPath(storageID))
	if err != nil {
		return false, fmt.Errorf("opening session log: %w", err)
	}

	var created *string
	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type == EntryCreated && created == nil {
			l := line
			created = &l
			continue
		}
		lines = append(lines, line)
	}
	scanErr := scanner.Err()
	file.Close()
	if scanErr != nil {
		return false, fmt.Errorf("scanning session log: %w", scanErr)
	}

	if len(lines) <= maxEntries {
		return false, nil
	}
	kept := lines[len(lines)-maxEntries:]

	var out strings.Builder
	if created != nil {
		out.WriteString(*created)
		out.WriteByte('\n')
	}
	for _, line := range kept {
		out.WriteString(line)
		out.WriteByte('\n')
	}

	path := s.logPath(storageID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out.String()), 0o644); err != nil {
		return false, fmt.Errorf("writing compacted session log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("replacing session log: %w", err)
	}

	log.Debug().
		Str("storage_id", storageID).
		Int("from_entries", len(lines)).
		Int("to_entries", len(kept)).
		Msg("Session log compacted")
	return true, nil
}
