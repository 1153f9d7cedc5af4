// Package store persists sessions as an append-only JSONL event log per
// session plus a latest-state snapshot written atomically.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/session"
)

// Log record types.
const (
	EntryCreated  = "created"
	EntryIncoming = "incoming"
	EntryOutgoing = "outgoing"
	EntryReset    = "reset"
)

// Record is one line of a session's event log.
type Record struct {
	Type       string                   `json:"type"`
	At         time.Time                `json:"at"`
	SessionID  string                   `json:"session_id"`
	StorageID  string                   `json:"storage_id,omitempty"`
	Source     string                   `json:"source,omitempty"`
	Context    connector.MessageContext `json:"context,omitempty"`
	Descriptor json.RawMessage          `json:"descriptor,omitempty"`
	Text       string                   `json:"text,omitempty"`
	EntryID    string                   `json:"entry_id,omitempty"`
}

// Restored is one session read back from disk.
type Restored struct {
	SessionID     string
	StorageID     string
	Source        string
	Descriptor    json.RawMessage
	State         *session.State
	Context       connector.MessageContext
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastEntryType string
}

type snapshot struct {
	SessionID string         `json:"session_id"`
	StorageID string         `json:"storage_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	State     *session.State `json:"state"`
}

// Store reads and writes session logs under one base directory.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// New opens a store rooted at baseDir, creating it when missing.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session store dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// CreateStorageID mints a new storage id.
func (s *Store) CreateStorageID() string {
	return uuid.NewString()
}

func (s *Store) logPath(storageID string) string {
	return filepath.Join(s.baseDir, storageID+".log.jsonl")
}

func (s *Store) statePath(storageID string) string {
	return filepath.Join(s.baseDir, storageID+".state.json")
}

// RecordSessionCreated appends the session's birth record.
func (s *Store) RecordSessionCreated(sess *session.Session, source string, ctx connector.MessageContext, descriptor session.Descriptor) error {
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}
	return s.appendRecord(sess.StorageID, Record{
		Type:       EntryCreated,
		At:         time.Now(),
		SessionID:  sess.ID,
		StorageID:  sess.StorageID,
		Source:     source,
		Context:    ctx,
		Descriptor: raw,
	})
}

// RecordIncoming appends one inbound message record.
func (s *Store) RecordIncoming(sess *session.Session, entry session.HistoryEntry, source string) error {
	return s.appendRecord(sess.StorageID, Record{
		Type:      EntryIncoming,
		At:        time.Now(),
		SessionID: sess.ID,
		Source:    source,
		Context:   entry.Context,
		Text:      entry.Text,
		EntryID:   entry.ID,
	})
}

// RecordOutgoing appends one response record. Without it a completed turn
// would still look interrupted to crash recovery on the next boot.
func (s *Store) RecordOutgoing(sess *session.Session, text string, source string) error {
	return s.appendRecord(sess.StorageID, Record{
		Type:      EntryOutgoing,
		At:        time.Now(),
		SessionID: sess.ID,
		Source:    source,
		Text:      text,
	})
}

// RecordSessionReset appends a history-reset record.
func (s *Store) RecordSessionReset(sess *session.Session, source string) error {
	return s.appendRecord(sess.StorageID, Record{
		Type:      EntryReset,
		At:        time.Now(),
		SessionID: sess.ID,
		Source:    source,
	})
}

// RecordState writes the latest-state snapshot atomically.
func (s *Store) RecordState(sess *session.Session) error {
	start := time.Now()
	snap := snapshot{
		SessionID: sess.ID,
		StorageID: sess.StorageID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		State:     sess.State,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(sess.StorageID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing session state: %w", err)
	}
	observability.RecordSessionSave(time.Since(start))
	return nil
}

// LoadSessions reads every persisted session back from disk. Sessions
// with unreadable logs are skipped with a warning rather than failing
// the whole boot.
func (s *Store) LoadSessions() ([]Restored, error) {
	start := time.Now()
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading session store dir: %w", err)
	}

	var restored []Restored
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log.jsonl") {
			continue
		}
		storageID := strings.TrimSuffix(name, ".log.jsonl")
		r, err := s.loadOne(storageID)
		if err != nil {
			log.Warn().Err(err).Str("storage_id", storageID).Msg("Session load failed; skipping")
			continue
		}
		restored = append(restored, *r)
	}
	observability.RecordSessionLoad(time.Since(start))
	return restored, nil
}

// LoadBySessionID finds the persisted session claiming the given
// session id. Returns nil without error when no log carries it.
func (s *Store) LoadBySessionID(sessionID string) (*Restored, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading session store dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log.jsonl") {
			continue
		}
		storageID := strings.TrimSuffix(name, ".log.jsonl")
		r, err := s.loadOne(storageID)
		if err != nil {
			log.Warn().Err(err).Str("storage_id", storageID).Msg("Session load failed; skipping")
			continue
		}
		if r.SessionID == sessionID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *Store) loadOne(storageID string) (*Restored, error) {
	file, err := os.Open(s.logPath(storageID))
	if err != nil {
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	defer file.Close()

	var created *Record
	var last Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Warn().Err(err).Str("storage_id", storageID).Msg("Skipping corrupt session log line")
			continue
		}
		if rec.Type == EntryCreated && created == nil {
			c := rec
			created = &c
		}
		last = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning session log: %w", err)
	}
	if created == nil {
		return nil, fmt.Errorf("session log has no created record")
	}

	out := &Restored{
		SessionID:     created.SessionID,
		StorageID:     storageID,
		Source:        created.Source,
		Descriptor:    created.Descriptor,
		Context:       created.Context,
		CreatedAt:     created.At,
		UpdatedAt:     last.At,
		LastEntryType: last.Type,
	}

	if data, err := os.ReadFile(s.statePath(storageID)); err == nil {
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Warn().Err(err).Str("storage_id", storageID).Msg("Session snapshot unreadable; using empty state")
		} else {
			out.State = snap.State
			if !snap.CreatedAt.IsZero() {
				out.CreatedAt = snap.CreatedAt
			}
			if snap.UpdatedAt.After(out.UpdatedAt) {
				out.UpdatedAt = snap.UpdatedAt
			}
		}
	}
	return out, nil
}

func (s *Store) appendRecord(storageID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.logPath(storageID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending session record: %w", err)
	}
	return nil
}
