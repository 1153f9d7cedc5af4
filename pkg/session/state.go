package session

import (
	"sync"
	"time"

	"github.com/harun/nanny/pkg/connector"
)

// HistoryEntry is one recorded exchange on a session.
type HistoryEntry struct {
	ID         string                   `json:"id"`
	Role       string                   `json:"role"`
	Text       string                   `json:"text"`
	Context    connector.MessageContext `json:"context,omitempty"`
	ReceivedAt time.Time                `json:"received_at"`
}

// Routing is the last-known inbound routing for a session, used to send
// system-originated messages back through the right connector.
type Routing struct {
	Source  string                   `json:"source"`
	Context connector.MessageContext `json:"context"`
}

// SpawnedInfo is the metadata a spawned session carries about itself.
type SpawnedInfo struct {
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Name            string `json:"name,omitempty"`
}

// State is the persisted, runner-owned state of one session.
type State struct {
	History    []HistoryEntry `json:"history"`
	ProviderID string         `json:"provider_id,omitempty"`
	Grants     Grants         `json:"grants"`
	Descriptor *Descriptor    `json:"descriptor,omitempty"`
	Routing    *Routing       `json:"routing,omitempty"`
	Spawned    *SpawnedInfo   `json:"spawned,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]HistoryEntry(nil), s.History...)
	out.Grants = s.Grants.Clone()
	if s.Descriptor != nil {
		d := *s.Descriptor
		out.Descriptor = &d
	}
	if s.Routing != nil {
		r := *s.Routing
		out.Routing = &r
	}
	if s.Spawned != nil {
		sp := *s.Spawned
		out.Spawned = &sp
	}
	return &out
}

// NormalizeState coerces a restored, possibly legacy or partial state
// into the current shape, falling back to the default grant profile when
// the restored one is empty.
func NormalizeState(state *State, defaults Grants) *State {
	if state == nil {
		state = &State{}
	}
	if state.History == nil {
		state.History = []HistoryEntry{}
	}
	if state.Grants.WorkingDir == "" && len(state.Grants.WriteDirs) == 0 &&
		len(state.Grants.ReadDirs) == 0 && !state.Grants.Web {
		state.Grants = defaults.Clone()
	}
	return state
}

// SanitizeRouting strips per-message fields from a context so the stored
// routing can address later messages without replaying stale reply state.
func SanitizeRouting(ctx connector.MessageContext) connector.MessageContext {
	out := ctx
	out.MessageID = ""
	out.PermissionTags = nil
	return out
}

// Session is the durable context for one descriptor. The lock guards
// State and UpdatedAt: the run loop owns most mutation, but permission
// decisions and routing capture reach in from other goroutines.
type Session struct {
	ID        string    `json:"id"`
	StorageID string    `json:"storage_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	State     *State    `json:"state"`

	mu sync.Mutex
}

// Lock acquires the session's state lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's state lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Snapshot returns a deep copy safe to persist while the live session
// keeps changing.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return New(s.ID, s.StorageID, s.CreatedAt, s.UpdatedAt, s.State.Clone())
}

// History returns a copy of the conversation history.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.State.History...)
}

// GrantsSnapshot returns a copy of the current grant profile.
func (s *Session) GrantsSnapshot() Grants {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State.Grants.Clone()
}

// New constructs a session around an existing state.
func New(id string, storageID string, createdAt, updatedAt time.Time, state *State) *Session {
	return &Session{
		ID:        id,
		StorageID: storageID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		State:     state,
	}
}

// ResetHistory clears the conversation history in place. Callers hold
// the session lock when the session is live.
func (s *Session) ResetHistory(now time.Time) {
	s.State.History = []HistoryEntry{}
	s.UpdatedAt = now
}
