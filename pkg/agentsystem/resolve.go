package agentsystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/pkg/agent"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
)

// Target names the session a posted item should reach: either an
// explicit session id or a descriptor to look up or create by key.
type Target struct {
	SessionID  string
	Descriptor *session.Descriptor
}

// Post enqueues an item without waiting for the turn to complete.
func (s *System) Post(_ context.Context, target Target, item inbox.Item) error {
	_, err := s.post(target, item, nil)
	return err
}

// PostAndWait enqueues an item and blocks until the session processes it
// (or ctx is done). Coalesced items complete together.
func (s *System) PostAndWait(ctx context.Context, target Target, item inbox.Item) (inbox.Result, error) {
	completion := inbox.NewCompletion()
	if _, err := s.post(target, item, completion); err != nil {
		return inbox.Result{}, err
	}
	return completion.Wait(ctx)
}

func (s *System) post(target Target, item inbox.Item, completion *inbox.Completion) (*entry, error) {
	e, err := s.resolveEntry(target, item)
	if err != nil {
		return nil, err
	}
	if completion != nil {
		e.inbox.Post(item, completion)
	} else {
		e.inbox.Post(item)
	}
	s.startEntryIfRunning(e)
	return e, nil
}

// ScheduleMessage resolves the owning session for an inbound message and
// enqueues it. The resolved session id is stamped onto the context so
// downstream records carry it.
func (s *System) ScheduleMessage(ctx context.Context, source string, msg connector.Message, msgCtx connector.MessageContext) error {
	sessionID, err := s.ResolveSessionIDForMessage(source, msgCtx)
	if err != nil {
		return err
	}
	msgCtx.SessionID = sessionID
	return s.Post(ctx, Target{SessionID: sessionID}, inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  source,
		Message: msg,
		Context: msgCtx,
	})
}

// resolveEntry maps a target to its registry entry, restoring or
// creating the session when needed. Creation is serialized per
// descriptor key so concurrent posts for the same key share one session.
func (s *System) resolveEntry(target Target, item inbox.Item) (*entry, error) {
	if target.SessionID != "" {
		return s.resolveBySessionID(target.SessionID, item)
	}
	if target.Descriptor == nil {
		return nil, fmt.Errorf("%w: post target requires a session id or descriptor", session.ErrValidation)
	}
	return s.resolveByDescriptor(*target.Descriptor, item)
}

func (s *System) resolveBySessionID(sessionID string, item inbox.Item) (*entry, error) {
	s.mu.Lock()
	e := s.entries[sessionID]
	s.mu.Unlock()
	if e != nil {
		s.noteIncoming(e, item)
		return e, nil
	}

	lock := s.keyLock("id:" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	e = s.entries[sessionID]
	s.mu.Unlock()
	if e != nil {
		s.noteIncoming(e, item)
		return e, nil
	}

	if e := s.restoreBySessionID(sessionID); e != nil {
		s.noteIncoming(e, item)
		return e, nil
	}

	if item.Type != inbox.ItemMessage {
		return nil, fmt.Errorf("%w: no session %s", session.ErrNotFound, sessionID)
	}

	descriptor, err := session.BuildDescriptor(item.Source, item.Context, sessionID)
	if err != nil {
		return nil, err
	}
	return s.createEntry(sessionID, descriptor, item)
}

// restoreBySessionID revives a persisted session missing from the
// registry, so posting by id never forks a second storage log for the
// same session. Returns nil when durable storage has nothing for the id.
func (s *System) restoreBySessionID(sessionID string) *entry {
	restored, err := s.store.LoadBySessionID(sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Session lookup failed")
		return nil
	}
	if restored == nil {
		return nil
	}
	e := s.registerRestored(*restored, sessionID)
	if e == nil {
		return nil
	}
	log.Info().Str("session_id", sessionID).Msg("Session restored on demand")
	return e
}

func (s *System) resolveByDescriptor(descriptor session.Descriptor, item inbox.Item) (*entry, error) {
	key := descriptor.Key()
	if key != "" {
		lock := s.keyLock(key)
		lock.Lock()
		defer lock.Unlock()

		s.mu.Lock()
		sessionID, ok := s.sessionKeyMap[key]
		var e *entry
		if ok {
			e = s.entries[sessionID]
		}
		s.mu.Unlock()
		if e != nil {
			s.noteIncoming(e, item)
			return e, nil
		}
	}

	sessionID := session.NewID()
	if descriptor.Kind == session.KindSpawned && session.IDIsValid(descriptor.ID) {
		sessionID = descriptor.ID
		s.mu.Lock()
		e := s.entries[sessionID]
		s.mu.Unlock()
		if e != nil {
			s.noteIncoming(e, item)
			return e, nil
		}
	}
	return s.createEntry(sessionID, descriptor, item)
}

func (s *System) createEntry(sessionID string, descriptor session.Descriptor, item inbox.Item) (*entry, error) {
	msgCtx := item.Context
	ag, err := agent.Create(descriptor, sessionID, s, &agent.CreateOptions{
		Source:  item.Source,
		Context: &msgCtx,
	})
	if err != nil {
		return nil, err
	}
	e := s.registerEntry(ag, item.Source)
	s.noteIncoming(e, item)
	s.bus.Emit("session.created", map[string]any{
		"sessionId": sessionID,
		"source":    item.Source,
		"kind":      string(descriptor.Kind),
	})
	log.Info().Str("session_id", sessionID).Str("kind", string(descriptor.Kind)).Msg("Session created")
	return e, nil
}

// noteIncoming refreshes routing and spawned metadata from the latest
// message so replies and notifications target the right place.
func (s *System) noteIncoming(e *entry, item inbox.Item) {
	if item.Type != inbox.ItemMessage {
		return
	}
	sess := e.agent.Session()
	s.captureRouting(sess, item.Source, item.Context)
	s.captureSpawned(sess, item.Context)
	s.mu.Lock()
	e.source = item.Source
	s.mu.Unlock()
}

func (s *System) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.creationLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.creationLocks[key] = lock
	}
	return lock
}

// ResolveSessionIDForMessage picks the session id for an inbound
// message: an explicit valid id wins (and binds the descriptor key to
// it), then a valid task uid, then the descriptor key's existing or
// newly minted id. Connector sources with no usable identity are
// rejected; internal sources fall through to an anonymous session.
func (s *System) ResolveSessionIDForMessage(source string, msgCtx connector.MessageContext) (string, error) {
	key := session.ResolveKey(source, msgCtx)

	explicit := ""
	if session.IDIsValid(msgCtx.SessionID) {
		explicit = msgCtx.SessionID
	} else if msgCtx.Task != nil && session.IDIsValid(msgCtx.Task.TaskUID) {
		explicit = msgCtx.Task.TaskUID
	}
	if explicit != "" {
		if key != "" {
			s.mu.Lock()
			s.sessionKeyMap[key] = explicit
			s.mu.Unlock()
		}
		return explicit, nil
	}

	if key != "" {
		return s.getOrCreateSessionID(key), nil
	}
	if !session.IsInternalSource(source) {
		return "", fmt.Errorf("%w: user identity required to resolve session", session.ErrValidation)
	}
	return session.NewID(), nil
}

func (s *System) getOrCreateSessionID(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sessionKeyMap[key]; ok {
		return id
	}
	id := session.NewID()
	s.sessionKeyMap[key] = id
	return id
}

// resolveSessionIDForContext finds an existing session id without
// minting a new one. Returns "" when nothing matches.
func (s *System) resolveSessionIDForContext(source string, msgCtx connector.MessageContext) string {
	if session.IDIsValid(msgCtx.SessionID) {
		return msgCtx.SessionID
	}
	key := session.ResolveKey(source, msgCtx)
	if key == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKeyMap[key]
}

// SessionByID returns the live session for an id, or nil.
func (s *System) SessionByID(sessionID string) *session.Session {
	s.mu.Lock()
	e := s.entries[sessionID]
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.agent.Session()
}

// SessionByKey returns the live session registered under a descriptor
// key, or nil.
func (s *System) SessionByKey(key string) *session.Session {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	sessionID, ok := s.sessionKeyMap[key]
	var e *entry
	if ok {
		e = s.entries[sessionID]
	}
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.agent.Session()
}

// SessionByStorageID returns the live session for a storage id, or nil.
func (s *System) SessionByStorageID(storageID string) *session.Session {
	s.mu.Lock()
	sessionID, ok := s.storageIDMap[storageID]
	var e *entry
	if ok {
		e = s.entries[sessionID]
	}
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.agent.Session()
}

// ResetSession enqueues a history reset for the session. Returns false
// when the session is unknown.
func (s *System) ResetSession(sessionID string) bool {
	s.mu.Lock()
	e := s.entries[sessionID]
	s.mu.Unlock()
	if e == nil {
		return false
	}
	e.inbox.Post(inbox.Item{Type: inbox.ItemReset, Source: e.source})
	s.startEntryIfRunning(e)
	return true
}

// ResetSessionByStorageID resolves the storage id first, then resets.
func (s *System) ResetSessionByStorageID(storageID string) bool {
	s.mu.Lock()
	sessionID, ok := s.storageIDMap[storageID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.ResetSession(sessionID)
}

// BackgroundAgentState reports a spawned session's visible status.
type BackgroundAgentState struct {
	SessionID string
	Name      string
	Status    string
	Pending   int
	UpdatedAt time.Time
}

// BackgroundAgents lists every spawned session with a coarse status:
// running while a turn is in flight, queued when work is pending,
// otherwise idle.
func (s *System) BackgroundAgents() []BackgroundAgentState {
	s.mu.Lock()
	spawned := make([]*entry, 0)
	for _, e := range s.entries {
		if e.descriptor.Kind == session.KindSpawned {
			spawned = append(spawned, e)
		}
	}
	s.mu.Unlock()

	out := make([]BackgroundAgentState, 0, len(spawned))
	for _, e := range spawned {
		status := "idle"
		pending := e.inbox.Size()
		switch {
		case e.agent.IsProcessing():
			status = "running"
		case pending > 0:
			status = "queued"
		}
		name := e.descriptor.Name
		sess := e.agent.Session()
		sess.Lock()
		if name == "" && sess.State.Spawned != nil {
			name = sess.State.Spawned.Name
		}
		updatedAt := sess.UpdatedAt
		sess.Unlock()
		out = append(out, BackgroundAgentState{
			SessionID: e.sessionID,
			Name:      name,
			Status:    status,
			Pending:   pending,
			UpdatedAt: updatedAt,
		})
	}
	return out
}
