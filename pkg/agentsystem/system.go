// Package agentsystem is the orchestrator: it owns the session registry,
// resolves inbound work to sessions, routes permission decisions, and
// replays crash-recovery notifications after boot.
package agentsystem

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/pkg/agent"
	"github.com/harun/nanny/pkg/bus"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
	"github.com/harun/nanny/pkg/store"
)

// Stage is the orchestrator lifecycle stage. Transitions are
// one-directional: idle → loaded → scheduling → running.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageLoaded     Stage = "loaded"
	StageScheduling Stage = "scheduling"
	StageRunning    Stage = "running"
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Store            *store.Store
	Bus              *bus.Bus
	Connectors       *connector.Registry
	Runtime          agent.Runtime
	DefaultGrants    session.Grants
	DefaultGrantFile string
}

type entry struct {
	sessionID  string
	storageID  string
	source     string
	descriptor session.Descriptor
	agent      *agent.Agent
	inbox      *inbox.Inbox
	running    bool
}

type pendingInternalError struct {
	sessionID string
	source    string
	context   connector.MessageContext
}

// System multiplexes work across registered agent sessions.
type System struct {
	store            *store.Store
	bus              *bus.Bus
	connectors       *connector.Registry
	runtime          agent.Runtime
	defaultGrants    session.Grants
	defaultGrantFile string

	mu            sync.Mutex
	entries       map[string]*entry
	storageIDMap  map[string]string
	sessionKeyMap map[string]string
	creationLocks map[string]*sync.Mutex
	stage         Stage

	pendingInternalErrors  []pendingInternalError
	pendingSpawnedFailures []string

	loops sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs an orchestrator.
func New(opts Options) *System {
	return &System{
		store:            opts.Store,
		bus:              opts.Bus,
		connectors:       opts.Connectors,
		runtime:          opts.Runtime,
		defaultGrants:    opts.DefaultGrants,
		defaultGrantFile: opts.DefaultGrantFile,
		entries:          make(map[string]*entry),
		storageIDMap:     make(map[string]string),
		sessionKeyMap:    make(map[string]string),
		creationLocks:    make(map[string]*sync.Mutex),
		stage:            StageIdle,
	}
}

// SystemContext implementation used by agents.

func (s *System) Store() *store.Store             { return s.store }
func (s *System) Bus() *bus.Bus                   { return s.bus }
func (s *System) Connectors() *connector.Registry { return s.connectors }
func (s *System) Runtime() agent.Runtime          { return s.runtime }
func (s *System) DefaultGrants() session.Grants   { return s.defaultGrants }
func (s *System) DefaultGrantFile() string        { return s.defaultGrantFile }

// Stage returns the current lifecycle stage.
func (s *System) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Load reads every persisted session, registers it without starting its
// run loop, and classifies crash-recovery candidates. Idempotent once
// past idle.
func (s *System) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.stage != StageIdle {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	restoredSessions, err := s.store.LoadSessions()
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	for _, restored := range restoredSessions {
		sessionID := restored.SessionID
		if !session.IDIsValid(sessionID) {
			sessionID = session.NewID()
		}

		// A session already revived on demand keeps its live entry.
		s.mu.Lock()
		_, registered := s.entries[sessionID]
		s.mu.Unlock()
		if registered {
			continue
		}

		e := s.registerRestored(restored, sessionID)
		if e == nil {
			continue
		}

		log.Info().Str("session_id", sessionID).Str("source", restored.Source).Msg("Session restored")

		if sessionID != restored.SessionID {
			if err := s.store.RecordState(e.agent.Session().Snapshot()); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Session id migration persist failed")
			}
		}

		if restored.LastEntryType == store.EntryIncoming {
			s.mu.Lock()
			if e.descriptor.Kind == session.KindSpawned {
				s.pendingSpawnedFailures = append(s.pendingSpawnedFailures, sessionID)
			} else {
				s.pendingInternalErrors = append(s.pendingInternalErrors, pendingInternalError{
					sessionID: sessionID,
					source:    restored.Source,
					context:   restored.Context,
				})
			}
			s.mu.Unlock()
		}

		s.startEntryIfRunning(e)
	}

	s.mu.Lock()
	s.stage = StageLoaded
	s.mu.Unlock()
	return nil
}

// EnableScheduling marks the system ready to accept enqueues without yet
// running consumer loops.
func (s *System) EnableScheduling() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageIdle {
		return fmt.Errorf("agent system must load before scheduling")
	}
	if s.stage == StageLoaded {
		s.stage = StageScheduling
	}
	return nil
}

// Start launches every registered session's run loop, then flushes the
// crash-recovery queues exactly once: spawned parent notifications
// first, then direct internal-error replies.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stage == StageRunning {
		s.mu.Unlock()
		return nil
	}
	if s.stage == StageIdle {
		s.mu.Unlock()
		return fmt.Errorf("agent system must load before starting")
	}
	s.stage = StageRunning
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	spawnedFailures := s.pendingSpawnedFailures
	internalErrors := s.pendingInternalErrors
	s.pendingSpawnedFailures = nil
	s.pendingInternalErrors = nil
	s.mu.Unlock()

	for _, e := range all {
		s.startEntryIfRunning(e)
	}

	s.notifyPendingSpawnedFailures(ctx, spawnedFailures)
	s.sendPendingInternalErrors(ctx, internalErrors)
	return nil
}

// Stop cancels every run loop and waits until they finish, including
// their pending persistence. Queued work stays in the inboxes.
func (s *System) Stop() {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
}

// registerRestored rebuilds a live entry around a persisted session,
// keeping its storage id and accumulated state. Returns nil when no
// descriptor can be recovered.
func (s *System) registerRestored(restored store.Restored, sessionID string) *entry {
	descriptor := s.resolveRestoredDescriptor(restored, sessionID)
	if descriptor == nil {
		log.Warn().Str("session_id", restored.SessionID).Msg("Session descriptor missing; skipping restore")
		return nil
	}
	state := session.NormalizeState(restored.State, s.defaultGrants)
	state.Descriptor = descriptor
	sess := session.New(sessionID, restored.StorageID, restored.CreatedAt, restored.UpdatedAt, state)
	ag := agent.Restore(sess, *descriptor, s)

	e := s.registerEntry(ag, restored.Source)
	s.captureRouting(sess, restored.Source, restored.Context)
	s.captureSpawned(sess, restored.Context)
	return e
}

func (s *System) resolveRestoredDescriptor(restored store.Restored, sessionID string) *session.Descriptor {
	if d := session.NormalizeDescriptor(restored.Descriptor); d != nil {
		return d
	}
	d, err := session.BuildDescriptor(restored.Source, restored.Context, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to derive session descriptor")
		return nil
	}
	return &d
}

// registerEntry adds a session to the three registry maps, keeping them
// mutually consistent.
func (s *System) registerEntry(ag *agent.Agent, source string) *entry {
	sess := ag.Session()
	e := &entry{
		sessionID:  sess.ID,
		storageID:  sess.StorageID,
		source:     source,
		descriptor: ag.Descriptor(),
		agent:      ag,
		inbox:      inbox.New(sess.ID),
	}

	s.mu.Lock()
	s.entries[sess.ID] = e
	s.storageIDMap[sess.StorageID] = sess.ID
	if key := e.descriptor.Key(); key != "" {
		s.sessionKeyMap[key] = sess.ID
	}
	observability.SetActiveSessions(len(s.entries))
	s.mu.Unlock()
	return e
}

func (s *System) startEntryIfRunning(e *entry) {
	s.mu.Lock()
	if s.stage != StageRunning || e.running {
		s.mu.Unlock()
		return
	}
	e.running = true
	runCtx := s.runCtx
	s.loops.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.loops.Done()
		err := e.agent.Run(runCtx, e.inbox)
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("session_id", e.sessionID).Msg("Agent loop exited unexpectedly")
		}
	}()
}

func (s *System) captureRouting(sess *session.Session, source string, msgCtx connector.MessageContext) {
	sess.Lock()
	sess.State.Routing = &session.Routing{
		Source:  source,
		Context: session.SanitizeRouting(msgCtx),
	}
	sess.Unlock()
}

func (s *System) captureSpawned(sess *session.Session, msgCtx connector.MessageContext) {
	if msgCtx.Spawned == nil {
		return
	}
	sess.Lock()
	sess.State.Spawned = &session.SpawnedInfo{
		ParentSessionID: msgCtx.Spawned.ParentSessionID,
		Name:            msgCtx.Spawned.Name,
	}
	sess.Unlock()
}

func (s *System) notifyPendingSpawnedFailures(ctx context.Context, sessionIDs []string) {
	for _, sessionID := range sessionIDs {
		s.mu.Lock()
		e := s.entries[sessionID]
		s.mu.Unlock()
		if e == nil {
			continue
		}
		e.agent.NotifySpawnedFailure(ctx, "restored with pending work", nil)
	}
}

func (s *System) sendPendingInternalErrors(ctx context.Context, pending []pendingInternalError) {
	for _, p := range pending {
		conn := s.connectors.Get(p.source)
		if conn == nil {
			continue
		}
		err := conn.SendMessage(ctx, p.context.ChannelID, connector.Message{
			Text:             "Internal error.",
			ReplyToMessageID: p.context.MessageID,
		})
		if err != nil {
			log.Warn().Err(err).
				Str("session_id", p.sessionID).
				Str("source", p.source).
				Msg("Pending recovery reply failed")
		}
	}
}
