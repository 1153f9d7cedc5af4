// Package agent runs one session: it drains the session's inbox strictly
// sequentially and owns all mutation of the session's persisted state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/internal/tracing"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
)

// CreateOptions carries the originating source and context for a new
// session. Both default to descriptor-derived values when empty.
type CreateOptions struct {
	Source  string
	Context *connector.MessageContext
}

// Agent owns one session and processes its inbox one turn at a time.
type Agent struct {
	sess       *session.Session
	descriptor session.Descriptor
	system     SystemContext
	processing atomic.Bool
	persist    sync.WaitGroup
}

// Create makes a new agent session and persists its birth record plus an
// initial state snapshot.
func Create(descriptor session.Descriptor, id string, system SystemContext, opts *CreateOptions) (*Agent, error) {
	if !session.IDIsValid(id) {
		return nil, fmt.Errorf("%w: malformed session id %q", session.ErrValidation, id)
	}
	st := system.Store()
	now := time.Now()
	state := &session.State{
		History:    []session.HistoryEntry{},
		Grants:     system.DefaultGrants().Clone(),
		Descriptor: &descriptor,
	}
	if descriptor.Kind == session.KindSpawned {
		state.Spawned = &session.SpawnedInfo{
			ParentSessionID: descriptor.ParentSessionID,
			Name:            descriptor.Name,
		}
	}
	sess := session.New(id, st.CreateStorageID(), now, now, state)

	source := "agent"
	msgCtx := BuildContext(descriptor, id)
	if opts != nil {
		if opts.Source != "" {
			source = opts.Source
		}
		if opts.Context != nil {
			msgCtx = *opts.Context
		}
	}
	if err := st.RecordSessionCreated(sess, source, msgCtx, descriptor); err != nil {
		return nil, fmt.Errorf("recording session creation: %w", err)
	}
	if err := st.RecordState(sess); err != nil {
		return nil, fmt.Errorf("recording initial state: %w", err)
	}
	return &Agent{sess: sess, descriptor: descriptor, system: system}, nil
}

// Load restores an agent from durable storage, re-validating that the
// stored descriptor equals the requested one.
func Load(descriptor session.Descriptor, id string, system SystemContext) (*Agent, error) {
	if !session.IDIsValid(id) {
		return nil, fmt.Errorf("%w: malformed session id %q", session.ErrValidation, id)
	}
	restoredSessions, err := system.Store().LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	for _, restored := range restoredSessions {
		if restored.SessionID != id {
			continue
		}
		stored := session.NormalizeDescriptor(restored.Descriptor)
		if stored == nil {
			return nil, fmt.Errorf("%w: session %s has no descriptor", session.ErrNotFound, id)
		}
		if !descriptor.Equal(*stored) {
			return nil, fmt.Errorf("%w: descriptor mismatch for session %s", session.ErrNotFound, id)
		}
		state := session.NormalizeState(restored.State, system.DefaultGrants())
		state.Descriptor = stored
		sess := session.New(id, restored.StorageID, restored.CreatedAt, restored.UpdatedAt, state)
		return &Agent{sess: sess, descriptor: *stored, system: system}, nil
	}
	return nil, fmt.Errorf("%w: session %s", session.ErrNotFound, id)
}

// Restore wraps an already-reconstructed session, the orchestrator's
// bulk boot path.
func Restore(sess *session.Session, descriptor session.Descriptor, system SystemContext) *Agent {
	return &Agent{sess: sess, descriptor: descriptor, system: system}
}

// Session returns the agent's session.
func (a *Agent) Session() *session.Session {
	return a.sess
}

// Descriptor returns the agent's descriptor.
func (a *Agent) Descriptor() session.Descriptor {
	return a.descriptor
}

// IsProcessing reports whether a turn is currently being handled.
func (a *Agent) IsProcessing() bool {
	return a.processing.Load()
}

// Receive records an inbound message on the in-memory history and
// schedules a best-effort durable append. Persistence failures are
// logged, never propagated.
func (a *Agent) Receive(item inbox.Item) session.HistoryEntry {
	receivedAt := time.Now()
	msgCtx := item.Context
	msgCtx.SessionID = a.sess.ID
	entry := session.HistoryEntry{
		ID:         session.NewID(),
		Role:       "user",
		Text:       item.Message.Text,
		Context:    msgCtx,
		ReceivedAt: receivedAt,
	}
	a.sess.Lock()
	a.sess.State.History = append(a.sess.State.History, entry)
	a.sess.UpdatedAt = receivedAt
	a.sess.Unlock()

	// The append only reads the session's immutable ids, so it can run
	// off the turn path. The turn end settles it before recording the
	// outgoing entry, and Run waits for it on exit.
	if !IsSystemText(entry.Text) {
		st := a.system.Store()
		a.persist.Add(1)
		go func() {
			defer a.persist.Done()
			if err := st.RecordIncoming(a.sess, entry, item.Source); err != nil {
				log.Warn().Err(err).Str("session_id", a.sess.ID).Msg("Incoming persistence failed")
			}
		}()
	}

	a.system.Bus().Emit("session.updated", map[string]any{
		"session_id": a.sess.ID,
		"source":     item.Source,
		"message_id": entry.ID,
	})
	return entry
}

// Run attaches to the inbox and drains it until ctx is cancelled.
// Handled turn failures reject the entry's completions and keep the
// loop alive. Run returns only after outstanding persistence settles.
func (a *Agent) Run(ctx context.Context, ib *inbox.Inbox) error {
	if err := ib.Attach(); err != nil {
		return err
	}
	defer ib.Detach()
	defer a.persist.Wait()

	for {
		entry, err := ib.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		a.processing.Store(true)
		start := time.Now()
		result, err := a.handleEntry(ctx, entry)
		observability.RecordTurn(string(entry.Item.Type), time.Since(start), err == nil)
		if err != nil {
			log.Warn().Err(err).Str("session_id", a.sess.ID).Msg("Turn failed")
			entry.Reject(err)
		} else {
			entry.Resolve(result)
		}
		a.processing.Store(false)
	}
}

// NotifySpawnedFailure posts a synthesized failure message into this
// spawned session's parent. No-ops with a warning when the parent link
// is unresolvable.
func (a *Agent) NotifySpawnedFailure(ctx context.Context, reason string, cause error) {
	if a.descriptor.Kind != session.KindSpawned {
		return
	}
	parent := a.descriptor.ParentSessionID
	name := a.descriptor.Name
	a.sess.Lock()
	if sp := a.sess.State.Spawned; sp != nil {
		if parent == "" {
			parent = sp.ParentSessionID
		}
		if name == "" {
			name = sp.Name
		}
	}
	a.sess.Unlock()
	if parent == "" {
		log.Warn().Str("session_id", a.sess.ID).Msg("Spawned session missing parent; failure not reported")
		return
	}
	if name == "" {
		name = "agent"
	}
	detail := reason
	if cause != nil {
		detail = fmt.Sprintf("%s (%s)", reason, cause.Error())
	}
	err := a.system.SendSessionMessage(ctx, SendSessionMessageArgs{
		SessionID: parent,
		Text:      fmt.Sprintf("Background agent %s (%s) failed: %s.", name, a.sess.ID, detail),
		Origin:    "background",
	})
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", a.sess.ID).
			Str("parent_session_id", parent).
			Msg("Spawned failure notification failed")
	}
}

func (a *Agent) handleEntry(ctx context.Context, entry *inbox.Entry) (inbox.Result, error) {
	switch entry.Item.Type {
	case inbox.ItemReset:
		ok := a.handleReset(entry.Item)
		return inbox.Result{Type: inbox.ItemReset, OK: ok}, nil
	case inbox.ItemMessage:
		text, err := a.handleMessage(ctx, entry.Item)
		if err != nil {
			return inbox.Result{}, err
		}
		return inbox.Result{Type: inbox.ItemMessage, ResponseText: text, OK: true}, nil
	default:
		return inbox.Result{}, fmt.Errorf("unknown inbox item type: %s", entry.Item.Type)
	}
}

func (a *Agent) handleReset(item inbox.Item) bool {
	now := time.Now()
	a.sess.Lock()
	a.sess.ResetHistory(now)
	a.sess.Unlock()
	st := a.system.Store()
	ok := true
	if err := st.RecordSessionReset(a.sess, item.Source); err != nil {
		log.Warn().Err(err).Str("session_id", a.sess.ID).Msg("Reset persistence failed")
		ok = false
	}
	if err := st.RecordState(a.sess.Snapshot()); err != nil {
		log.Warn().Err(err).Str("session_id", a.sess.ID).Msg("State persistence failed")
		ok = false
	}
	a.system.Bus().Emit("session.reset", map[string]any{
		"session_id": a.sess.ID,
		"source":     item.Source,
	})
	return ok
}

func (a *Agent) handleMessage(ctx context.Context, item inbox.Item) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "agent", "agent.turn")
	defer span.End()
	ctx = tracing.WithSessionID(ctx, a.sess.ID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if item.Message.Text == "" {
		logger.Debug().Str("session_id", a.sess.ID).Msg("Skipping empty message")
		return "", nil
	}

	conn := a.system.Connectors().Get(item.Source)
	if conn == nil && !session.IsInternalSource(item.Source) &&
		item.Context.Spawned == nil && item.Context.Task == nil {
		logger.Debug().
			Str("session_id", a.sess.ID).
			Str("source", item.Source).
			Msg("Skipping message from unknown connector")
		return "", nil
	}

	received := a.Receive(item)
	grants := a.selectGrantProfile(item.Context)

	result, err := a.system.Runtime().RunTurn(ctx, Turn{
		Session: a.sess,
		Entry:   received,
		Source:  item.Source,
		Grants:  grants,
	})
	if err != nil {
		return "", fmt.Errorf("running turn: %w", err)
	}

	now := time.Now()
	a.sess.Lock()
	a.sess.State.History = append(a.sess.State.History, session.HistoryEntry{
		ID:         session.NewID(),
		Role:       "assistant",
		Text:       result.ResponseText,
		ReceivedAt: now,
	})
	a.sess.UpdatedAt = now
	a.sess.Unlock()

	// Settle the async incoming append so the log stays in turn order.
	a.persist.Wait()

	st := a.system.Store()
	if err := st.RecordOutgoing(a.sess, result.ResponseText, item.Source); err != nil {
		logger.Warn().Err(err).Str("session_id", a.sess.ID).Msg("Outgoing persistence failed")
	}
	if err := st.RecordState(a.sess.Snapshot()); err != nil {
		logger.Warn().Err(err).Str("session_id", a.sess.ID).Msg("State persistence failed")
	}

	if conn != nil && result.ResponseText != "" && item.Context.ChannelID != "" {
		err := conn.SendMessage(ctx, item.Context.ChannelID, connector.Message{
			Text:             result.ResponseText,
			ReplyToMessageID: item.Context.MessageID,
		})
		if err != nil {
			logger.Warn().Err(err).
				Str("session_id", a.sess.ID).
				Str("source", item.Source).
				Msg("Response delivery failed")
		}
	}
	return result.ResponseText, nil
}

// selectGrantProfile applies the per-turn capability profile: a
// scheduled-task context with a files path replaces the working profile,
// a heartbeat context merges with the system default and re-ensures the
// default writable file. Returns a copy of the profile the turn runs
// under.
func (a *Agent) selectGrantProfile(msgCtx connector.MessageContext) session.Grants {
	defaults := a.system.DefaultGrants()
	a.sess.Lock()
	defer a.sess.Unlock()
	switch {
	case msgCtx.Task != nil && msgCtx.Task.FilesPath != "":
		a.sess.State.Grants = session.BuildTask(defaults, msgCtx.Task.FilesPath)
	case msgCtx.Heartbeat || a.descriptor.Kind == session.KindHeartbeat:
		a.sess.State.Grants = a.sess.State.Grants.MergeDefault(defaults)
		a.sess.State.Grants.EnsureDefaultFile(a.system.DefaultGrantFile())
	}
	return a.sess.State.Grants.Clone()
}
