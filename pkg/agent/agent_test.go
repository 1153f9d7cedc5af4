package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nanny/pkg/bus"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
	"github.com/harun/nanny/pkg/store"
)

type recordingConnector struct {
	mu   sync.Mutex
	name string
	sent []connector.Message
}

func (r *recordingConnector) Name() string { return r.name }

func (r *recordingConnector) SendMessage(ctx context.Context, channelID string, msg connector.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingConnector) Capabilities() connector.Capabilities { return connector.Capabilities{} }

func (r *recordingConnector) messages() []connector.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connector.Message(nil), r.sent...)
}

type testSystem struct {
	store        *store.Store
	bus          *bus.Bus
	registry     *connector.Registry
	runtime      Runtime
	defaults     session.Grants
	grantFile    string
	mu           sync.Mutex
	sessionSends []SendSessionMessageArgs
	sendErr      error
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	return &testSystem{
		store:    st,
		bus:      bus.New(),
		registry: connector.NewRegistry(),
		runtime: RuntimeFunc(func(ctx context.Context, turn Turn) (TurnResult, error) {
			return TurnResult{ResponseText: "echo: " + turn.Entry.Text}, nil
		}),
		defaults:  session.Grants{WorkingDir: filepath.Join(dir, "work")},
		grantFile: filepath.Join(dir, "work", "notes.md"),
	}
}

func (s *testSystem) Store() *store.Store             { return s.store }
func (s *testSystem) Bus() *bus.Bus                   { return s.bus }
func (s *testSystem) Connectors() *connector.Registry { return s.registry }
func (s *testSystem) Runtime() Runtime                { return s.runtime }
func (s *testSystem) DefaultGrants() session.Grants   { return s.defaults }
func (s *testSystem) DefaultGrantFile() string        { return s.grantFile }

func (s *testSystem) SendSessionMessage(ctx context.Context, args SendSessionMessageArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sessionSends = append(s.sessionSends, args)
	return nil
}

func (s *testSystem) sends() []SendSessionMessageArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendSessionMessageArgs(nil), s.sessionSends...)
}

func userDescriptor() session.Descriptor {
	return session.Descriptor{Kind: session.KindUser, Connector: "telegram", UserID: "u1", ChannelID: "c1"}
}

func TestCreateValidatesID(t *testing.T) {
	sys := newTestSystem(t)
	_, err := Create(userDescriptor(), "not-a-valid-id", sys, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrValidation)
}

func TestCreatePersistsBirthRecord(t *testing.T) {
	sys := newTestSystem(t)
	id := session.NewID()

	a, err := Create(userDescriptor(), id, sys, &CreateOptions{Source: "telegram"})
	require.NoError(t, err)
	assert.Equal(t, id, a.Session().ID)
	assert.NotEmpty(t, a.Session().StorageID)

	restored, err := sys.store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, id, restored[0].SessionID)
	assert.Equal(t, "telegram", restored[0].Source)
	assert.Equal(t, store.EntryCreated, restored[0].LastEntryType)
}

func TestLoadRoundTrip(t *testing.T) {
	sys := newTestSystem(t)
	id := session.NewID()
	d := userDescriptor()

	_, err := Create(d, id, sys, nil)
	require.NoError(t, err)

	loaded, err := Load(d, id, sys)
	require.NoError(t, err)
	assert.Equal(t, id, loaded.Session().ID)
	assert.True(t, d.Equal(loaded.Descriptor()))
}

func TestLoadDescriptorMismatch(t *testing.T) {
	sys := newTestSystem(t)
	id := session.NewID()

	_, err := Create(userDescriptor(), id, sys, nil)
	require.NoError(t, err)

	other := session.Descriptor{Kind: session.KindUser, Connector: "telegram", UserID: "u2", ChannelID: "c1"}
	_, err = Load(other, id, sys)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestLoadUnknownSession(t *testing.T) {
	sys := newTestSystem(t)
	_, err := Load(userDescriptor(), session.NewID(), sys)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestReceiveAppendsHistoryAndEmits(t *testing.T) {
	sys := newTestSystem(t)
	var events []string
	sys.bus.Subscribe("session.updated", func(event string, payload any) {
		events = append(events, event)
	})

	a, err := Create(userDescriptor(), session.NewID(), sys, nil)
	require.NoError(t, err)

	entry := a.Receive(inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  "telegram",
		Message: connector.Message{Text: "hello"},
		Context: connector.MessageContext{ChannelID: "c1", UserID: "u1"},
	})

	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, a.Session().ID, entry.Context.SessionID)
	require.Len(t, a.Session().State.History, 1)
	assert.Equal(t, []string{"session.updated"}, events)

	a.persist.Wait()
	restored, err := sys.store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, store.EntryIncoming, restored[0].LastEntryType)
}

func TestRunHandlesMessageTurn(t *testing.T) {
	sys := newTestSystem(t)
	conn := &recordingConnector{name: "telegram"}
	require.NoError(t, sys.registry.Register(conn))

	a, err := Create(userDescriptor(), session.NewID(), sys, nil)
	require.NoError(t, err)

	ib := inbox.New(a.Session().ID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx, ib) }()

	c := inbox.NewCompletion()
	ib.Post(inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  "telegram",
		Message: connector.Message{Text: "hi"},
		Context: connector.MessageContext{ChannelID: "c1", UserID: "u1", MessageID: "m1"},
	}, c)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	result, err := c.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result.ResponseText)
	assert.True(t, result.OK)

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: hi", msgs[0].Text)
	assert.Equal(t, "m1", msgs[0].ReplyToMessageID)
	assert.False(t, a.IsProcessing())
}

func TestRunSurvivesTurnFailure(t *testing.T) {
	sys := newTestSystem(t)
	boom := errors.New("inference exploded")
	calls := 0
	sys.runtime = RuntimeFunc(func(ctx context.Context, turn Turn) (TurnResult, error) {
		calls++
		if calls == 1 {
			return TurnResult{}, boom
		}
		return TurnResult{ResponseText: "recovered"}, nil
	})

	a, err := Create(session.Descriptor{Kind: session.KindSpawned, ID: session.NewID()}, session.NewID(), sys, nil)
	require.NoError(t, err)

	ib := inbox.New(a.Session().ID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx, ib) }()

	item := inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  "system",
		Message: connector.Message{Text: "try"},
		Context: connector.MessageContext{ChannelID: "c1"},
	}

	c1 := inbox.NewCompletion()
	ib.Post(item, c1)
	_, err = c1.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	// The loop keeps draining after a handled failure
	c2 := inbox.NewCompletion()
	ib.Post(item, c2)
	result, err := c2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.ResponseText)
}

func TestRunHandlesReset(t *testing.T) {
	sys := newTestSystem(t)
	var resets int
	sys.bus.Subscribe("session.reset", func(event string, payload any) { resets++ })

	a, err := Create(session.Descriptor{Kind: session.KindSpawned, ID: session.NewID()}, session.NewID(), sys, nil)
	require.NoError(t, err)
	a.Session().State.History = append(a.Session().State.History, session.HistoryEntry{ID: "x", Text: "old"})

	ib := inbox.New(a.Session().ID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx, ib) }()

	c := inbox.NewCompletion()
	ib.Post(inbox.Item{Type: inbox.ItemReset, Source: "system"}, c)

	result, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Empty(t, a.Session().State.History)
	assert.Equal(t, 1, resets)
}

func TestRunStopsOnCancel(t *testing.T) {
	sys := newTestSystem(t)
	a, err := Create(session.Descriptor{Kind: session.KindSpawned, ID: session.NewID()}, session.NewID(), sys, nil)
	require.NoError(t, err)

	ib := inbox.New(a.Session().ID)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, ib) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}

	// The inbox is detached and can be re-attached after the loop ends.
	assert.NoError(t, ib.Attach())
}

func TestSelectGrantProfile(t *testing.T) {
	t.Run("task files path replaces profile", func(t *testing.T) {
		sys := newTestSystem(t)
		a, err := Create(session.Descriptor{Kind: session.KindCron, ID: "task-1"}, session.NewID(), sys, nil)
		require.NoError(t, err)

		a.selectGrantProfile(connector.MessageContext{
			Task: &connector.TaskContext{TaskUID: "task-1", FilesPath: "/tasks/daily"},
		})

		assert.Equal(t, "/tasks/daily", a.Session().State.Grants.WorkingDir)
		assert.Equal(t, []string{"/tasks/daily"}, a.Session().State.Grants.WriteDirs)
	})

	t.Run("heartbeat merges defaults and ensures file", func(t *testing.T) {
		sys := newTestSystem(t)
		sys.defaults.Web = true
		a, err := Create(session.Descriptor{Kind: session.KindHeartbeat, ID: "hb"}, session.NewID(), sys, nil)
		require.NoError(t, err)
		a.Session().State.Grants = session.Grants{WriteDirs: []string{"/mine"}}

		a.selectGrantProfile(connector.MessageContext{Heartbeat: true})

		g := a.Session().State.Grants
		assert.True(t, g.Web)
		assert.Contains(t, g.WriteDirs, "/mine")
		assert.Contains(t, g.WriteDirs, filepath.Dir(sys.grantFile))
	})
}

func TestNotifySpawnedFailure(t *testing.T) {
	t.Run("reports to parent", func(t *testing.T) {
		sys := newTestSystem(t)
		parent := session.NewID()
		d := session.Descriptor{Kind: session.KindSpawned, ID: session.NewID(), ParentSessionID: parent, Name: "worker"}
		a, err := Create(d, d.ID, sys, nil)
		require.NoError(t, err)

		a.NotifySpawnedFailure(context.Background(), "restored with pending work", nil)

		sends := sys.sends()
		require.Len(t, sends, 1)
		assert.Equal(t, parent, sends[0].SessionID)
		assert.Contains(t, sends[0].Text, "worker")
		assert.Contains(t, sends[0].Text, "restored with pending work")
		assert.Equal(t, "background", sends[0].Origin)
	})

	t.Run("no-op for non-spawned descriptors", func(t *testing.T) {
		sys := newTestSystem(t)
		a, err := Create(userDescriptor(), session.NewID(), sys, nil)
		require.NoError(t, err)

		a.NotifySpawnedFailure(context.Background(), "ignored", nil)
		assert.Empty(t, sys.sends())
	})

	t.Run("missing parent warns without sending", func(t *testing.T) {
		sys := newTestSystem(t)
		d := session.Descriptor{Kind: session.KindSpawned, ID: session.NewID()}
		a, err := Create(d, d.ID, sys, nil)
		require.NoError(t, err)

		a.NotifySpawnedFailure(context.Background(), "ignored", nil)
		assert.Empty(t, sys.sends())
	})
}

func TestBuildSystemText(t *testing.T) {
	assert.Equal(t, "[system] hello", BuildSystemText("hello", ""))
	assert.Equal(t, "[background] done", BuildSystemText("done", "background"))
	assert.True(t, IsSystemText("[system] hello"))
	assert.True(t, IsSystemText("[background] done"))
	assert.False(t, IsSystemText("plain message"))
	assert.False(t, IsSystemText("[user] odd"))
}
