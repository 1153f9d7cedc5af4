package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/session"
)

func newTestSession(t *testing.T, st *Store) *session.Session {
	t.Helper()
	now := time.Now()
	return session.New(session.NewID(), st.CreateStorageID(), now, now, &session.State{
		History: []session.HistoryEntry{},
		Grants:  session.Grants{WorkingDir: "/work"},
	})
}

func TestRoundTrip(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession(t, st)
	descriptor := session.Descriptor{Kind: session.KindUser, Connector: "telegram", UserID: "u1", ChannelID: "c1"}
	ctx := connector.MessageContext{ChannelID: "c1", UserID: "u1"}

	require.NoError(t, st.RecordSessionCreated(sess, "telegram", ctx, descriptor))
	require.NoError(t, st.RecordState(sess))

	restored, err := st.LoadSessions()
	require.NoError(t, err)
	require.Len(t, restored, 1)

	got := restored[0]
	assert.Equal(t, sess.ID, got.SessionID)
	assert.Equal(t, sess.StorageID, got.StorageID)
	assert.Equal(t, "telegram", got.Source)
	assert.Equal(t, "c1", got.Context.ChannelID)
	assert.Equal(t, EntryCreated, got.LastEntryType)
	require.NotNil(t, got.State)
	assert.Equal(t, "/work", got.State.Grants.WorkingDir)

	d := session.NormalizeDescriptor(got.Descriptor)
	require.NotNil(t, d)
	assert.True(t, descriptor.Equal(*d))
}

func TestLastEntryTypeTracksLog(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession(t, st)
	descriptor := session.Descriptor{Kind: session.KindSpawned, ID: sess.ID}
	require.NoError(t, st.RecordSessionCreated(sess, "system", connector.MessageContext{}, descriptor))

	entry := session.HistoryEntry{ID: "m1", Role: "user", Text: "hello", ReceivedAt: time.Now()}
	require.NoError(t, st.RecordIncoming(sess, entry, "system"))

	restored, err := st.LoadSessions()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, EntryIncoming, restored[0].LastEntryType)

	require.NoError(t, st.RecordOutgoing(sess, "done", "system"))
	restored, err = st.LoadSessions()
	require.NoError(t, err)
	assert.Equal(t, EntryOutgoing, restored[0].LastEntryType)

	require.NoError(t, st.RecordSessionReset(sess, "system"))
	restored, err = st.LoadSessions()
	require.NoError(t, err)
	assert.Equal(t, EntryReset, restored[0].LastEntryType)
}

func TestLoadSkipsLogWithoutCreatedRecord(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession(t, st)
	entry := session.HistoryEntry{ID: "m1", Text: "orphan"}
	require.NoError(t, st.RecordIncoming(sess, entry, "system"))

	restored, err := st.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestLoadEmptyDir(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	restored, err := st.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestSnapshotOverwrite(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession(t, st)
	descriptor := session.Descriptor{Kind: session.KindSpawned, ID: sess.ID}
	require.NoError(t, st.RecordSessionCreated(sess, "system", connector.MessageContext{}, descriptor))
	require.NoError(t, st.RecordState(sess))

	sess.State.Grants.Web = true
	sess.UpdatedAt = sess.UpdatedAt.Add(time.Minute)
	require.NoError(t, st.RecordState(sess))

	restored, err := st.LoadSessions()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.True(t, restored[0].State.Grants.Web)
}
