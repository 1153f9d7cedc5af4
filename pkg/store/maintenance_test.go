package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/session"
)

func TestCompactLogKeepsRecentRecords(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession(t, st)
	descriptor := session.Descriptor{Kind: session.KindUser, Connector: "telegram", UserID: "u1", ChannelID: "c1"}
	require.NoError(t, st.RecordSessionCreated(sess, "telegram", connector.MessageContext{}, descriptor))

	for i := 0; i < 20; i++ {
		entry := session.HistoryEntry{ID: fmt.Sprintf("m%d", i), Role: "user", Text: fmt.Sprintf("msg %d", i), ReceivedAt: time.Now()}
		require.NoError(t, st.RecordIncoming(sess, entry, "telegram"))
		require.NoError(t, st.RecordOutgoing(sess, fmt.Sprintf("reply %d", i), "telegram"))
	}

	compacted, err := st.CompactLog(sess.StorageID, 10)
	require.NoError(t, err)
	assert.True(t, compacted)

	// The created record and the tail survive, so the session still
	// restores with its identity and latest entry type.
	restored, err := st.loadOne(sess.StorageID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, restored.SessionID)
	assert.Equal(t, "telegram", restored.Source)
	assert.Equal(t, EntryOutgoing, restored.LastEntryType)

	// Already-compact logs are left alone.
	compacted, err = st.CompactLog(sess.StorageID, 10)
	require.NoError(t, err)
	assert.False(t, compacted)
}

func TestMaintainNowSweepsStaleSpawnedSessions(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	spawned := newTestSession(t, st)
	spawnedDescriptor := session.Descriptor{Kind: session.KindSpawned, ID: spawned.ID}
	require.NoError(t, st.RecordSessionCreated(spawned, "system", connector.MessageContext{}, spawnedDescriptor))

	user := newTestSession(t, st)
	userDescriptor := session.Descriptor{Kind: session.KindUser, Connector: "telegram", UserID: "u1", ChannelID: "c1"}
	require.NoError(t, st.RecordSessionCreated(user, "telegram", connector.MessageContext{}, userDescriptor))

	// Zero max age makes every spawned session stale immediately;
	// user sessions are never swept regardless of age.
	maintainer := NewMaintainer(st, 100, time.Nanosecond)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, maintainer.MaintainNow())

	ids, err := st.StorageIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{user.StorageID}, ids)
}

func TestMaintainerStartStop(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	maintainer := NewMaintainer(st, 0, 0)
	assert.Equal(t, DefaultMaxLogEntries, maintainer.maxLogEntries)
	assert.Equal(t, DefaultSpawnedMaxAge, maintainer.spawnedMaxAge)

	require.NoError(t, maintainer.Start())
	assert.True(t, maintainer.IsRunning())
	assert.Error(t, maintainer.Start())

	require.NoError(t, maintainer.Stop())
	assert.False(t, maintainer.IsRunning())
	assert.Error(t, maintainer.Stop())
}

func TestRemoveDeletesLogAndState(t *testing.T) {
	st, err := New(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession(t, st)
	descriptor := session.Descriptor{Kind: session.KindUser, Connector: "telegram", UserID: "u1", ChannelID: "c1"}
	require.NoError(t, st.RecordSessionCreated(sess, "telegram", connector.MessageContext{}, descriptor))
	require.NoError(t, st.RecordState(sess))

	require.NoError(t, st.Remove(sess.StorageID))

	ids, err := st.StorageIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Removing twice is fine.
	require.NoError(t, st.Remove(sess.StorageID))
}
