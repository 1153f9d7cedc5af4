package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nanny/pkg/connector"
)

func messageItem(text string, messageID string, tags ...string) Item {
	return Item{
		Type:    ItemMessage,
		Source:  "telegram",
		Message: connector.Message{Text: text},
		Context: connector.MessageContext{MessageID: messageID, PermissionTags: tags},
	}
}

func resetItem() Item {
	return Item{Type: ItemReset, Source: "system"}
}

func TestDeliversQueuedEntriesInOrder(t *testing.T) {
	ib := New("s1")
	first := ib.Post(resetItem())
	second := ib.Post(resetItem())

	e1, err := ib.Next(context.Background())
	require.NoError(t, err)
	e2, err := ib.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.ID, e1.ID)
	assert.Equal(t, second.ID, e2.ID)
}

func TestParkedConsumerRendezvous(t *testing.T) {
	ib := New("s2")

	type outcome struct {
		entry *Entry
		err   error
	}
	got := make(chan outcome, 1)
	go func() {
		entry, err := ib.Next(context.Background())
		got <- outcome{entry, err}
	}()

	// Wait for the consumer to park
	require.Eventually(t, func() bool {
		ib.mu.Lock()
		defer ib.mu.Unlock()
		return ib.waiter != nil
	}, time.Second, time.Millisecond)

	posted := ib.Post(messageItem("hello", "1"))

	result := <-got
	require.NoError(t, result.err)
	assert.Equal(t, posted.ID, result.entry.ID)
	assert.Zero(t, ib.Size())
}

func TestAdjacentMessagesCoalesce(t *testing.T) {
	ib := New("s3")
	ib.Post(messageItem("a", "1", "@read:/tmp"))
	second := ib.Post(messageItem("b", "2", "@write:/tmp", "@read:/tmp"))

	assert.Equal(t, 1, ib.Size())

	entry, err := ib.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, entry.ID)
	assert.Equal(t, "a\nb", entry.Item.Message.Text)
	assert.Equal(t, "2", entry.Item.Context.MessageID)
	assert.Equal(t, []string{"@read:/tmp", "@write:/tmp"}, entry.Item.Context.PermissionTags)
}

func TestResetsNeverMerge(t *testing.T) {
	ib := New("s4")
	ib.Post(messageItem("a", "1"))
	ib.Post(resetItem())
	ib.Post(messageItem("b", "2"))

	assert.Equal(t, 3, ib.Size())
}

func TestMergedCompletionsResolveTogether(t *testing.T) {
	ib := New("s5")
	c1 := NewCompletion()
	c2 := NewCompletion()
	ib.Post(messageItem("one", "1"), c1)
	ib.Post(messageItem("two", "2"), c2)

	entry, err := ib.Next(context.Background())
	require.NoError(t, err)
	entry.Resolve(Result{Type: ItemMessage, ResponseText: "ok"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	r1, err := c1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", r1.ResponseText)

	r2, err := c2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", r2.ResponseText)
}

func TestMergedCompletionsRejectTogether(t *testing.T) {
	ib := New("s6")
	c1 := NewCompletion()
	c2 := NewCompletion()
	ib.Post(messageItem("one", "1"), c1)
	ib.Post(messageItem("two", "2"), c2)

	entry, err := ib.Next(context.Background())
	require.NoError(t, err)
	boom := errors.New("turn failed")
	entry.Reject(boom)

	_, err = c1.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = c2.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestAttachDetach(t *testing.T) {
	ib := New("s7")
	require.NoError(t, ib.Attach())
	assert.Error(t, ib.Attach())
	ib.Detach()
	assert.NoError(t, ib.Attach())
}

func TestSecondParkedNextIsError(t *testing.T) {
	ib := New("s8")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = ib.Next(ctx)
	}()

	require.Eventually(t, func() bool {
		ib.mu.Lock()
		defer ib.mu.Unlock()
		return ib.waiter != nil
	}, time.Second, time.Millisecond)

	_, err := ib.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parked consumer")
}

func TestNextCancellation(t *testing.T) {
	ib := New("s9")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ib.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The cancelled waiter must not leak: a later Next still works.
	ib.Post(resetItem())
	entry, err := ib.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ItemReset, entry.Item.Type)
}

func TestListPending(t *testing.T) {
	ib := New("s10")
	ib.Post(resetItem())
	ib.Post(messageItem("x", "1"))

	pending := ib.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, ItemReset, pending[0].Item.Type)
	assert.Equal(t, ItemMessage, pending[1].Item.Type)
}

func TestCompletionIsOneshot(t *testing.T) {
	c := NewCompletion()
	c.Resolve(Result{ResponseText: "first"})
	c.Resolve(Result{ResponseText: "second"})
	c.Reject(errors.New("ignored"))

	r, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", r.ResponseText)
}
