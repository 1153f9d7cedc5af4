// Package inbox implements the per-session single-consumer work queue
// with adjacent-message coalescing and completion handles.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/session"
)

// ItemType discriminates inbox work items.
type ItemType string

const (
	ItemMessage ItemType = "message"
	ItemReset   ItemType = "reset"
)

// Item is one unit of work for a session runner.
type Item struct {
	Type    ItemType
	Source  string
	Message connector.Message
	Context connector.MessageContext
}

// Entry wraps a queued item with identity and its completion handles.
// Coalesced entries carry every original completion; all of them are
// fulfilled together when the merged entry finishes.
type Entry struct {
	ID          string
	PostedAt    time.Time
	Item        Item
	completions []*Completion
}

// Resolve fulfills every completion attached to the entry.
func (e *Entry) Resolve(result Result) {
	for _, c := range e.completions {
		c.Resolve(result)
	}
}

// Reject rejects every completion attached to the entry.
func (e *Entry) Reject(err error) {
	for _, c := range e.completions {
		c.Reject(err)
	}
}

// Inbox is a single-consumer FIFO queue for one session.
type Inbox struct {
	sessionID string

	mu       sync.Mutex
	items    []*Entry
	waiter   chan *Entry
	attached bool
}

// New constructs an inbox for one session.
func New(sessionID string) *Inbox {
	return &Inbox{sessionID: sessionID}
}

// SessionID returns the owning session's id.
func (i *Inbox) SessionID() string {
	return i.sessionID
}

// Attach claims the inbox for a consumer. Fails while already attached;
// Detach permits a later re-attach.
func (i *Inbox) Attach() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.attached {
		return fmt.Errorf("inbox already attached: %s", i.sessionID)
	}
	i.attached = true
	return nil
}

// Detach releases the inbox so a future consumer can attach.
func (i *Inbox) Detach() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attached = false
}

// Post enqueues an item. A parked consumer receives the entry directly;
// otherwise a message item posted behind an undelivered message merges
// into it instead of growing the queue. Reset items never merge.
func (i *Inbox) Post(item Item, completions ...*Completion) *Entry {
	entry := &Entry{
		ID:       session.NewID(),
		PostedAt: time.Now(),
		Item:     item,
	}
	for _, c := range completions {
		if c != nil {
			entry.completions = append(entry.completions, c)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.waiter != nil {
		ch := i.waiter
		i.waiter = nil
		ch <- entry
		observability.RecordInboxPost(i.sessionID, string(item.Type), len(i.items))
		return entry
	}

	if item.Type == ItemMessage && len(i.items) > 0 {
		tail := i.items[len(i.items)-1]
		if tail.Item.Type == ItemMessage {
			mergeInto(tail, entry)
			observability.RecordInboxCoalesce()
			observability.RecordInboxPost(i.sessionID, string(item.Type), len(i.items))
			return tail
		}
	}

	i.items = append(i.items, entry)
	observability.RecordInboxPost(i.sessionID, string(item.Type), len(i.items))
	return entry
}

// Next dequeues the head entry, parking the caller when the queue is
// empty until a post arrives or ctx is cancelled. A second concurrent
// Next while one caller is parked is a usage error.
func (i *Inbox) Next(ctx context.Context) (*Entry, error) {
	i.mu.Lock()
	if len(i.items) > 0 {
		entry := i.items[0]
		i.items = i.items[1:]
		observability.SetInboxDepth(i.sessionID, len(i.items))
		i.mu.Unlock()
		return entry, nil
	}
	if i.waiter != nil {
		i.mu.Unlock()
		return nil, fmt.Errorf("inbox has a parked consumer already: %s", i.sessionID)
	}
	ch := make(chan *Entry, 1)
	i.waiter = ch
	i.mu.Unlock()

	select {
	case entry := <-ch:
		return entry, nil
	case <-ctx.Done():
		i.mu.Lock()
		if i.waiter == ch {
			i.waiter = nil
			i.mu.Unlock()
			return nil, ctx.Err()
		}
		i.mu.Unlock()
		// A post claimed the waiter concurrently; the entry is in flight.
		return <-ch, nil
	}
}

// Size returns the number of queued, undelivered entries.
func (i *Inbox) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}

// ListPending returns a copy of the queued entries, head first.
func (i *Inbox) ListPending() []*Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Entry, len(i.items))
	copy(out, i.items)
	return out
}

// mergeInto folds the newer entry into the queued tail: text joins with
// a newline in post order, permission tags union sorted, the merged
// entry takes the newest identity and context and keeps every
// completion.
func mergeInto(tail *Entry, newer *Entry) {
	text := tail.Item.Message.Text
	if text != "" && newer.Item.Message.Text != "" {
		text = text + "\n" + newer.Item.Message.Text
	} else if newer.Item.Message.Text != "" {
		text = newer.Item.Message.Text
	}

	tags := unionTags(tail.Item.Context.PermissionTags, newer.Item.Context.PermissionTags)

	merged := newer.Item
	merged.Message.Text = text
	merged.Context.PermissionTags = tags

	tail.ID = newer.ID
	tail.PostedAt = newer.PostedAt
	tail.Item = merged
	tail.completions = append(tail.completions, newer.completions...)
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, tag := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
