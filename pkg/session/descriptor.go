package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/nanny/pkg/connector"
)

// Kind identifies why a session exists.
type Kind string

const (
	KindUser      Kind = "user"
	KindCron      Kind = "cron"
	KindHeartbeat Kind = "heartbeat"
	KindSpawned   Kind = "spawned"
)

// Descriptor is the tagged identity of a session's origin. The populated
// fields depend on Kind: user sessions carry connector/user/channel
// identity, cron and heartbeat sessions carry a task id, spawned sessions
// carry their own id plus an optional parent link.
type Descriptor struct {
	Kind            Kind   `json:"kind"`
	Connector       string `json:"connector,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
	ID              string `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

// FetchStrategy selects sessions by a logical predicate instead of an id.
type FetchStrategy string

// MostRecentInteractive matches interactive user sessions; callers order
// candidates by recency themselves.
const MostRecentInteractive FetchStrategy = "most-recent-interactive"

// NormalizeDescriptor validates and coerces externally-sourced descriptor
// data, typically restored from disk. Returns nil when the value cannot
// be a valid descriptor.
func NormalizeDescriptor(raw json.RawMessage) *Descriptor {
	if len(raw) == 0 {
		return nil
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	// Legacy records used "system" for background sessions.
	if d.Kind == "system" {
		d.Kind = KindSpawned
	}
	switch d.Kind {
	case KindUser:
		if d.Connector == "" || d.UserID == "" || d.ChannelID == "" {
			return nil
		}
		return &Descriptor{Kind: KindUser, Connector: d.Connector, UserID: d.UserID, ChannelID: d.ChannelID}
	case KindCron:
		if d.ID == "" {
			return nil
		}
		return &Descriptor{Kind: KindCron, ID: d.ID, Name: d.Name}
	case KindHeartbeat:
		if d.ID == "" {
			return nil
		}
		return &Descriptor{Kind: KindHeartbeat, ID: d.ID}
	case KindSpawned:
		if d.ID == "" {
			return nil
		}
		return &Descriptor{Kind: KindSpawned, ID: d.ID, ParentSessionID: d.ParentSessionID, Name: d.Name}
	default:
		return nil
	}
}

// Key returns the stable composite key for descriptor variants with a
// natural identity. Spawned descriptors have none and return "".
func (d Descriptor) Key() string {
	switch d.Kind {
	case KindUser:
		return strings.Join([]string{"user", d.Connector, d.UserID, d.ChannelID}, ":")
	case KindCron:
		return "cron:" + d.ID
	case KindHeartbeat:
		// One heartbeat session per runtime; the id is informational.
		return "heartbeat"
	default:
		return ""
	}
}

// Equal reports whether two descriptors identify the same session origin.
// Heartbeat descriptors compare by kind only.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.Kind != other.Kind {
		return false
	}
	switch d.Kind {
	case KindUser:
		return d.Connector == other.Connector &&
			d.UserID == other.UserID &&
			d.ChannelID == other.ChannelID
	case KindCron:
		return d.ID == other.ID
	case KindHeartbeat:
		return true
	case KindSpawned:
		return d.ID == other.ID &&
			d.ParentSessionID == other.ParentSessionID &&
			d.Name == other.Name
	default:
		return false
	}
}

// MatchesStrategy reports whether the descriptor satisfies a fetch strategy.
func (d Descriptor) MatchesStrategy(strategy FetchStrategy) bool {
	switch strategy {
	case MostRecentInteractive:
		return d.Kind == KindUser
	default:
		return false
	}
}

// BuildDescriptor derives a descriptor from an inbound message's source
// and context. Connector-sourced messages require a user identity.
func BuildDescriptor(source string, ctx connector.MessageContext, sessionID string) (Descriptor, error) {
	if ctx.Task != nil {
		id := ctx.Task.TaskUID
		if id == "" {
			id = ctx.Task.TaskID
		}
		if id == "" {
			id = sessionID
		}
		return Descriptor{Kind: KindCron, ID: id, Name: ctx.Task.TaskName}, nil
	}
	if ctx.Heartbeat {
		return Descriptor{Kind: KindHeartbeat, ID: sessionID}, nil
	}
	if ctx.Spawned != nil {
		return Descriptor{
			Kind:            KindSpawned,
			ID:              sessionID,
			ParentSessionID: ctx.Spawned.ParentSessionID,
			Name:            ctx.Spawned.Name,
		}, nil
	}
	if IsInternalSource(source) {
		return Descriptor{Kind: KindSpawned, ID: sessionID}, nil
	}
	if ctx.UserID == "" || ctx.ChannelID == "" {
		return Descriptor{}, fmt.Errorf("%w: user identity required for connector %q", ErrValidation, source)
	}
	return Descriptor{Kind: KindUser, Connector: source, UserID: ctx.UserID, ChannelID: ctx.ChannelID}, nil
}

// ResolveKey builds the stable descriptor key for an inbound message, or
// "" when the source/context pair has no natural identity.
func ResolveKey(source string, ctx connector.MessageContext) string {
	if ctx.Task != nil {
		id := ctx.Task.TaskUID
		if id == "" {
			id = ctx.Task.TaskID
		}
		if id == "" {
			return ""
		}
		return "cron:" + id
	}
	if ctx.Heartbeat {
		return "heartbeat"
	}
	if ctx.Spawned != nil || IsInternalSource(source) {
		return ""
	}
	if ctx.UserID == "" || ctx.ChannelID == "" {
		return ""
	}
	return strings.Join([]string{"user", source, ctx.UserID, ctx.ChannelID}, ":")
}

// IsInternalSource reports whether source names an internal producer
// rather than an external connector.
func IsInternalSource(source string) bool {
	switch source {
	case "system", "cron", "heartbeat", "background", "agent":
		return true
	default:
		return false
	}
}
