package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/nanny/pkg/bus"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/session"
	"github.com/harun/nanny/pkg/store"
)

// SendSessionMessageArgs addresses a system-originated message at an
// existing session.
type SendSessionMessageArgs struct {
	SessionID string
	Text      string
	Origin    string
}

// SystemContext is the orchestrator surface an agent depends on.
type SystemContext interface {
	Store() *store.Store
	Bus() *bus.Bus
	Connectors() *connector.Registry
	Runtime() Runtime
	DefaultGrants() session.Grants
	DefaultGrantFile() string
	SendSessionMessage(ctx context.Context, args SendSessionMessageArgs) error
}

// BuildContext synthesizes the message context a descriptor implies,
// used when a session is created without an inbound message.
func BuildContext(descriptor session.Descriptor, sessionID string) connector.MessageContext {
	switch descriptor.Kind {
	case session.KindUser:
		return connector.MessageContext{
			ChannelID: descriptor.ChannelID,
			UserID:    descriptor.UserID,
			SessionID: sessionID,
		}
	case session.KindCron:
		return connector.MessageContext{
			ChannelID: descriptor.ID,
			UserID:    "cron",
			SessionID: sessionID,
			Task:      &connector.TaskContext{TaskUID: descriptor.ID, TaskName: descriptor.Name},
		}
	case session.KindHeartbeat:
		return connector.MessageContext{
			ChannelID: sessionID,
			UserID:    "heartbeat",
			SessionID: sessionID,
			Heartbeat: true,
		}
	case session.KindSpawned:
		return connector.MessageContext{
			ChannelID: sessionID,
			UserID:    "system",
			SessionID: sessionID,
			Spawned: &connector.SpawnedContext{
				ParentSessionID: descriptor.ParentSessionID,
				Name:            descriptor.Name,
			},
		}
	default:
		return connector.MessageContext{
			ChannelID: sessionID,
			UserID:    "system",
			SessionID: sessionID,
		}
	}
}

// BuildSystemText wraps text as a system-originated message so it is
// distinguishable from human input and excluded from the incoming log.
func BuildSystemText(text string, origin string) string {
	if origin == "" {
		origin = "system"
	}
	return fmt.Sprintf("[%s] %s", origin, text)
}

// IsSystemText reports whether text was produced by BuildSystemText.
func IsSystemText(text string) bool {
	if !strings.HasPrefix(text, "[") {
		return false
	}
	end := strings.Index(text, "] ")
	if end < 1 {
		return false
	}
	origin := text[1:end]
	return origin == "system" || origin == "background" || origin == "cron" || origin == "heartbeat"
}
