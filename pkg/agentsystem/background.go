package agentsystem

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/nanny/pkg/agent"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
)

// StartBackgroundAgentArgs describes a spawned worker session.
type StartBackgroundAgentArgs struct {
	Prompt          string
	Name            string
	ParentSessionID string
	SessionID       string
}

// StartBackgroundAgent creates (or reuses) a spawned session and posts
// the initial prompt to it. Returns the spawned session's id.
func (s *System) StartBackgroundAgent(ctx context.Context, args StartBackgroundAgentArgs) (string, error) {
	if args.Prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", session.ErrValidation)
	}
	sessionID := args.SessionID
	if !session.IDIsValid(sessionID) {
		sessionID = session.NewID()
	}
	descriptor := session.Descriptor{
		Kind:            session.KindSpawned,
		ID:              sessionID,
		Name:            args.Name,
		ParentSessionID: args.ParentSessionID,
	}
	msgCtx := connector.MessageContext{
		ChannelID: sessionID,
		UserID:    "system",
		SessionID: sessionID,
		Spawned: &connector.SpawnedContext{
			ParentSessionID: args.ParentSessionID,
			Name:            args.Name,
		},
	}
	err := s.Post(ctx, Target{Descriptor: &descriptor}, inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  "system",
		Message: connector.Message{Text: args.Prompt},
		Context: msgCtx,
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// SendSessionMessage delivers a system-originated message to a session,
// replaying its last-known routing so the reply lands on the user's
// channel. With no explicit id it targets the most recently updated
// interactive session.
func (s *System) SendSessionMessage(ctx context.Context, args agent.SendSessionMessageArgs) error {
	if args.Text == "" {
		return fmt.Errorf("%w: text is required", session.ErrValidation)
	}
	sessionID := args.SessionID
	if sessionID == "" {
		sessionID = s.mostRecentInteractive()
	}
	s.mu.Lock()
	e := s.entries[sessionID]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: no session to deliver message to", session.ErrNotFound)
	}

	sess := e.agent.Session()
	sess.Lock()
	routing := sess.State.Routing
	sess.Unlock()
	if routing == nil || routing.Source == "" {
		return fmt.Errorf("%w: session %s has no routing", session.ErrNotFound, sessionID)
	}
	if !session.IsInternalSource(routing.Source) && s.connectors.Get(routing.Source) == nil {
		return fmt.Errorf("connector %q unavailable", routing.Source)
	}

	origin := args.Origin
	if origin == "" {
		origin = "system"
	}
	msgCtx := routing.Context
	msgCtx.SessionID = sessionID
	return s.Post(ctx, Target{SessionID: sessionID}, inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  routing.Source,
		Message: connector.Message{Text: agent.BuildSystemText(args.Text, origin)},
		Context: msgCtx,
	})
}

func (s *System) mostRecentInteractive() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := ""
	var bestAt time.Time
	for id, e := range s.entries {
		if !e.descriptor.MatchesStrategy(session.MostRecentInteractive) {
			continue
		}
		sess := e.agent.Session()
		sess.Lock()
		at := sess.UpdatedAt
		sess.Unlock()
		if best == "" || at.After(bestAt) {
			best = id
			bestAt = at
		}
	}
	return best
}
