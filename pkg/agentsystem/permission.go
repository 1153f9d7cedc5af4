package agentsystem

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/pkg/agent"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
)

// HandlePermissionDecision applies a user's grant or denial to the
// owning session and resumes it with a synthesized message so the
// blocked work continues. Approvals widen the session's grants and
// persist immediately; denials only resume.
func (s *System) HandlePermissionDecision(ctx context.Context, source string, decision connector.PermissionDecision, msgCtx connector.MessageContext) error {
	if msgCtx.ChannelID == "" {
		return fmt.Errorf("%w: channel id is required for permission decisions", session.ErrValidation)
	}

	sessionID := s.resolveSessionIDForContext(source, msgCtx)
	var e *entry
	if sessionID != "" {
		s.mu.Lock()
		e = s.entries[sessionID]
		s.mu.Unlock()
	}
	if e == nil {
		s.replyDirect(ctx, source, msgCtx, "No active session for that permission request.")
		return nil
	}

	access := decision.Access
	if decision.Approved && access.Kind != connector.PermissionWeb && !filepath.IsAbs(access.Path) {
		s.replyDirect(ctx, source, msgCtx, "Permission paths must be absolute.")
		return nil
	}

	sess := e.agent.Session()
	if decision.Approved {
		sess.Lock()
		sess.State.Grants.Apply(decision)
		sess.Unlock()
		if err := s.store.RecordState(sess.Snapshot()); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist granted permission")
		}
		s.bus.Emit("permission.granted", map[string]any{
			"sessionId": sessionID,
			"tag":       connector.FormatTag(access),
		})
		log.Info().
			Str("session_id", sessionID).
			Str("tag", connector.FormatTag(access)).
			Msg("Permission granted")
	}

	verdict := "denied"
	suffix := ""
	if decision.Approved {
		verdict = "granted"
		suffix = " Continue where you left off."
	}
	resume := agent.BuildSystemText(
		fmt.Sprintf("Permission %s: %s.%s", verdict, connector.DescribeAccess(access), suffix),
		"system",
	)
	resumeCtx := msgCtx
	resumeCtx.SessionID = sessionID
	return s.Post(ctx, Target{SessionID: sessionID}, inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  source,
		Message: connector.Message{Text: resume},
		Context: resumeCtx,
	})
}

// replyDirect answers through the connector without touching any
// session, used when a decision cannot be routed.
func (s *System) replyDirect(ctx context.Context, source string, msgCtx connector.MessageContext, text string) {
	conn := s.connectors.Get(source)
	if conn == nil {
		log.Warn().Str("source", source).Msg("No connector for permission reply")
		return
	}
	err := conn.SendMessage(ctx, msgCtx.ChannelID, connector.Message{
		Text:             text,
		ReplyToMessageID: msgCtx.MessageID,
	})
	if err != nil {
		log.Warn().Err(err).Str("source", source).Msg("Permission reply failed")
	}
}
