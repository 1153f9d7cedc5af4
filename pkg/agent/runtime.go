package agent

import (
	"context"

	"github.com/harun/nanny/pkg/session"
)

// Turn is one unit of inference work handed to the runtime collaborator.
type Turn struct {
	Session *session.Session
	Entry   session.HistoryEntry
	Source  string
	Grants  session.Grants
}

// TurnResult is the runtime's answer for one turn.
type TurnResult struct {
	ResponseText string
}

// Runtime is the excluded inference/tool-execution collaborator. Errors
// it returns are ordinary turn failures: they reject the entry's
// completions and the run loop keeps draining.
type Runtime interface {
	RunTurn(ctx context.Context, turn Turn) (TurnResult, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, turn Turn) (TurnResult, error)

func (f RuntimeFunc) RunTurn(ctx context.Context, turn Turn) (TurnResult, error) {
	return f(ctx, turn)
}
