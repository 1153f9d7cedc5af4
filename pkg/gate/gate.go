// Package gate checks a scheduled task's required capabilities against a
// session's grants and proxies approval requests for the missing ones.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/session"
)

// Required declares the capabilities a task needs before it may run.
type Required struct {
	Web       bool     `json:"web,omitempty"`
	WriteDirs []string `json:"write_dirs,omitempty"`
	ReadDirs  []string `json:"read_dirs,omitempty"`
}

// Empty reports whether the requirement declares nothing.
func (r Required) Empty() bool {
	return !r.Web && len(r.WriteDirs) == 0 && len(r.ReadDirs) == 0
}

// Check returns the accesses the grants do not cover, in declaration
// order. An empty result means the gate is open.
func Check(grants session.Grants, required Required) []connector.PermissionAccess {
	var missing []connector.PermissionAccess
	if required.Web && !grants.Web {
		missing = append(missing, connector.PermissionAccess{Kind: connector.PermissionWeb})
	}
	for _, dir := range required.WriteDirs {
		access := connector.PermissionAccess{Kind: connector.PermissionWrite, Path: dir}
		if !grants.Contains(access) {
			missing = append(missing, access)
		}
	}
	for _, dir := range required.ReadDirs {
		access := connector.PermissionAccess{Kind: connector.PermissionRead, Path: dir}
		if !grants.Contains(access) {
			missing = append(missing, access)
		}
	}
	return missing
}

// RequestHandler proxies one batch of missing accesses to a human and
// reports whether they were granted.
type RequestHandler interface {
	RequestGrants(ctx context.Context, taskLabel string, missing []connector.PermissionAccess) (bool, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, taskLabel string, missing []connector.PermissionAccess) (bool, error)

func (f RequestHandlerFunc) RequestGrants(ctx context.Context, taskLabel string, missing []connector.PermissionAccess) (bool, error) {
	return f(ctx, taskLabel, missing)
}

// Manager runs approval requests under a timeout. Denial and timeout are
// reported the same way: not granted, no error.
type Manager struct {
	handler RequestHandler
	timeout time.Duration
}

// NewManager constructs a gate manager. A zero timeout defaults to five
// minutes.
func NewManager(handler RequestHandler, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{handler: handler, timeout: timeout}
}

// Request asks a human to grant the missing accesses for one task,
// blocking up to the manager timeout.
func (m *Manager) Request(ctx context.Context, taskLabel string, missing []connector.PermissionAccess) (bool, error) {
	if m.handler == nil {
		return false, fmt.Errorf("no gate request handler configured")
	}
	if len(missing) == 0 {
		return true, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tags := make([]string, 0, len(missing))
	for _, access := range missing {
		tags = append(tags, connector.FormatTag(access))
	}
	log.Info().
		Str("task", taskLabel).
		Strs("missing", tags).
		Msg("Requesting gate approval")

	granted, err := m.handler.RequestGrants(timeoutCtx, taskLabel, missing)
	if err != nil {
		if timeoutCtx.Err() != nil {
			log.Warn().
				Str("task", taskLabel).
				Dur("timeout", m.timeout).
				Msg("Gate approval timed out")
			observability.RecordGateRequest("timeout")
			return false, nil
		}
		observability.RecordGateRequest("error")
		return false, fmt.Errorf("gate request failed: %w", err)
	}
	if granted {
		observability.RecordGateRequest("granted")
	} else {
		log.Info().Str("task", taskLabel).Msg("Gate approval denied")
		observability.RecordGateRequest("denied")
	}
	return granted, nil
}
