package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/config"
	"github.com/harun/nanny/pkg/agentsystem"
	"github.com/harun/nanny/pkg/bus"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/gate"
	"github.com/harun/nanny/pkg/inbox"
	"github.com/harun/nanny/pkg/session"
)

// FacadeOptions wires cron scheduling into the agent system.
type FacadeOptions struct {
	System      *agentsystem.System
	Config      *config.Module
	Bus         *bus.Bus
	StorePath   string
	GateHandler gate.RequestHandler
	GateTimeout time.Duration
}

// Facade owns the cron service and translates task firings into
// synthetic session messages delivered through the orchestrator.
type Facade struct {
	system  *agentsystem.System
	bus     *bus.Bus
	service *Service
}

// NewFacade builds the facade and its underlying service.
func NewFacade(opts FacadeOptions) (*Facade, error) {
	if opts.System == nil {
		return nil, fmt.Errorf("agent system is required")
	}
	f := &Facade{system: opts.System, bus: opts.Bus}

	service, err := NewService(ServiceOptions{
		Config:        opts.Config,
		StorePath:     opts.StorePath,
		Gate:          gate.NewManager(opts.GateHandler, opts.GateTimeout),
		ResolveGrants: f.resolveGrants,
		RunTask:       f.runTask,
		OnEvent:       f.onEvent,
	})
	if err != nil {
		return nil, err
	}
	f.service = service
	return f, nil
}

// Service exposes task management (add/update/remove/run-now/list).
func (f *Facade) Service() *Service {
	return f.service
}

// Stop shuts the scheduler down.
func (f *Facade) Stop() error {
	return f.service.Stop()
}

func (f *Facade) descriptor(task Task) session.Descriptor {
	return session.Descriptor{Kind: session.KindCron, ID: task.UID, Name: task.Name}
}

// resolveGrants merges the system defaults with whatever the task's
// session has accumulated, so an earlier approval satisfies later
// cycles.
func (f *Facade) resolveGrants(task Task) session.Grants {
	defaults := f.system.DefaultGrants()
	sess := f.system.SessionByKey(f.descriptor(task).Key())
	if sess == nil {
		return defaults.Clone()
	}
	return sess.GrantsSnapshot().MergeDefault(defaults)
}

// runTask delivers one firing as a synthetic message and waits for the
// turn to finish, so overlapping firings of the same task stay
// impossible.
func (f *Facade) runTask(ctx context.Context, task Task) error {
	descriptor := f.descriptor(task)
	msgCtx := connector.MessageContext{
		SessionID: task.UID,
		Task: &connector.TaskContext{
			TaskID:    task.ID,
			TaskUID:   task.UID,
			TaskName:  task.Name,
			FilesPath: task.FilesPath,
		},
	}
	result, err := f.system.PostAndWait(ctx, agentsystem.Target{Descriptor: &descriptor}, inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  "cron",
		Message: connector.Message{Text: BuildPrompt(task)},
		Context: msgCtx,
	})
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("task turn did not complete")
	}
	return nil
}

func (f *Facade) onEvent(evt Event) {
	if f.bus == nil {
		return
	}
	switch evt.Action {
	case EventActionFinished:
		f.bus.Emit("cron.task.ran", map[string]any{
			"taskId": evt.TaskID,
			"status": evt.Status,
		})
	case EventActionSkipped:
		f.bus.Emit("cron.task.skipped", map[string]any{"taskId": evt.TaskID})
	case EventActionAdded:
		f.bus.Emit("cron.task.added", map[string]any{"taskId": evt.TaskID})
	case EventActionUpdated:
		f.bus.Emit("cron.task.updated", map[string]any{"taskId": evt.TaskID})
	case EventActionDeleted:
		f.bus.Emit("cron.task.deleted", map[string]any{"taskId": evt.TaskID})
	default:
		log.Debug().Str("action", string(evt.Action)).Msg("Unhandled cron event")
	}
}
