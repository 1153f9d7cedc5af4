package heartbeat

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

// The runtime keeps a single heartbeat session; every batch lands there.
const sessionTag = "heartbeat"

// FacadeOptions wires the scheduler into the agent system.
type FacadeOptions struct {
	System      *agentsystem.System
	Config      *config.Module
	Bus         *bus.Bus
	StorePath   string
	Interval    time.Duration
	GateHandler gate.RequestHandler
	GateTimeout time.Duration
}

// Facade delivers heartbeat batches to the shared heartbeat session.
type Facade struct {
	system    *agentsystem.System
	bus       *bus.Bus
	scheduler *Scheduler
}

// NewFacade builds a facade and its scheduler.
func NewFacade(options FacadeOptions) (*Facade, error) {
	if options.System == nil {
		return nil, fmt.Errorf("agent system is required")
	}

	f := &Facade{
		system: options.System,
		bus:    options.Bus,
	}

	scheduler, err := NewScheduler(SchedulerOptions{
		Config:        options.Config,
		StorePath:     options.StorePath,
		Interval:      options.Interval,
		Gate:          gate.NewManager(options.GateHandler, options.GateTimeout),
		ResolveGrants: f.resolveGrants,
		OnRun:         f.runBatch,
		OnTaskComplete: func(task Task, runAt time.Time) {
			if f.bus != nil {
				f.bus.Emit("heartbeat.task.ran", map[string]any{
					"taskId": task.ID,
					"runAt":  runAt.Format(time.RFC3339),
				})
			}
		},
	})
	if err != nil {
		return nil, err
	}
	f.scheduler = scheduler
	return f, nil
}

// Scheduler exposes the underlying scheduler for task management.
func (f *Facade) Scheduler() *Scheduler {
	return f.scheduler
}

// Start arms the interval and immediately runs any task that has never
// run, so a fresh deployment does not wait a full interval for its
// first cycle.
func (f *Facade) Start() {
	f.scheduler.Start()

	tasks := f.scheduler.ListTasks()
	if f.bus != nil {
		ids := make([]string, 0, len(tasks))
		for _, task := range tasks {
			ids = append(ids, task.ID)
		}
		f.bus.Emit("heartbeat.started", map[string]any{"taskIds": ids})
	}
	if len(tasks) == 0 {
		log.Info().Msg("No heartbeat tasks found on boot")
		return
	}

	var missingLastRun []string
	for _, task := range tasks {
		if task.LastRunAtMs == nil {
			missingLastRun = append(missingLastRun, task.ID)
		}
	}
	if len(missingLastRun) > 0 {
		log.Info().Strs("taskIds", missingLastRun).Msg("Heartbeat tasks missing last run, running now")
		f.scheduler.RunNow(missingLastRun)
	}

	if next := f.scheduler.NextRunAt(); next != nil {
		log.Info().Time("nextRunAt", *next).Msg("Next heartbeat run scheduled")
	}
}

// Stop shuts the scheduler down.
func (f *Facade) Stop() {
	f.scheduler.Stop()
}

func (f *Facade) descriptor() session.Descriptor {
	return session.Descriptor{Kind: session.KindHeartbeat, ID: sessionTag}
}

func (f *Facade) resolveGrants() session.Grants {
	defaults := f.system.DefaultGrants()
	sess := f.system.SessionByKey(f.descriptor().Key())
	if sess == nil {
		return defaults.Clone()
	}
	return sess.GrantsSnapshot().MergeDefault(defaults)
}

// runBatch delivers one cycle's tasks as a single synthetic message and
// waits for the turn to finish.
func (f *Facade) runBatch(ctx context.Context, tasks []Task, runAt time.Time) error {
	descriptor := f.descriptor()
	result, err := f.system.PostAndWait(ctx, agentsystem.Target{Descriptor: &descriptor}, inbox.Item{
		Type:    inbox.ItemMessage,
		Source:  "heartbeat",
		Message: connector.Message{Text: BuildBatchPrompt(tasks)},
		Context: connector.MessageContext{Heartbeat: true},
	})
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("heartbeat turn did not complete")
	}
	return nil
}
