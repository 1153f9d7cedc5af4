// Package heartbeat runs a pool of recurring tasks on one shared
// interval. Each cycle gathers every task that clears its capability
// gate and delivers them as a single batch to the run callback.
package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/nanny/internal/config"
	"github.com/harun/nanny/pkg/gate"
	"github.com/harun/nanny/pkg/session"
)

// Task is one heartbeat definition. Tasks have no individual schedule;
// every enabled task fires on the shared interval.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Prompt      string         `json:"prompt"`
	Gate        *gate.Required `json:"gate,omitempty"`
	LastRunAtMs *int64         `json:"lastRunAtMs,omitempty"`
	CreatedAtMs int64          `json:"createdAtMs"`
	UpdatedAtMs int64          `json:"updatedAtMs"`
}

// CreateParams are the arguments for creating (or overwriting) a task.
// When ID is empty one is derived from the title.
type CreateParams struct {
	ID        string
	Title     string
	Prompt    string
	Gate      *gate.Required
	Overwrite bool
}

// RunReport summarizes one scheduler cycle.
type RunReport struct {
	Ran     int
	TaskIDs []string
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Config    *config.Module
	StorePath string

	// Interval between batch runs. Zero means 30 minutes.
	Interval time.Duration

	Gate          *gate.Manager
	ResolveGrants func() session.Grants

	// OnRun receives the gated batch for one cycle. It is called at
	// most once per cycle, and never with an empty batch.
	OnRun func(ctx context.Context, tasks []Task, runAt time.Time) error

	OnTaskComplete func(task Task, runAt time.Time)
}

// BuildBatchPrompt renders one cycle's tasks as a single prompt.
func BuildBatchPrompt(tasks []Task) string {
	lines := []string{"[heartbeat]"}
	for _, task := range tasks {
		lines = append(lines, "", fmt.Sprintf("## %s (%s)", task.Title, task.ID), task.Prompt)
	}
	return strings.Join(lines, "\n")
}
