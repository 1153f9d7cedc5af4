package cron

import (
	"context"
	"strings"
	"time"

	"github.com/harun/nanny/internal/config"
	"github.com/harun/nanny/pkg/gate"
	"github.com/harun/nanny/pkg/session"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for task execution
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedule
	At string `json:"at,omitempty"` // ISO 8601 timestamp

	// For "every" schedule
	EveryMs  int64  `json:"everyMs,omitempty"`  // Interval in milliseconds
	AnchorMs *int64 `json:"anchorMs,omitempty"` // Optional anchor point

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // Cron expression (5-field format)
	TZ   string `json:"tz,omitempty"`   // Optional timezone
}

// TaskState tracks runtime state of a task
type TaskState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`       // When to run next
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`       // When started (if running)
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`       // When last executed
	LastStatus        string `json:"lastStatus,omitempty"`        // "ok", "error", or "skipped"
	LastError         string `json:"lastError,omitempty"`         // Last error message
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`    // Last execution duration
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"` // Sequential failure count
}

// Task represents a complete scheduled task definition. UID is the
// task's session identity, minted once at creation.
type Task struct {
	ID             string         `json:"id"`
	UID            string         `json:"uid"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Prompt         string         `json:"prompt"`
	Gate           *gate.Required `json:"gate,omitempty"`
	FilesPath      string         `json:"filesPath,omitempty"`
	Enabled        bool           `json:"enabled"`
	DeleteAfterRun bool           `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64          `json:"createdAtMs"`
	UpdatedAtMs    int64          `json:"updatedAtMs"`
	Schedule       Schedule       `json:"schedule"`
	State          TaskState      `json:"state"`
}

// AddParams contains parameters for creating a task
type AddParams struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Prompt         string         `json:"prompt"`
	Gate           *gate.Required `json:"gate,omitempty"`
	FilesPath      string         `json:"filesPath,omitempty"`
	Enabled        bool           `json:"enabled"`
	DeleteAfterRun bool           `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule       `json:"schedule"`
}

// TaskPatch contains fields that can be updated
type TaskPatch struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Prompt         *string        `json:"prompt,omitempty"`
	Gate           *gate.Required `json:"gate,omitempty"`
	FilesPath      *string        `json:"filesPath,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFinished EventAction = "finished"
	EventActionSkipped  EventAction = "skipped"
	EventActionAdded    EventAction = "added"
	EventActionUpdated  EventAction = "updated"
	EventActionDeleted  EventAction = "deleted"
)

// Event represents a cron system event
type Event struct {
	Action      EventAction `json:"action"`
	TaskID      string      `json:"taskId"`
	Status      string      `json:"status,omitempty"`      // "ok", "error", or "skipped"
	Error       string      `json:"error,omitempty"`       // Error message if failed
	DurationMs  *int64      `json:"durationMs,omitempty"`  // Execution duration
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"` // Next scheduled run
}

// RunMode specifies how to run a task manually
type RunMode string

const (
	RunModeDue   RunMode = "due"
	RunModeForce RunMode = "force"
)

// ServiceOptions configures the cron service
type ServiceOptions struct {
	Config        *config.Module                             // Configuration module; ticks run under its read lock
	StorePath     string                                     // Path to tasks.json
	Gate          *gate.Manager                              // Capability-gate approval manager
	ResolveGrants func(task Task) session.Grants             // Current grants for a task's session
	RunTask       func(ctx context.Context, task Task) error // Delivery callback for due tasks
	OnEvent       func(evt Event)                            // Event callback
}

// BuildPrompt renders the structured task header delivered ahead of the
// task's own prompt.
func BuildPrompt(task Task) string {
	return strings.Join([]string{
		"[cron]",
		"taskId: " + task.ID,
		"taskUid: " + task.UID,
		"taskName: " + task.Name,
		"",
		task.Prompt,
	}, "\n")
}

// Now returns current time in milliseconds
func Now() int64 {
	return time.Now().UnixMilli()
}

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}

// StringPtr returns a pointer to a string value
func StringPtr(v string) *string {
	return &v
}

// BoolPtr returns a pointer to a bool value
func BoolPtr(v bool) *bool {
	return &v
}
