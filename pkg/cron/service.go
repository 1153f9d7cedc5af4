// Package cron schedules recurring tasks and delivers each firing to
// its owning agent session, gated behind capability approval.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/config"
	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/pkg/gate"
	"github.com/harun/nanny/pkg/session"
)

// Service manages cron task scheduling and execution
type Service struct {
	tasks   map[string]*Task
	timers  map[string]*time.Timer
	options ServiceOptions
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new cron service
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.RunTask == nil {
		return nil, fmt.Errorf("run task callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		tasks:   make(map[string]*Task),
		timers:  make(map[string]*time.Timer),
		options: opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Load tasks from storage
	if err := s.loadTasks(); err != nil {
		log.Warn().Err(err).Msg("Failed to load tasks, starting with empty registry")
	}

	// Schedule all enabled tasks
	s.scheduleAll()

	log.Info().Int("taskCount", len(s.tasks)).Msg("Cron service initialized")

	return s, nil
}

// AddTask creates a new cron task. The task's session uid is minted
// here and never changes afterward.
func (s *Service) AddTask(params AddParams) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	// Validate schedule
	nextRunAtMs, err := CalculateNextRun(params.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid schedule: %s", session.ErrValidation, err)
	}

	if params.Name == "" {
		return nil, fmt.Errorf("%w: task name is required", session.ErrValidation)
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("%w: task prompt is required", session.ErrValidation)
	}

	taskID := session.NewID()

	now := Now()
	task := &Task{
		ID:             taskID,
		UID:            session.NewID(),
		Name:           params.Name,
		Description:    params.Description,
		Prompt:         params.Prompt,
		Gate:           params.Gate,
		FilesPath:      params.FilesPath,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       params.Schedule,
		State: TaskState{
			NextRunAtMs: Int64Ptr(nextRunAtMs),
		},
	}

	s.tasks[taskID] = task

	if err := s.persist(); err != nil {
		delete(s.tasks, taskID)
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	if task.Enabled {
		s.scheduleTaskLocked(task)
	}

	log.Info().
		Str("taskId", taskID).
		Str("name", task.Name).
		Bool("enabled", task.Enabled).
		Msg("Task created")

	s.emit(Event{Action: EventActionAdded, TaskID: taskID})

	return task, nil
}

// UpdateTask updates an existing task
func (s *Service) UpdateTask(id string, patch TaskPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: task %s", session.ErrNotFound, id)
	}

	scheduleChanged := false
	enabledChanged := false
	oldEnabled := task.Enabled

	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Prompt != nil {
		task.Prompt = *patch.Prompt
	}
	if patch.Gate != nil {
		task.Gate = patch.Gate
	}
	if patch.FilesPath != nil {
		task.FilesPath = *patch.FilesPath
	}
	if patch.Enabled != nil {
		task.Enabled = *patch.Enabled
		enabledChanged = oldEnabled != task.Enabled
	}
	if patch.DeleteAfterRun != nil {
		task.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		task.Schedule = *patch.Schedule
		scheduleChanged = true
	}

	task.UpdatedAtMs = Now()

	if scheduleChanged {
		nextRunAtMs, err := CalculateNextRun(task.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid schedule: %s", session.ErrValidation, err)
		}
		task.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	}

	if err := s.persist(); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelTaskLocked(id)
		if task.Enabled {
			s.scheduleTaskLocked(task)
		}
	}

	log.Info().
		Str("taskId", id).
		Str("name", task.Name).
		Bool("scheduleChanged", scheduleChanged).
		Bool("enabledChanged", enabledChanged).
		Msg("Task updated")

	s.emit(Event{Action: EventActionUpdated, TaskID: id})

	return task, nil
}

// RemoveTask deletes a task
func (s *Service) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}

	task, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("%w: task %s", session.ErrNotFound, id)
	}

	s.cancelTaskLocked(id)
	delete(s.tasks, id)

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}

	log.Info().
		Str("taskId", id).
		Str("name", task.Name).
		Msg("Task removed")

	s.emit(Event{Action: EventActionDeleted, TaskID: id})

	return nil
}

// RunTask manually executes a task
func (s *Service) RunTask(id string, mode RunMode) error {
	s.mu.RLock()
	task, exists := s.tasks[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: task %s", session.ErrNotFound, id)
	}

	// Check enabled flag for "due" mode
	if mode == RunModeDue && !task.Enabled {
		log.Debug().Str("taskId", id).Msg("Skipping disabled task in 'due' mode")
		return nil
	}

	go s.executeTask(id)

	return nil
}

// ListTasks returns all tasks, optionally filtered by enabled state,
// sorted by creation time.
func (s *Service) ListTasks(enabled *bool) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if enabled != nil && task.Enabled != *enabled {
			continue
		}
		snapshot := *task
		tasks = append(tasks, &snapshot)
	}

	for i := 0; i < len(tasks)-1; i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasks[j].CreatedAtMs < tasks[i].CreatedAtMs {
				tasks[i], tasks[j] = tasks[j], tasks[i]
			}
		}
	}

	return tasks
}

// GetTask returns a snapshot of a specific task, or nil when it does
// not exist.
func (s *Service) GetTask(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	snapshot := *task
	return &snapshot
}

// Stop gracefully shuts down the service
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true
	s.cancel()

	for id := range s.timers {
		s.cancelTaskLocked(id)
	}

	if err := s.persist(); err != nil {
		log.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}

	log.Info().Msg("Cron service stopped")

	return nil
}

// scheduleAll schedules all enabled tasks
func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if task.Enabled {
			s.scheduleTaskLocked(task)
		}
	}
}

// scheduleTaskLocked schedules a task (must hold lock)
func (s *Service) scheduleTaskLocked(task *Task) {
	if task.State.NextRunAtMs == nil {
		log.Warn().Str("taskId", task.ID).Msg("Cannot schedule task without next run time")
		return
	}

	nextRunAtMs := *task.State.NextRunAtMs
	now := Now()
	delay := nextRunAtMs - now
	if delay <= 0 {
		delay = 0
	}

	id := task.ID
	timer := time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.executeTask(id)
	})

	s.timers[id] = timer

	log.Debug().
		Str("taskId", id).
		Int64("delayMs", delay).
		Time("nextRun", time.UnixMilli(nextRunAtMs)).
		Msg("Task scheduled")
}

// cancelTaskLocked cancels a task's timer (must hold lock)
func (s *Service) cancelTaskLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
		log.Debug().Str("taskId", id).Msg("Task timer cancelled")
	}
}

// executeTask drives one firing. A firing that lands while the previous
// one is still running is dropped, not queued. The whole run happens
// under the config read lock so it never observes a mid-reload
// configuration.
func (s *Service) executeTask(id string) {
	s.mu.Lock()

	task, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		log.Debug().Str("taskId", id).Msg("Task no longer exists, skipping execution")
		return
	}

	if task.State.RunningAtMs != nil {
		s.mu.Unlock()
		log.Debug().Str("taskId", id).Msg("Task already running, skipping execution")
		return
	}

	startMs := Now()
	task.State.RunningAtMs = Int64Ptr(startMs)
	snapshot := *task
	s.mu.Unlock()

	if s.options.Config != nil {
		s.options.Config.InReadLock(func(cfg *config.Config) {
			s.executeGated(snapshot, startMs)
		})
		return
	}
	s.executeGated(snapshot, startMs)
}

func (s *Service) executeGated(task Task, startMs int64) {
	ran := false
	var runErr error
	if s.passGate(task) {
		ran = true
		log.Info().Str("taskId", task.ID).Str("name", task.Name).Msg("Executing task")
		runErr = s.options.RunTask(s.ctx, task)
	}
	s.finishRun(task.ID, startMs, ran, runErr)
}

// passGate runs the capability gate for one task: missing grants block
// only this task on a human approval request; a grant refreshes and
// re-checks; denial or timeout skips this cycle only.
func (s *Service) passGate(task Task) bool {
	if task.Gate == nil || task.Gate.Empty() {
		return true
	}
	grants := s.resolveGrants(task)
	missing := gate.Check(grants, *task.Gate)
	if len(missing) == 0 {
		return true
	}
	log.Warn().
		Str("taskId", task.ID).
		Int("missing", len(missing)).
		Msg("Task gate grants missing; requesting user approval")

	granted, err := s.options.Gate.Request(s.ctx, taskLabel(task), missing)
	if err != nil {
		log.Warn().Err(err).Str("taskId", task.ID).Msg("Task gate permission request failed")
		return false
	}
	if !granted {
		log.Debug().Str("taskId", task.ID).Msg("Task skipped because gate grants were denied or timed out")
		return false
	}

	grants = s.resolveGrants(task)
	missing = gate.Check(grants, *task.Gate)
	if len(missing) > 0 {
		log.Warn().Str("taskId", task.ID).Msg("Task skipped because requested gate grants are still missing")
		return false
	}
	return true
}

func (s *Service) resolveGrants(task Task) session.Grants {
	if s.options.ResolveGrants == nil {
		return session.Grants{}
	}
	return s.options.ResolveGrants(task)
}

// finishRun clears the running flag, records the outcome, and re-arms
// the timer. LastRunAtMs advances only when the task actually ran.
func (s *Service) finishRun(id string, startMs int64, ran bool, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return
	}

	endMs := Now()
	durationMs := endMs - startMs
	task.State.RunningAtMs = nil

	if !ran {
		task.State.LastStatus = "skipped"
		observability.RecordSchedulerTask("cron", "skipped")
	} else {
		task.State.LastRunAtMs = Int64Ptr(startMs)
		task.State.LastDurationMs = Int64Ptr(durationMs)
		observability.RecordSchedulerRun("cron", runErr == nil)
		observability.RecordSchedulerTask("cron", "ran")

		if runErr != nil {
			task.State.LastStatus = "error"
			task.State.LastError = runErr.Error()
			task.State.ConsecutiveErrors++
			log.Error().
				Str("taskId", id).
				Err(runErr).
				Int("consecutiveErrors", task.State.ConsecutiveErrors).
				Msg("Task execution failed")
		} else {
			task.State.LastStatus = "ok"
			task.State.LastError = ""
			task.State.ConsecutiveErrors = 0
			log.Info().
				Str("taskId", id).
				Int64("durationMs", durationMs).
				Msg("Task execution completed")
		}
	}

	// One-shot "at" tasks have no future firing.
	if task.Schedule.Kind == ScheduleKindAt && ran {
		task.State.NextRunAtMs = nil
	} else {
		nextRunAtMs, calcErr := CalculateNextRun(task.Schedule)
		if calcErr != nil {
			log.Error().Str("taskId", id).Err(calcErr).Msg("Failed to calculate next run")
			task.State.NextRunAtMs = nil
		} else {
			task.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
		}
	}

	if persistErr := s.persist(); persistErr != nil {
		log.Error().Err(persistErr).Msg("Failed to persist task state")
	}

	if !ran {
		s.emit(Event{Action: EventActionSkipped, TaskID: id, Status: "skipped"})
	} else {
		s.emit(Event{
			Action:      EventActionFinished,
			TaskID:      id,
			Status:      task.State.LastStatus,
			Error:       task.State.LastError,
			DurationMs:  Int64Ptr(durationMs),
			NextRunAtMs: task.State.NextRunAtMs,
		})
	}

	if task.DeleteAfterRun && ran && runErr == nil {
		log.Info().Str("taskId", id).Msg("Deleting task after successful run")
		s.cancelTaskLocked(id)
		delete(s.tasks, id)
		if persistErr := s.persist(); persistErr != nil {
			log.Error().Err(persistErr).Msg("Failed to persist after delete")
		}
		s.emit(Event{Action: EventActionDeleted, TaskID: id})
		return
	}

	if task.Enabled && task.State.NextRunAtMs != nil && !s.stopped {
		s.cancelTaskLocked(id)
		s.scheduleTaskLocked(task)
	}
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

func taskLabel(task Task) string {
	if task.Name != "" {
		return fmt.Sprintf("cron task %q (%s)", task.Name, task.ID)
	}
	return fmt.Sprintf("cron task %s", task.ID)
}

// loadTasks loads tasks from storage
func (s *Service) loadTasks() error {
	if _, err := os.Stat(s.options.StorePath); os.IsNotExist(err) {
		log.Info().Msg("No existing task registry, starting with empty registry")
		return nil
	}

	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		return fmt.Errorf("failed to read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to parse tasks file: %w", err)
	}

	s.tasks = make(map[string]*Task)
	for _, task := range tasks {
		// A crash mid-run must not wedge the task forever.
		task.State.RunningAtMs = nil
		s.tasks[task.ID] = task
	}

	log.Info().Int("count", len(tasks)).Msg("Loaded tasks from registry")

	return nil
}

// persist saves tasks to storage
func (s *Service) persist() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	dir := filepath.Dir(s.options.StorePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	log.Debug().Int("count", len(tasks)).Msg("Persisted tasks to registry")

	return nil
}
