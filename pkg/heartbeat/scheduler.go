package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nanny/internal/config"
	"github.com/harun/nanny/internal/observability"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/gate"
	"github.com/harun/nanny/pkg/session"
)

const defaultInterval = 30 * time.Minute

var taskIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Scheduler fires all tasks together on one fixed interval.
type Scheduler struct {
	tasks   map[string]*Task
	options SchedulerOptions

	mu        sync.Mutex
	timer     *time.Timer
	started   bool
	stopped   bool
	running   bool
	nextRunAt *time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler and loads persisted tasks.
func NewScheduler(options SchedulerOptions) (*Scheduler, error) {
	if options.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if options.OnRun == nil {
		return nil, fmt.Errorf("run callback is required")
	}
	if options.Interval <= 0 {
		options.Interval = defaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:   make(map[string]*Task),
		options: options,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadTasks(); err != nil {
		log.Warn().Err(err).Msg("Failed to load heartbeat tasks, starting fresh")
	}

	log.Info().
		Int("taskCount", len(s.tasks)).
		Dur("interval", options.Interval).
		Msg("Heartbeat scheduler initialized")

	return s, nil
}

// Start arms the interval timer. The first batch fires one full
// interval from now.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.scheduleNextLocked()
}

// Stop cancels the timer and persists state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.persistLocked(); err != nil {
		log.Error().Err(err).Msg("Failed to persist heartbeat tasks on shutdown")
	}
	log.Info().Msg("Heartbeat scheduler stopped")
}

// RunNow fires a cycle immediately, optionally restricted to the given
// task ids. It blocks until the cycle finishes.
func (s *Scheduler) RunNow(taskIDs []string) RunReport {
	return s.runOnce(taskIDs)
}

// CreateTask adds a task, deriving an id from the title when none is
// provided. An existing id is an error unless Overwrite is set.
func (s *Scheduler) CreateTask(params CreateParams) (*Task, error) {
	title := strings.TrimSpace(params.Title)
	prompt := strings.TrimSpace(params.Prompt)
	if title == "" {
		return nil, fmt.Errorf("%w: heartbeat title is required", session.ErrValidation)
	}
	if prompt == "" {
		return nil, fmt.Errorf("%w: heartbeat prompt is required", session.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taskID := strings.TrimSpace(params.ID)
	if taskID != "" && !taskIDPattern.MatchString(taskID) {
		return nil, fmt.Errorf("%w: heartbeat id contains invalid characters", session.ErrValidation)
	}
	if taskID == "" {
		taskID = s.generateTaskIDLocked(title)
	}

	now := time.Now().UnixMilli()
	if existing, ok := s.tasks[taskID]; ok {
		if !params.Overwrite {
			return nil, fmt.Errorf("%w: heartbeat already exists: %s", session.ErrValidation, taskID)
		}
		existing.Title = title
		existing.Prompt = prompt
		existing.Gate = params.Gate
		existing.UpdatedAtMs = now
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("failed to persist heartbeat task: %w", err)
		}
		snapshot := *existing
		return &snapshot, nil
	}

	task := &Task{
		ID:          taskID,
		Title:       title,
		Prompt:      prompt,
		Gate:        params.Gate,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	s.tasks[taskID] = task

	if err := s.persistLocked(); err != nil {
		delete(s.tasks, taskID)
		return nil, fmt.Errorf("failed to persist heartbeat task: %w", err)
	}

	log.Info().Str("taskId", taskID).Str("title", title).Msg("Heartbeat task created")

	snapshot := *task
	return &snapshot, nil
}

// DeleteTask removes a task. Returns false when no such task exists.
func (s *Scheduler) DeleteTask(taskID string) (bool, error) {
	if !taskIDPattern.MatchString(taskID) {
		return false, fmt.Errorf("%w: heartbeat id contains invalid characters", session.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return false, nil
	}
	delete(s.tasks, taskID)
	if err := s.persistLocked(); err != nil {
		return true, fmt.Errorf("failed to persist heartbeat tasks: %w", err)
	}
	return true, nil
}

// ListTasks returns all tasks sorted by creation time.
func (s *Scheduler) ListTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
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

// GetTask returns a snapshot of one task, or nil.
func (s *Scheduler) GetTask(taskID string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	snapshot := *task
	return &snapshot
}

// Interval returns the configured cycle interval.
func (s *Scheduler) Interval() time.Duration {
	return s.options.Interval
}

// NextRunAt returns the time of the next scheduled cycle, or nil when
// the scheduler is not armed.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRunAt == nil {
		return nil
	}
	t := *s.nextRunAt
	return &t
}

func (s *Scheduler) generateTaskIDLocked(title string) string {
	base := slugify(title)
	if base == "" {
		base = "heartbeat"
	}
	candidate := base
	suffix := 2
	for {
		if _, ok := s.tasks[candidate]; !ok {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, suffix)
		suffix++
	}
}

func (s *Scheduler) scheduleNextLocked() {
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	next := time.Now().Add(s.options.Interval)
	s.nextRunAt = &next
	s.timer = time.AfterFunc(s.options.Interval, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.runOnce(nil)

	s.mu.Lock()
	s.scheduleNextLocked()
	s.mu.Unlock()
}

// runOnce executes one cycle under the config read lock so a reload
// cannot land mid-batch.
func (s *Scheduler) runOnce(taskIDs []string) RunReport {
	if s.options.Config != nil {
		var report RunReport
		s.options.Config.InReadLock(func(cfg *config.Config) {
			report = s.runCycle(taskIDs)
		})
		return report
	}
	return s.runCycle(taskIDs)
}

func (s *Scheduler) runCycle(taskIDs []string) RunReport {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		log.Debug().Msg("Heartbeat run skipped, already running")
		return RunReport{}
	}
	s.running = true

	selected := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if len(taskIDs) > 0 && !containsID(taskIDs, task.ID) {
			continue
		}
		selected = append(selected, *task)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if len(selected) == 0 {
		return RunReport{}
	}

	gated := s.filterByGate(selected)
	if len(gated) == 0 {
		return RunReport{}
	}

	runAt := time.Now()
	runAtMs := runAt.UnixMilli()
	ids := make([]string, 0, len(gated))
	for _, task := range gated {
		ids = append(ids, task.ID)
	}

	log.Info().Int("taskCount", len(gated)).Strs("taskIds", ids).Msg("Heartbeat run started")

	runErr := s.options.OnRun(s.ctx, gated, runAt)
	if runErr != nil {
		log.Warn().Err(runErr).Strs("taskIds", ids).Msg("Heartbeat run failed")
	}
	observability.RecordSchedulerRun("heartbeat", runErr == nil)

	// Delivery errors still count as a run; only gate skips leave
	// LastRunAtMs untouched.
	s.mu.Lock()
	for _, ran := range gated {
		task, ok := s.tasks[ran.ID]
		if !ok {
			continue
		}
		ts := runAtMs
		task.LastRunAtMs = &ts
		task.UpdatedAtMs = runAtMs
	}
	if err := s.persistLocked(); err != nil {
		log.Error().Err(err).Msg("Failed to persist heartbeat run state")
	}
	s.mu.Unlock()

	if s.options.OnTaskComplete != nil {
		for _, task := range gated {
			ts := runAtMs
			task.LastRunAtMs = &ts
			s.options.OnTaskComplete(task, runAt)
		}
	}
	observability.RecordSchedulerTask("heartbeat", "ran")

	log.Info().Int("taskCount", len(gated)).Strs("taskIds", ids).Msg("Heartbeat run completed")

	return RunReport{Ran: len(gated), TaskIDs: ids}
}

// filterByGate keeps the tasks whose capability requirements are
// satisfied, asking for approval once per missing gate. A denial or
// timeout drops the task from this cycle only.
func (s *Scheduler) filterByGate(tasks []Task) []Task {
	eligible := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Gate == nil || task.Gate.Empty() {
			eligible = append(eligible, task)
			continue
		}

		grants := s.resolveGrants()
		missing := gate.Check(grants, *task.Gate)
		if len(missing) > 0 {
			log.Warn().
				Str("taskId", task.ID).
				Int("missing", len(missing)).
				Msg("Heartbeat gate permissions missing, requesting approval")

			granted, err := s.requestGate(task, missing)
			if err != nil {
				log.Warn().Err(err).Str("taskId", task.ID).Msg("Heartbeat gate request failed")
				continue
			}
			if !granted {
				log.Debug().Str("taskId", task.ID).Msg("Heartbeat skipped, gate denied or timed out")
				observability.RecordSchedulerTask("heartbeat", "skipped")
				continue
			}

			grants = s.resolveGrants()
			missing = gate.Check(grants, *task.Gate)
			if len(missing) > 0 {
				log.Warn().Str("taskId", task.ID).Msg("Heartbeat skipped, gate permissions still missing")
				observability.RecordSchedulerTask("heartbeat", "skipped")
				continue
			}
		}
		eligible = append(eligible, task)
	}
	return eligible
}

func (s *Scheduler) requestGate(task Task, missing []connector.PermissionAccess) (bool, error) {
	if s.options.Gate == nil {
		return false, nil
	}
	label := fmt.Sprintf("heartbeat task %q (%s)", task.Title, task.ID)
	if task.Title == "" {
		label = fmt.Sprintf("heartbeat task %s", task.ID)
	}
	return s.options.Gate.Request(s.ctx, label, missing)
}

func (s *Scheduler) resolveGrants() session.Grants {
	if s.options.ResolveGrants == nil {
		return session.Grants{}
	}
	return s.options.ResolveGrants()
}

func (s *Scheduler) loadTasks() error {
	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return err
	}
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return nil
}

func (s *Scheduler) persistLocked() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	for i := 0; i < len(tasks)-1; i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasks[j].CreatedAtMs < tasks[i].CreatedAtMs {
				tasks[i], tasks[j] = tasks[j], tasks[i]
			}
		}
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.options.StorePath), 0755); err != nil {
		return err
	}
	tempPath := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.options.StorePath)
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(slug, "-")
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
