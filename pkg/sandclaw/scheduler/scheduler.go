// Package scheduler runs durable scheduled tasks. It is a poll-driven
// loop over the database: every tick it asks the store for due tasks,
// dispatches each through the orchestrator, and persists the outcome.
// The store is authoritative; the scheduler keeps no task state in
// memory across cycles.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/dispatch"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// Runner executes one agent run for a due task. Implemented by the
// dispatch orchestrator.
type Runner interface {
	Dispatch(ctx context.Context, t dispatch.Trigger) (*dispatch.RunResult, error)
}

// Options configure the scheduler loop.
type Options struct {
	// PollInterval is how often due tasks are computed.
	PollInterval time.Duration

	// RunLogRetention is how long run logs are kept. Zero disables
	// the retention sweep.
	RunLogRetention time.Duration
}

// Scheduler polls for due tasks and runs them.
type Scheduler struct {
	store  *store.Store
	runner Runner
	opts   Options
	logger *slog.Logger

	// running guards against a second run of the same task starting
	// while the previous one is still in flight: next_run only
	// advances after completion, so a slow run can span poll ticks.
	running map[string]bool

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler over the given store and runner.
func New(st *store.Store, runner Runner, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Scheduler{
		store:   st,
		runner:  runner,
		opts:    opts,
		logger:  logger.With("component", "scheduler"),
		running: make(map[string]bool),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("scheduler started", "poll_interval", s.opts.PollInterval)
}

// Stop cancels the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// ---------- Task service (tool calls and CLI) ----------

// Create validates and persists a new task. The initial next_run is
// computed from the schedule at creation time.
func (s *Scheduler) Create(groupKey string, spec dispatch.TaskSpec) (*store.Task, error) {
	if groupKey == "" {
		return nil, fmt.Errorf("group key is required")
	}
	if spec.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if err := ValidateSchedule(spec.ScheduleType, spec.ScheduleValue); err != nil {
		return nil, err
	}

	contextMode := spec.ContextMode
	if contextMode == "" {
		contextMode = store.ContextGroup
	}
	switch contextMode {
	case store.ContextGroup, store.ContextIsolated:
	default:
		return nil, fmt.Errorf("unknown context mode %q", contextMode)
	}

	now := time.Now()
	next, err := FirstRun(spec.ScheduleType, spec.ScheduleValue, now)
	if err != nil {
		return nil, err
	}

	task := &store.Task{
		ID:            uuid.NewString(),
		GroupKey:      groupKey,
		ChatID:        spec.ChatID,
		Prompt:        spec.Prompt,
		ScheduleType:  spec.ScheduleType,
		ScheduleValue: spec.ScheduleValue,
		ContextMode:   contextMode,
		Status:        store.StatusActive,
		NextRun:       next,
		CreatedAt:     now,
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, err
	}

	s.logger.Info("task created",
		"id", task.ID,
		"group", groupKey,
		"schedule_type", spec.ScheduleType,
		"schedule_value", spec.ScheduleValue,
		"next_run", next.Format(time.RFC3339),
	)
	return task, nil
}

// List returns a group's tasks.
func (s *Scheduler) List(groupKey string) ([]*store.Task, error) {
	return s.store.ListTasks(groupKey)
}

// Pause stops an active task from being scheduled.
func (s *Scheduler) Pause(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status == store.StatusCompleted {
		return fmt.Errorf("task %q is already completed", id)
	}
	task.Status = store.StatusPaused
	return s.store.UpdateTask(task)
}

// Resume reactivates a paused task. A task without a next_run gets a
// fresh one computed from its schedule.
func (s *Scheduler) Resume(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != store.StatusPaused {
		return fmt.Errorf("task %q is not paused", id)
	}
	task.Status = store.StatusActive
	if task.NextRun == nil {
		next, err := FirstRun(task.ScheduleType, task.ScheduleValue, time.Now())
		if err != nil {
			return err
		}
		task.NextRun = next
	}
	return s.store.UpdateTask(task)
}

// Cancel deletes a task and its entire run history.
func (s *Scheduler) Cancel(id string) error {
	return s.store.DeleteTask(id)
}

// ---------- Internal ----------

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var lastPrune time.Time

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())

			if s.opts.RunLogRetention > 0 && time.Since(lastPrune) > time.Hour {
				lastPrune = time.Now()
				s.pruneRunLogs()
			}
		}
	}
}

// tick runs every due task. Storage errors abort only the current
// cycle; state was not advanced, so the next poll retries naturally.
func (s *Scheduler) tick(now time.Time) {
	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("due-task query failed", "error", err)
		return
	}

	for _, task := range due {
		s.mu.Lock()
		if s.running[task.ID] {
			s.mu.Unlock()
			continue
		}
		s.running[task.ID] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(t *store.Task) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.running, t.ID)
				s.mu.Unlock()
			}()
			s.runOne(t)
		}(task)
	}
}

// runOne dispatches one task and records the outcome: one run-log row
// per attempt plus a single task update carrying next_run, last_run,
// last_result, and status together.
func (s *Scheduler) runOne(task *store.Task) {
	s.logger.Info("running scheduled task",
		"id", task.ID, "group", task.GroupKey, "type", task.ScheduleType)

	started := time.Now()
	result, err := s.runner.Dispatch(s.ctx, dispatch.Trigger{
		GroupKey:    task.GroupKey,
		ChatID:      task.ChatID,
		Prompt:      task.Prompt,
		ContextMode: task.ContextMode,
		Source:      dispatch.SourceScheduledTask,
	})
	completed := time.Now()

	runLog := &store.RunLog{
		TaskID:   task.ID,
		RunAt:    started,
		Duration: completed.Sub(started),
	}

	var summary string
	switch {
	case err != nil:
		runLog.Status = store.RunFailure
		runLog.Error = err.Error()
		summary = "failed: " + err.Error()
	case !result.OK():
		runLog.Status = store.RunFailure
		runLog.Result = result.Output
		runLog.Error = runFailureText(result)
		summary = "failed: " + runLog.Error
	default:
		runLog.Status = store.RunSuccess
		runLog.Result = result.Output
		summary = "ok"
	}

	if err := s.store.AppendRunLog(runLog); err != nil {
		s.logger.Error("run log append failed", "task", task.ID, "error", err)
	}

	// A failed run does not change a recurring task's cadence; only
	// a once task is terminal regardless of outcome.
	next, nextErr := NextAfterRun(task.ScheduleType, task.ScheduleValue, completed)
	if nextErr != nil {
		s.logger.Error("next-run computation failed",
			"task", task.ID, "error", nextErr)
		next = nil
	}

	task.NextRun = next
	task.LastRun = &completed
	task.LastResult = summary
	if next == nil {
		task.Status = store.StatusCompleted
	}

	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error("task update failed", "task", task.ID, "error", err)
		return
	}

	s.logger.Info("scheduled task finished",
		"id", task.ID,
		"status", runLog.Status,
		"duration", runLog.Duration.Round(time.Millisecond),
		"next_run", formatNext(next),
	)
}

func (s *Scheduler) pruneRunLogs() {
	cutoff := time.Now().Add(-s.opts.RunLogRetention)
	n, err := s.store.PruneRunLogs(cutoff)
	if err != nil {
		s.logger.Error("run log prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("run logs pruned", "removed", n)
	}
}

func runFailureText(r *dispatch.RunResult) string {
	if r.Failure != "" {
		return r.Failure
	}
	return fmt.Sprintf("exit code %d", r.ExitCode)
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
