// tasks.go implements CRUD and due-task queries for scheduled tasks.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Task is a unit of recurring or one-shot future work.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// GroupKey is the owning group.
	GroupKey string `json:"group_key"`

	// ChatID is the target chat for the task's agent run.
	ChatID string `json:"chat_id"`

	// Prompt is the instruction given to the agent on each run.
	Prompt string `json:"prompt"`

	// ScheduleType is "cron", "interval", or "once".
	ScheduleType string `json:"schedule_type"`

	// ScheduleValue is the type-specific schedule string: a cron
	// expression, an interval in milliseconds, or a timestamp.
	ScheduleValue string `json:"schedule_value"`

	// ContextMode is "group" (reuse chat history) or "isolated".
	ContextMode string `json:"context_mode"`

	// Status is "active", "paused", or "completed".
	Status string `json:"status"`

	// NextRun is when the task is next due. Nil iff the task is
	// completed or has no further occurrences.
	NextRun *time.Time `json:"next_run,omitempty"`

	// LastRun is when the task last executed.
	LastRun *time.Time `json:"last_run,omitempty"`

	// LastResult is a short summary of the last run's outcome.
	LastResult string `json:"last_result,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	_, err := s.DB.Exec(`
		INSERT INTO scheduled_tasks
			(id, group_key, chat_id, prompt, schedule_type, schedule_value,
			 context_mode, status, next_run, last_run, last_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.GroupKey,
		t.ChatID,
		t.Prompt,
		t.ScheduleType,
		t.ScheduleValue,
		t.ContextMode,
		t.Status,
		nullTime(t.NextRun),
		nullTime(t.LastRun),
		t.LastResult,
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create task %q: %w", t.ID, err)
	}
	return nil
}

// GetTask returns a task by ID, or ErrTaskNotFound.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.DB.QueryRow(taskSelect+" WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}
	return t, nil
}

// ListTasks returns all tasks for a group, newest first. An empty
// groupKey lists every task.
func (s *Store) ListTasks(groupKey string) ([]*Task, error) {
	query := taskSelect + " ORDER BY created_at DESC"
	args := []any{}
	if groupKey != "" {
		query = taskSelect + " WHERE group_key = ? ORDER BY created_at DESC"
		args = append(args, groupKey)
	}

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DueTasks returns active tasks whose next_run is non-null and at or
// before now, earliest first so older work is never starved.
func (s *Store) DueTasks(now time.Time) ([]*Task, error) {
	rows, err := s.DB.Query(taskSelect+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`,
		StatusActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask persists a task's mutable fields as one statement, so a
// run's outcome (next_run/last_run/last_result/status) lands atomically.
func (s *Store) UpdateTask(t *Task) error {
	res, err := s.DB.Exec(`
		UPDATE scheduled_tasks
		SET prompt = ?, schedule_type = ?, schedule_value = ?,
		    context_mode = ?, status = ?, next_run = ?, last_run = ?,
		    last_result = ?
		WHERE id = ?`,
		t.Prompt,
		t.ScheduleType,
		t.ScheduleValue,
		t.ContextMode,
		t.Status,
		nullTime(t.NextRun),
		nullTime(t.LastRun),
		t.LastResult,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %q: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %q: %w", t.ID, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task. Run-log rows cascade via the foreign key.
func (s *Store) DeleteTask(id string) error {
	res, err := s.DB.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ---------- Internal ----------

const taskSelect = `
	SELECT id, group_key, chat_id, prompt, schedule_type, schedule_value,
	       context_mode, status, next_run, last_run, last_result, created_at
	FROM scheduled_tasks`

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t         Task
		nextRun   sql.NullString
		lastRun   sql.NullString
		createdAt string
	)
	if err := sc.Scan(
		&t.ID, &t.GroupKey, &t.ChatID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status,
		&nextRun, &lastRun, &t.LastResult, &createdAt,
	); err != nil {
		return nil, err
	}

	t.NextRun = parseNullTime(nextRun)
	t.LastRun = parseNullTime(lastRun)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
