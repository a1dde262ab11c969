// runlog.go implements the append-only task execution log.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run statuses recorded in the log.
const (
	RunSuccess = "success"
	RunFailure = "failure"
)

// RunLog is one execution record for a scheduled task. Rows are never
// mutated after insert; old rows are removed by the retention sweep.
type RunLog struct {
	ID       int64         `json:"id"`
	TaskID   string        `json:"task_id"`
	RunAt    time.Time     `json:"run_at"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// AppendRunLog inserts one execution record.
func (s *Store) AppendRunLog(r *RunLog) error {
	var errCol sql.NullString
	if r.Error != "" {
		errCol = sql.NullString{String: r.Error, Valid: true}
	}

	res, err := s.DB.Exec(`
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID,
		r.RunAt.UTC().Format(time.RFC3339),
		r.Duration.Milliseconds(),
		r.Status,
		r.Result,
		errCol,
	)
	if err != nil {
		return fmt.Errorf("append run log for task %q: %w", r.TaskID, err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListRunLogs returns up to limit recent run logs for a task, newest
// first. A non-positive limit defaults to 20.
func (s *Store) ListRunLogs(taskID string, limit int) ([]*RunLog, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.DB.Query(`
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs for task %q: %w", taskID, err)
	}
	defer rows.Close()

	var logs []*RunLog
	for rows.Next() {
		var (
			r          RunLog
			runAt      string
			durationMs int64
			errCol     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &runAt, &durationMs, &r.Status, &r.Result, &errCol); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		r.RunAt, _ = time.Parse(time.RFC3339, runAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if errCol.Valid {
			r.Error = errCol.String
		}
		logs = append(logs, &r)
	}
	return logs, rows.Err()
}

// PruneRunLogs deletes run logs older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PruneRunLogs(olderThan time.Time) (int64, error) {
	res, err := s.DB.Exec(
		"DELETE FROM task_run_logs WHERE run_at < ?",
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune run logs: %w", err)
	}
	return res.RowsAffected()
}
