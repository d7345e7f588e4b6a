package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTask is returned when no task matches the given id.
var ErrUnknownTask = errors.New("unknown task")

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task is a scheduled prompt bound to a workspace folder.
type Task struct {
	ID           string     `json:"id"`
	Folder       string     `json:"folder"`
	ScheduleKind string     `json:"schedule_kind"`
	ScheduleExpr string     `json:"schedule_expr"`
	Prompt       string     `json:"prompt"`
	ContextMode  string     `json:"context_mode"`
	Enabled      bool       `json:"enabled"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TaskRun records one firing of a task.
type TaskRun struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail"`
}

// CreateTask inserts a task, assigning an id when absent.
func (s *Store) CreateTask(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Folder == "" {
		return "", fmt.Errorf("task requires a folder")
	}
	switch t.ScheduleKind {
	case ScheduleCron, ScheduleInterval, ScheduleOnce:
	default:
		return "", fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, folder, schedule_kind, schedule_expr, prompt, context_mode, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			t.ID, t.Folder, t.ScheduleKind, t.ScheduleExpr, t.Prompt, t.ContextMode, boolToInt(t.Enabled), nullableTime(t.NextRunAt),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

func (s *Store) TaskByID(ctx context.Context, id string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, folder, schedule_kind, schedule_expr, prompt, context_mode, enabled, next_run_at, last_run_at, last_status, created_at
		FROM tasks WHERE id = ?;`, id))
}

func (s *Store) ListTasks(ctx context.Context, folder string) ([]Task, error) {
	query := `
		SELECT id, folder, schedule_kind, schedule_expr, prompt, context_mode, enabled, next_run_at, last_run_at, last_status, created_at
		FROM tasks`
	var args []any
	if folder != "" {
		query += ` WHERE folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY created_at;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DueTasks returns enabled tasks whose next_run_at is at or before now,
// oldest due first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder, schedule_kind, schedule_expr, prompt, context_mode, enabled, next_run_at, last_run_at, last_status, created_at
		FROM tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// SetTaskNextRun records the next firing instant. A nil next disables further
// scheduling (used after a once task fires).
func (s *Store) SetTaskNextRun(ctx context.Context, id string, next *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		enabled := 1
		if next == nil {
			enabled = 0
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_run_at = ?, enabled = enabled & ? WHERE id = ?;`,
			nullableTime(next), enabled, id)
		if err != nil {
			return fmt.Errorf("set task next run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUnknownTask
		}
		return nil
	})
}

func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET enabled = ? WHERE id = ?;`, boolToInt(enabled), id)
		if err != nil {
			return fmt.Errorf("set task enabled: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUnknownTask
		}
		return nil
	})
}

// SetTaskLastStatus stamps last_status without opening a run record. Skipped
// heartbeat beats use it so the skip is visible next to real runs.
func (s *Store) SetTaskLastStatus(ctx context.Context, id, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET last_status = ? WHERE id = ?;`, status, id)
		if err != nil {
			return fmt.Errorf("set task status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUnknownTask
		}
		return nil
	})
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUnknownTask
		}
		return nil
	})
}

// StartTaskRun records the beginning of a firing and stamps last_run_at.
func (s *Store) StartTaskRun(ctx context.Context, taskID string, startedAt time.Time) (string, error) {
	runID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs (id, task_id, started_at, status) VALUES (?, ?, ?, 'running');`,
			runID, taskID, startedAt.UTC()); err != nil {
			return fmt.Errorf("insert task run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET last_run_at = ?, last_status = 'running' WHERE id = ?;`,
			startedAt.UTC(), taskID); err != nil {
			return fmt.Errorf("stamp last run: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// FinishTaskRun closes out a firing with its terminal status.
func (s *Store) FinishTaskRun(ctx context.Context, runID, status, detail string, finishedAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var taskID string
		if err := tx.QueryRowContext(ctx,
			`SELECT task_id FROM task_runs WHERE id = ?;`, runID,
		).Scan(&taskID); err != nil {
			return fmt.Errorf("find task run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET finished_at = ?, status = ?, detail = ? WHERE id = ?;`,
			finishedAt.UTC(), status, detail, runID); err != nil {
			return fmt.Errorf("finish task run: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET last_status = ? WHERE id = ?;`, status, taskID); err != nil {
			return fmt.Errorf("stamp last status: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error) {
	query := `
		SELECT id, task_id, started_at, finished_at, status, detail
		FROM task_runs WHERE task_id = ? ORDER BY started_at DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StartedAt, &finished, &r.Status, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// KVSet stores an arbitrary host value (update dedupe stamps, staged update
// markers).
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP;`, key, value)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet returns the stored value or "" when absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return v, nil
}

func scanTask(row *sql.Row) (Task, error) {
	var t Task
	var enabled int
	var next, last sql.NullTime
	err := row.Scan(&t.ID, &t.Folder, &t.ScheduleKind, &t.ScheduleExpr, &t.Prompt, &t.ContextMode, &enabled, &next, &last, &t.LastStatus, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrUnknownTask
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Enabled = enabled != 0
	if next.Valid {
		t.NextRunAt = &next.Time
	}
	if last.Valid {
		t.LastRunAt = &last.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		var enabled int
		var next, last sql.NullTime
		if err := rows.Scan(&t.ID, &t.Folder, &t.ScheduleKind, &t.ScheduleExpr, &t.Prompt, &t.ContextMode, &enabled, &next, &last, &t.LastStatus, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Enabled = enabled != 0
		if next.Valid {
			t.NextRunAt = &next.Time
		}
		if last.Valid {
			t.LastRunAt = &last.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
