package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/resident/pkg/models"
)

const taskColumns = `id, name, payload, status, attempts, max_attempts, result, error,
	created_at, updated_at, started_at, finished_at`

// sqlStore implements Store on database/sql. SQLite and PostgreSQL differ
// only in placeholders and row locking.
type sqlStore struct {
	db        *sql.DB
	numbered  bool   // $1 placeholders instead of ?
	claimLock string // row lock suffix for the claim select
	rowLock   string // row lock suffix for updates by id
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var status string
	var result []byte
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Name, &task.Payload, &status, &task.Attempts, &task.MaxAttempts,
		&result, &errMsg, &task.CreatedAt, &task.UpdatedAt, &startedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)
	task.Result = result
	task.Error = errMsg.String
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		task.FinishedAt = &t
	}
	return &task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Enqueue stores a new queued task
func (s *sqlStore) Enqueue(ctx context.Context, task *models.Task) error {
	query := s.q(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.Name, task.Payload, string(task.Status), task.Attempts, task.MaxAttempts,
		task.Result, task.Error, task.CreatedAt, task.UpdatedAt,
		nullTime(task.StartedAt), nullTime(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Claim moves the oldest queued task to running
func (s *sqlStore) Claim(ctx context.Context) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := s.q(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? ORDER BY created_at, id LIMIT 1` + s.claimLock)
	task, err := scanTask(tx.QueryRowContext(ctx, query, string(models.TaskStatusQueued)))
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if err := task.Transition(models.TaskStatusRunning, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete marks a running task completed
func (s *sqlStore) Complete(ctx context.Context, id string, result []byte) (*models.Task, error) {
	return s.update(ctx, id, func(task *models.Task) error {
		if err := task.Transition(models.TaskStatusCompleted, time.Now().UTC()); err != nil {
			return err
		}
		task.Result = result
		task.Error = ""
		return nil
	})
}

// Fail records a failed attempt
func (s *sqlStore) Fail(ctx context.Context, id string, errMsg string) (*models.Task, error) {
	return s.update(ctx, id, func(task *models.Task) error {
		next := models.TaskStatusFailed
		if task.CanRetry() {
			next = models.TaskStatusQueued
		}
		if err := task.Transition(next, time.Now().UTC()); err != nil {
			return err
		}
		task.Error = errMsg
		return nil
	})
}

func (s *sqlStore) update(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := s.q(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?` + s.rowLock)
	task, err := scanTask(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := mutate(task); err != nil {
		return nil, err
	}
	if err := s.save(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *sqlStore) save(ctx context.Context, tx *sql.Tx, task *models.Task) error {
	query := s.q(`UPDATE tasks
		SET status = ?, attempts = ?, result = ?, error = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`)

	res, err := tx.ExecContext(ctx, query,
		string(task.Status), task.Attempts, task.Result, task.Error, task.UpdatedAt,
		nullTime(task.StartedAt), nullTime(task.FinishedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Get retrieves a task by ID
func (s *sqlStore) Get(ctx context.Context, id string) (*models.Task, error) {
	query := s.q(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

// List returns tasks newest first
func (s *sqlStore) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Stats counts tasks by status
func (s *sqlStore) Stats(ctx context.Context) (models.TaskStats, error) {
	var stats models.TaskStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		countStatus(&stats, models.TaskStatus(status), n)
	}
	return stats, rows.Err()
}

// DeleteFinishedBefore removes old completed and failed tasks
func (s *sqlStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.q(`DELETE FROM tasks WHERE status IN (?, ?) AND finished_at < ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(models.TaskStatusCompleted), string(models.TaskStatusFailed), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
