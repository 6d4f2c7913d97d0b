package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/resident/pkg/models"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store persists queued tasks. Memory, SQLite and PostgreSQL implement it.
type Store interface {
	// Enqueue stores a new queued task
	Enqueue(ctx context.Context, task *models.Task) error
	// Claim moves the oldest queued task to running and returns it.
	// It returns nil when the queue is empty.
	Claim(ctx context.Context) (*models.Task, error)
	// Complete marks a running task completed with its CBOR result
	Complete(ctx context.Context, id string, result []byte) (*models.Task, error)
	// Fail records a failed attempt. The task goes back to the queue while
	// it has attempts left and is marked failed otherwise.
	Fail(ctx context.Context, id string, errMsg string) (*models.Task, error)

	Get(ctx context.Context, id string) (*models.Task, error)
	// List returns tasks newest first. An empty status lists every task.
	List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	Stats(ctx context.Context) (models.TaskStats, error)
	// DeleteFinishedBefore removes completed and failed tasks that finished
	// before cutoff
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // File path for SQLite, connection string for PostgreSQL

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path := config.DSN
		if path == "" {
			path = "resident.db"
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
