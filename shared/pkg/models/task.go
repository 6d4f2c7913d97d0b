package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a queued task
type TaskStatus string

// Task is a background unit of work waiting in the task queue. Payload and
// Result are CBOR documents.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TaskRequest is the body of an enqueue request
type TaskRequest struct {
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// TaskStats counts tasks by status
type TaskStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the number of tasks in every status
func (s TaskStats) Total() int {
	return s.Queued + s.Running + s.Completed + s.Failed
}

// NewTask creates a queued task
func NewTask(name string, payload []byte, maxAttempts int) *Task {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Name:        name,
		Payload:     payload,
		Status:      TaskStatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
