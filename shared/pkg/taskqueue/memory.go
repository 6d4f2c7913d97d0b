package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/resident/pkg/models"
)

// MemoryStore keeps tasks in process memory
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	order []string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
	}
}

// Enqueue stores a new queued task
func (s *MemoryStore) Enqueue(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	s.order = append(s.order, task.ID)
	return nil
}

// Claim moves the oldest queued task to running
func (s *MemoryStore) Claim(ctx context.Context) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != models.TaskStatusQueued {
			continue
		}
		if err := task.Transition(models.TaskStatusRunning, time.Now().UTC()); err != nil {
			return nil, err
		}
		return cloneTask(task), nil
	}
	return nil, nil
}

// Complete marks a running task completed
func (s *MemoryStore) Complete(ctx context.Context, id string, result []byte) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := task.Transition(models.TaskStatusCompleted, time.Now().UTC()); err != nil {
		return nil, err
	}
	task.Result = bytes.Clone(result)
	task.Error = ""
	return cloneTask(task), nil
}

// Fail records a failed attempt
func (s *MemoryStore) Fail(ctx context.Context, id string, errMsg string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	next := models.TaskStatusFailed
	if task.CanRetry() {
		next = models.TaskStatusQueued
	}
	if err := task.Transition(next, time.Now().UTC()); err != nil {
		return nil, err
	}
	task.Error = errMsg
	return cloneTask(task), nil
}

// Get retrieves a task by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// List returns tasks newest first
func (s *MemoryStore) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*models.Task
	for i := len(s.order) - 1; i >= 0; i-- {
		task := s.tasks[s.order[i]]
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// Stats counts tasks by status
func (s *MemoryStore) Stats(ctx context.Context) (models.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.TaskStats
	for _, task := range s.tasks {
		countStatus(&stats, task.Status, 1)
	}
	return stats, nil
}

// DeleteFinishedBefore removes old completed and failed tasks
func (s *MemoryStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.order[:0]
	for _, id := range s.order {
		task := s.tasks[id]
		if models.IsTerminalState(task.Status) && task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Payload = bytes.Clone(t.Payload)
	c.Result = bytes.Clone(t.Result)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		c.FinishedAt = &finished
	}
	return &c
}

func countStatus(stats *models.TaskStats, status models.TaskStatus, n int) {
	switch status {
	case models.TaskStatusQueued:
		stats.Queued += n
	case models.TaskStatusRunning:
		stats.Running += n
	case models.TaskStatusCompleted:
		stats.Completed += n
	case models.TaskStatusFailed:
		stats.Failed += n
	}
}
