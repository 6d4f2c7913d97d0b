package models

import (
	"fmt"
	"time"
)

// Task states
const (
	TaskStatusQueued    TaskStatus = "queued"    // Waiting to be claimed by a drainer
	TaskStatusRunning   TaskStatus = "running"   // Claimed and handed to a worker
	TaskStatusCompleted TaskStatus = "completed" // Finished successfully
	TaskStatusFailed    TaskStatus = "failed"    // Failed and out of attempts
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusQueued: {
		TaskStatusRunning: true, // Queued → Running (drainer claims task)
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true, // Running → Completed (task returned a value)
		TaskStatusFailed:    true, // Running → Failed (attempts exhausted)
		TaskStatusQueued:    true, // Running → Queued (retry after failure)
	},
	// Terminal states (no transitions allowed)
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to TaskStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state TaskStatus) bool {
	return state == TaskStatusCompleted || state == TaskStatusFailed
}

// Transition moves the task to a new state and stamps the matching
// timestamps
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}

	switch to {
	case TaskStatusRunning:
		t.Attempts++
		t.StartedAt = &now
		t.FinishedAt = nil
	case TaskStatusCompleted, TaskStatusFailed:
		t.FinishedAt = &now
	case TaskStatusQueued:
		t.StartedAt = nil
	}

	t.Status = to
	t.UpdatedAt = now
	return nil
}

// CanRetry reports whether a failed attempt should go back to the queue
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}
