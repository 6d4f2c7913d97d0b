package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/resident/pkg/codec"
	"github.com/psantana5/resident/pkg/models"
	"github.com/psantana5/resident/pkg/worker"
)

// ErrUnknownTask is returned for a task name with no registered handler
var ErrUnknownTask = errors.New("unknown task")

// Handler runs a task payload. The payload is the raw CBOR document.
type Handler func(ctx context.Context, payload []byte) (any, error)

// Typed adapts a function taking a decoded payload to a Handler
func Typed[P any](fn func(ctx context.Context, payload P) (any, error)) Handler {
	return func(ctx context.Context, payload []byte) (any, error) {
		var p P
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("invalid payload: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

// Registry maps task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Has reports whether name has a handler
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered task names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Task builds the worker task that runs record
func (r *Registry) Task(record *models.Task) (*Job, error) {
	r.mu.RLock()
	handler, ok := r.handlers[record.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, record.Name)
	}
	return &Job{Record: record, handler: handler}, nil
}

// Job is a stored task ready to run on a worker
type Job struct {
	Record  *models.Task
	handler Handler
}

var _ worker.Task = (*Job)(nil)

// Run calls the task's handler with its payload
func (j *Job) Run(ctx context.Context) (any, error) {
	return j.handler(ctx, j.Record.Payload)
}

// String identifies the job in logs
func (j *Job) String() string {
	return fmt.Sprintf("%s[%s]", j.Record.Name, j.Record.ID)
}
