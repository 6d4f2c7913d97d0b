package worker

import "context"

// Task is a background unit of work
type Task interface {
	Run(ctx context.Context) (any, error)
}

// TaskFunc adapts a function to Task
type TaskFunc func(ctx context.Context) (any, error)

// Run calls f(ctx)
func (f TaskFunc) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// TaskResult is the outcome of HandleTask. Value is nil when the task failed.
type TaskResult struct {
	Value  any
	Failed bool
	Err    string
}
