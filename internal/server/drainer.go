package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/resident/pkg/codec"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/models"
	"github.com/psantana5/resident/pkg/retry"
	"github.com/psantana5/resident/pkg/taskqueue"
	"github.com/psantana5/resident/pkg/tracing"
	"github.com/psantana5/resident/pkg/worker"
)

// TaskRunner runs a task on a worker
type TaskRunner interface {
	HandleTask(ctx context.Context, task worker.Task) (*worker.TaskResult, error)
}

// Drainer moves queued tasks onto workers and records their outcome
type Drainer struct {
	store    taskqueue.Store
	registry *taskqueue.Registry
	runner   TaskRunner
	interval time.Duration
	retry    retry.Config
	logger   *logging.Logger
	tracer   *tracing.Provider
	onStats  func(models.TaskStats)
}

// NewDrainer creates a drainer polling store every interval
func NewDrainer(store taskqueue.Store, registry *taskqueue.Registry, runner TaskRunner, interval time.Duration, logger *logging.Logger) *Drainer {
	return &Drainer{
		store:    store,
		registry: registry,
		runner:   runner,
		interval: interval,
		retry:    retry.DefaultConfig(),
		logger:   logger,
	}
}

// OnStats receives the queue counts after every poll
func (d *Drainer) OnStats(fn func(models.TaskStats)) {
	d.onStats = fn
}

// UseTracer wraps every processed task in a span
func (d *Drainer) UseTracer(p *tracing.Provider) {
	d.tracer = p
}

// Run drains the queue until ctx is cancelled
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("Task drainer started", map[string]interface{}{
		"interval": d.interval.String(),
	})

	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Failed to drain task queue", map[string]interface{}{
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			d.logger.Info("Task drainer stopped")
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce runs queued tasks until the queue is empty and returns how many
// it ran
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	ran := 0
	defer d.reportStats(ctx)

	for ctx.Err() == nil {
		var record *models.Task
		err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
			var err error
			record, err = d.store.Claim(ctx)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("failed to claim task: %w", err)
		}
		if record == nil {
			return ran, nil
		}

		if err := d.process(ctx, record); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, ctx.Err()
}

func (d *Drainer) process(ctx context.Context, record *models.Task) error {
	if d.tracer == nil {
		return d.run(ctx, record)
	}

	var span trace.Span
	ctx, span = d.tracer.StartSpan(ctx, "task.process",
		attribute.String("task.id", record.ID),
		attribute.String("task.name", record.Name),
		attribute.Int("task.attempt", record.Attempts),
	)
	defer span.End()

	err := d.run(ctx, record)
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return err
}

func (d *Drainer) run(ctx context.Context, record *models.Task) error {
	logger := d.logger.WithFields(map[string]interface{}{
		"task_id":   record.ID,
		"task_name": record.Name,
		"attempt":   record.Attempts,
	})

	job, err := d.registry.Task(record)
	if err != nil {
		return d.fail(ctx, logger, record, err.Error())
	}

	result, err := d.runner.HandleTask(ctx, job)
	if err != nil {
		// The pool refused the task; put it back without losing it
		if ferr := d.fail(ctx, logger, record, err.Error()); ferr != nil {
			return ferr
		}
		return fmt.Errorf("failed to run task: %w", err)
	}
	if result.Failed {
		return d.fail(ctx, logger, record, result.Err)
	}

	encoded, err := codec.Marshal(result.Value)
	if err != nil {
		return d.fail(ctx, logger, record, fmt.Sprintf("failed to encode result: %v", err))
	}

	err = retry.Do(ctx, d.retry, func(ctx context.Context) error {
		_, err := d.store.Complete(ctx, record.ID, encoded)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", record.ID, err)
	}
	logger.Debug("Task completed")
	return nil
}

func (d *Drainer) fail(ctx context.Context, logger *logging.Logger, record *models.Task, reason string) error {
	var updated *models.Task
	err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
		var err error
		updated, err = d.store.Fail(ctx, record.ID, reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of task %s: %w", record.ID, err)
	}

	fields := map[string]interface{}{"error": reason, "status": string(updated.Status)}
	if updated.Status == models.TaskStatusFailed {
		logger.Warn("Task failed", fields)
	} else {
		logger.Info("Task will be retried", fields)
	}
	return nil
}

func (d *Drainer) reportStats(ctx context.Context) {
	if d.onStats == nil {
		return
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return
	}
	d.onStats(stats)
}
