package metrics

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
)

// Sandbox bindings used to time a unit of work
const (
	startBinding    = "metrics.started_at"
	kindBinding     = "metrics.kind"
	recordedBinding = "metrics.recorded"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector exposes worker metrics in Prometheus format
type Collector struct {
	registry *prometheus.Registry

	units         *prometheus.CounterVec
	workerErrors  prometheus.Counter
	duration      *prometheus.HistogramVec
	workersBooted prometheus.Gauge
	residentBytes prometheus.Gauge
	tasks         *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry. Go runtime and
// process metrics are included.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resident_units_total",
				Help: "Units of work handled, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		workerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resident_worker_errors_total",
				Help: "Failures contained by workers",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resident_unit_duration_seconds",
				Help:    "Time from receiving a unit of work to its termination",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"kind"},
		),
		workersBooted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resident_workers_booted",
				Help: "Workers with a booted application",
			},
		),
		residentBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resident_process_resident_memory_bytes",
				Help: "Resident set size sampled by the worker pool",
			},
		),
		tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resident_tasks",
				Help: "Tasks in the queue, by status",
			},
			[]string{"status"},
		),
	}

	c.registry.MustRegister(
		c.units,
		c.workerErrors,
		c.duration,
		c.workersBooted,
		c.residentBytes,
		c.tasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteText writes every metric in the text exposition format
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// ObserveMemory records the sampled resident set size
func (c *Collector) ObserveMemory(bytes uint64) {
	c.residentBytes.Set(float64(bytes))
}

// SetTasks records the number of queued tasks in status
func (c *Collector) SetTasks(status string, n int) {
	c.tasks.WithLabelValues(status).Set(float64(n))
}

// Register adds the collector's listeners to bus
func (c *Collector) Register(bus *events.Bus) {
	events.Listen(bus, func(ctx context.Context, e events.WorkerStarting) error {
		c.workersBooted.Inc()
		return nil
	})
	events.Listen(bus, func(ctx context.Context, e events.WorkerStopping) error {
		c.workersBooted.Dec()
		return nil
	})

	events.Listen(bus, func(ctx context.Context, e events.RequestReceived) error {
		return start(e.Sandbox, "request")
	})
	events.Listen(bus, func(ctx context.Context, e events.TaskReceived) error {
		return start(e.Sandbox, "task")
	})
	events.Listen(bus, func(ctx context.Context, e events.TickReceived) error {
		return start(e.Sandbox, "tick")
	})

	events.Listen(bus, func(ctx context.Context, e events.RequestTerminated) error {
		c.finish(ctx, e.Sandbox, OutcomeSuccess)
		return nil
	})
	events.Listen(bus, func(ctx context.Context, e events.TaskTerminated) error {
		c.finish(ctx, e.Sandbox, OutcomeSuccess)
		return nil
	})
	events.Listen(bus, func(ctx context.Context, e events.TickTerminated) error {
		c.finish(ctx, e.Sandbox, OutcomeSuccess)
		return nil
	})

	events.Listen(bus, func(ctx context.Context, e events.WorkerErrorOccurred) error {
		c.workerErrors.Inc()
		if e.Continuing {
			// recorded by the terminated event
			return nil
		}
		c.finish(ctx, e.App, OutcomeFailure)
		return nil
	})
}

func start(sandbox *container.Container, kind string) error {
	if sandbox == nil {
		return nil
	}
	if err := sandbox.Instance(kindBinding, kind); err != nil {
		return err
	}
	return sandbox.Instance(startBinding, time.Now())
}

// finish records a unit of work once, whichever of its terminated or error
// events comes first. Continuing errors never finish a unit.
func (c *Collector) finish(ctx context.Context, sandbox *container.Container, outcome string) {
	if sandbox == nil || !sandbox.Bound(startBinding) || sandbox.Bound(recordedBinding) {
		return
	}
	kind, err := container.Resolve[string](ctx, sandbox, kindBinding)
	if err != nil {
		return
	}
	started, err := container.Resolve[time.Time](ctx, sandbox, startBinding)
	if err != nil {
		return
	}
	if err := sandbox.Instance(recordedBinding, true); err != nil {
		return
	}

	c.units.WithLabelValues(kind, outcome).Inc()
	c.duration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
