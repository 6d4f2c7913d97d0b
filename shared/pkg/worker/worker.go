package worker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
	"github.com/psantana5/resident/pkg/logging"
)

// ApplicationFactory builds the root container and copies it per unit of work
type ApplicationFactory interface {
	CreateApplication(ctx context.Context, seed map[string]any) (*container.Container, error)
	Clone(root *container.Container) *container.Container
}

// RequestHandledFunc runs after a response was sent successfully
type RequestHandledFunc func(ctx context.Context, req *http.Request, resp *Response, sandbox *container.Container) error

// Stats counts the units of work a worker has run
type Stats struct {
	Requests uint64    `json:"requests"`
	Tasks    uint64    `json:"tasks"`
	Ticks    uint64    `json:"ticks"`
	Failures uint64    `json:"failures"`
	BootedAt time.Time `json:"booted_at"`
	Busy     bool      `json:"busy"`
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the worker's logger
func WithLogger(logger *logging.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithGatewayFactory replaces the default ApplicationGateway
func WithGatewayFactory(factory GatewayFactory) Option {
	return func(w *Worker) {
		w.gateways = factory
	}
}

// WithRegistry makes the worker maintain r instead of a private registry
func WithRegistry(r *container.Registry) Option {
	return func(w *Worker) {
		w.registry = r
	}
}

// Worker boots an application once and runs every request, task and tick
// in a sandbox of it. A worker runs one unit of work at a time.
type Worker struct {
	factory  ApplicationFactory
	client   Client
	gateways GatewayFactory
	registry *container.Registry
	logger   *logging.Logger

	mu         sync.RWMutex
	app        *container.Container
	terminated bool
	bootedAt   time.Time
	callbacks  []RequestHandledFunc

	busy     atomic.Bool
	requests atomic.Uint64
	tasks    atomic.Uint64
	ticks    atomic.Uint64
	failures atomic.Uint64
}

// New creates a worker. It must be booted before use.
func New(factory ApplicationFactory, client Client, opts ...Option) *Worker {
	w := &Worker{
		factory:  factory,
		client:   client,
		gateways: NewApplicationGateway,
		registry: container.NewRegistry(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.NewLogger(logging.INFO, false)
		w.logger.SetOutput(os.Stderr)
	}
	return w
}

// Boot creates the root container. The client is seeded as ClientBinding
// alongside seed.
func (w *Worker) Boot(ctx context.Context, seed map[string]any) error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return ErrTerminated
	}
	if w.app != nil {
		w.mu.Unlock()
		return ErrAlreadyBooted
	}

	instances := make(map[string]any, len(seed)+1)
	for name, v := range seed {
		instances[name] = v
	}
	instances[ClientBinding] = w.client

	app, err := w.factory.CreateApplication(ctx, instances)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.app = app
	w.bootedAt = time.Now()
	w.registry.SetRoot(app)
	w.mu.Unlock()

	w.logger.Debug("Worker booted", map[string]interface{}{"container": app.ID()})
	w.dispatch(ctx, app, events.WorkerStarting{App: app})
	return nil
}

// Application returns the root container
func (w *Worker) Application() (*container.Container, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.app == nil {
		return nil, ErrNotBooted
	}
	return w.app, nil
}

// Registry returns the registry the worker repoints around each unit of work
func (w *Worker) Registry() *container.Registry {
	return w.registry
}

// OnRequestHandled registers fn to run after every successfully sent
// response. Callbacks run in registration order.
func (w *Worker) OnRequestHandled(fn RequestHandledFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Handle runs one request. Failures are reported through the client and the
// WorkerErrorOccurred event; the returned error only reports misuse of the
// worker itself.
func (w *Worker) Handle(ctx context.Context, req *http.Request, rc *RequestContext) error {
	app, err := w.enter()
	if err != nil {
		return err
	}
	defer w.leave()

	if static, ok := w.client.(StaticFileServer); ok && static.CanServeRequestAsStaticFile(req, rc) {
		if err := static.ServeStaticFile(ctx, req, rc); err != nil {
			w.logger.Warn("Failed to serve static file", map[string]interface{}{
				"path":  req.URL.Path,
				"error": err.Error(),
			})
		}
		return nil
	}

	w.requests.Add(1)

	sandbox := w.factory.Clone(app)
	restore := w.registry.Swap(sandbox)
	defer func() {
		restore()
		sandbox.Flush()
	}()

	ctx = container.WithContainer(ctx, sandbox)
	req = req.WithContext(ctx)

	responded := false
	err = protect(func() error {
		gateway := w.gateways(app, sandbox)

		resp, err := gateway.Handle(ctx, req)
		if err != nil {
			return err
		}
		if resp == nil {
			return errNoResponse
		}

		responded = true
		if err := w.client.Respond(ctx, rc, resp); err != nil {
			return err
		}

		w.runRequestHandled(ctx, req, resp, sandbox)

		return gateway.Terminate(ctx, req, resp)
	})
	if err != nil {
		w.failures.Add(1)
		w.handleWorkerError(ctx, err, sandbox, req, rc, responded)
	}
	return nil
}

// runRequestHandled runs every post-request callback. A failing callback is
// reported as a worker error and the remaining callbacks still run.
func (w *Worker) runRequestHandled(ctx context.Context, req *http.Request, resp *Response, sandbox *container.Container) {
	w.mu.RLock()
	callbacks := make([]RequestHandledFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, fn := range callbacks {
		if err := protect(func() error { return fn(ctx, req, resp, sandbox) }); err != nil {
			w.dispatch(ctx, sandbox, events.WorkerErrorOccurred{Err: err, App: sandbox, Continuing: true})
		}
	}
}

// HandleTask runs task in a sandbox. A failed task yields a result with a
// nil Value; the failure surfaces only as a WorkerErrorOccurred event.
func (w *Worker) HandleTask(ctx context.Context, task Task) (*TaskResult, error) {
	app, err := w.enter()
	if err != nil {
		return nil, err
	}
	defer w.leave()
	w.tasks.Add(1)

	sandbox := w.factory.Clone(app)
	restore := w.registry.Swap(sandbox)
	defer func() {
		restore()
		sandbox.Flush()
	}()
	ctx = container.WithContainer(ctx, sandbox)

	var value any
	err = protect(func() error {
		if task == nil {
			return errors.New("nil task")
		}
		if err := events.Dispatch(ctx, sandbox, events.TaskReceived{
			App:     app,
			Sandbox: sandbox,
			Task:    task,
		}); err != nil {
			return err
		}

		result, err := task.Run(ctx)
		if err != nil {
			return err
		}

		if err := events.Dispatch(ctx, sandbox, events.TaskTerminated{
			App:     app,
			Sandbox: sandbox,
			Task:    task,
			Result:  result,
		}); err != nil {
			return err
		}
		value = result
		return nil
	})
	if err != nil {
		w.failures.Add(1)
		w.dispatch(ctx, sandbox, events.WorkerErrorOccurred{Err: err, App: sandbox})
		return &TaskResult{Failed: true, Err: err.Error()}, nil
	}
	return &TaskResult{Value: value}, nil
}

// HandleTick runs one periodic tick in a sandbox
func (w *Worker) HandleTick(ctx context.Context) error {
	app, err := w.enter()
	if err != nil {
		return err
	}
	defer w.leave()
	w.ticks.Add(1)

	sandbox := w.factory.Clone(app)
	restore := w.registry.Swap(sandbox)
	defer func() {
		restore()
		sandbox.Flush()
	}()
	ctx = container.WithContainer(ctx, sandbox)

	err = protect(func() error {
		if err := events.Dispatch(ctx, sandbox, events.TickReceived{App: app, Sandbox: sandbox}); err != nil {
			return err
		}
		return events.Dispatch(ctx, sandbox, events.TickTerminated{App: app, Sandbox: sandbox})
	})
	if err != nil {
		w.failures.Add(1)
		w.dispatch(ctx, sandbox, events.WorkerErrorOccurred{Err: err, App: sandbox})
	}
	return nil
}

// Terminate dispatches WorkerStopping. The worker rejects every unit of work
// afterwards.
func (w *Worker) Terminate(ctx context.Context) error {
	w.mu.Lock()
	if w.app == nil {
		w.mu.Unlock()
		return ErrNotBooted
	}
	if w.terminated {
		w.mu.Unlock()
		return ErrTerminated
	}
	w.terminated = true
	app := w.app
	w.mu.Unlock()

	w.dispatch(ctx, app, events.WorkerStopping{App: app})
	w.logger.Debug("Worker terminated", map[string]interface{}{"container": app.ID()})
	return nil
}

// Stats returns the worker's counters
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	bootedAt := w.bootedAt
	w.mu.RUnlock()

	return Stats{
		Requests: w.requests.Load(),
		Tasks:    w.tasks.Load(),
		Ticks:    w.ticks.Load(),
		Failures: w.failures.Load(),
		BootedAt: bootedAt,
		Busy:     w.busy.Load(),
	}
}

// handleWorkerError reports a failed request. The client is asked for an
// error response only when nothing was sent yet; the WorkerErrorOccurred
// event is always dispatched.
func (w *Worker) handleWorkerError(ctx context.Context, err error, scope *container.Container, req *http.Request, rc *RequestContext, hasResponded bool) {
	if !hasResponded {
		if cerr := protect(func() error { return w.client.Error(ctx, err, scope, req, rc) }); cerr != nil {
			w.logger.Error("Failed to send error response", map[string]interface{}{
				"error":        err.Error(),
				"client_error": cerr.Error(),
			})
		}
	}
	w.dispatch(ctx, scope, events.WorkerErrorOccurred{Err: err, App: scope})
}

// dispatch delivers an event whose listener failures cannot be reported
// any further than the log
func (w *Worker) dispatch(ctx context.Context, scope *container.Container, e events.Event) {
	if err := protect(func() error { return events.Dispatch(ctx, scope, e) }); err != nil {
		w.logger.Error("Event listener failed", map[string]interface{}{
			"event": string(e.Kind()),
			"error": err.Error(),
		})
	}
}

func (w *Worker) enter() (*container.Container, error) {
	w.mu.RLock()
	app, terminated := w.app, w.terminated
	w.mu.RUnlock()

	if terminated {
		return nil, ErrTerminated
	}
	if app == nil {
		return nil, ErrNotBooted
	}
	if !w.busy.CompareAndSwap(false, true) {
		return nil, ErrWorkerBusy
	}
	return app, nil
}

func (w *Worker) leave() {
	w.busy.Store(false)
}
