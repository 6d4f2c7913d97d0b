package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"

	"github.com/psantana5/resident/internal/config"
	"github.com/psantana5/resident/pkg/auth"
	"github.com/psantana5/resident/pkg/bandwidth"
	"github.com/psantana5/resident/pkg/cleanup"
	"github.com/psantana5/resident/pkg/codec"
	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/metrics"
	"github.com/psantana5/resident/pkg/models"
	"github.com/psantana5/resident/pkg/ratelimit"
	"github.com/psantana5/resident/pkg/shutdown"
	"github.com/psantana5/resident/pkg/taskqueue"
	tlsutil "github.com/psantana5/resident/pkg/tls"
	"github.com/psantana5/resident/pkg/tracing"
	"github.com/psantana5/resident/pkg/worker"
)

// limiterIdle is how long a client's rate limiter survives without traffic
const limiterIdle = 10 * time.Minute

// Seed bindings every worker boots with
const (
	ConfigBinding = "config"
	LoggerBinding = "logger"
)

// Server hosts a worker pool behind HTTP and drains the task queue into it
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	bus       *events.Bus
	pool      *Pool
	store     taskqueue.Store
	tasks     *taskqueue.Registry
	drainer   *Drainer
	sweeper   *cleanup.Sweeper
	collector *metrics.Collector
	bandwidth *bandwidth.Monitor
	tracer    *tracing.Provider
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	startedAt time.Time
}

// New wires a server for the application built by factory. Task handlers
// come from tasks.
func New(cfg *config.Config, logger *logging.Logger, factory worker.ApplicationFactory, tasks *taskqueue.Registry) (*Server, error) {
	store, err := taskqueue.NewStore(taskqueue.Config{
		Type: cfg.Queue.Type,
		DSN:  cfg.Queue.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Tracing.Environment,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		bus:       events.NewBus(),
		store:     store,
		tasks:     tasks,
		collector: metrics.NewCollector(),
		tracer:    tracer,
		verifier:  auth.NewVerifier(cfg.Admin.TokenHash),
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = ratelimit.NewLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	}

	s.bandwidth = bandwidth.NewMonitor(s.collector.Registry())
	s.collector.Register(s.bus)
	s.tracer.Register(s.bus)
	s.bus.ListenAll(logging.EventListener(logger))

	s.sweeper = cleanup.NewSweeper(cleanup.Config{
		Enabled:   cfg.Queue.Retention > 0,
		Retention: cfg.Queue.Retention,
		Interval:  cfg.Queue.CleanupInterval,
	}, store, logger)
	s.sweeper.Register(s.bus)
	s.registerMaintenance()

	client := NewHTTPClient(cfg.Server.PublicDir, cfg.Server.Debug, logger)
	seed := map[string]any{
		ConfigBinding:     cfg,
		LoggerBinding:     logger,
		events.BusBinding: s.bus,
	}
	s.pool = NewPool(PoolConfig{
		Workers:        cfg.Workers.Count,
		MaxRequests:    cfg.Workers.MaxRequests,
		MaxMemoryBytes: cfg.Workers.MaxMemoryMB * 1024 * 1024,
		TickInterval:   cfg.Workers.TickInterval,
	}, factory, client, seed, logger,
		WithRequestHandled(s.accessLog),
		WithRSSObserver(s.collector.ObserveMemory),
	)

	s.drainer = NewDrainer(store, tasks, s.pool, cfg.Queue.PollInterval, logger)
	s.drainer.UseTracer(tracer)
	s.drainer.OnStats(func(stats models.TaskStats) {
		s.collector.SetTasks(string(models.TaskStatusQueued), stats.Queued)
		s.collector.SetTasks(string(models.TaskStatusRunning), stats.Running)
		s.collector.SetTasks(string(models.TaskStatusCompleted), stats.Completed)
		s.collector.SetTasks(string(models.TaskStatusFailed), stats.Failed)
	})

	return s, nil
}

// registerMaintenance hooks housekeeping that runs after worker ticks
func (s *Server) registerMaintenance() {
	if s.limiter != nil {
		events.Listen(s.bus, func(ctx context.Context, e events.TickTerminated) error {
			s.limiter.CleanupOldLimiters(limiterIdle)
			return nil
		})
	}

	if s.config.Logging.File && s.config.Logging.MaxSizeMB > 0 {
		maxBytes := int64(s.config.Logging.MaxSizeMB) * 1024 * 1024
		events.Listen(s.bus, func(ctx context.Context, e events.TickTerminated) error {
			if err := s.logger.RotateIfNeeded(maxBytes); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
			return nil
		})
	}
}

// Pool returns the server's worker pool
func (s *Server) Pool() *Pool {
	return s.pool
}

// Store returns the task store
func (s *Server) Store() taskqueue.Store {
	return s.store
}

func (s *Server) accessLog(ctx context.Context, req *http.Request, resp *worker.Response, sandbox *container.Container) error {
	s.logger.Info("Request handled", map[string]interface{}{
		"method":       req.Method,
		"path":         req.URL.Path,
		"status":       resp.Status(),
		"bytes":        len(resp.Body),
		"container_id": sandbox.ID(),
	})
	return nil
}

// Handler returns the complete HTTP handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	admin := r.PathPrefix("/-/").Subrouter()
	admin.Use(s.bandwidth.Middleware("admin"))
	admin.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	admin.Handle("/metrics", s.collector.Handler()).Methods(http.MethodGet)
	admin.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	tasks := admin.PathPrefix("/tasks").Subrouter()
	tasks.Use(s.verifier.Middleware)
	tasks.HandleFunc("", s.handleEnqueue).Methods(http.MethodPost)
	tasks.HandleFunc("", s.handleListTasks).Methods(http.MethodGet)
	tasks.HandleFunc("/{id}", s.handleGetTask).Methods(http.MethodGet)

	var app http.Handler = http.HandlerFunc(s.handleApplication)
	if s.limiter != nil {
		app = s.limiter.Middleware(ratelimit.IPKeyFunc)(app)
	}
	app = s.bandwidth.Middleware("application")(app)
	r.PathPrefix("/").Handler(app)

	var h http.Handler = tracing.HTTPMiddleware(s.tracer)(r)
	if s.config.Server.Gzip {
		h = gzhttp.GzipHandler(h)
	}
	return h
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	rc := worker.NewRequestContext(w)
	if err := s.pool.Handle(r.Context(), r, rc); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("Request rejected", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{"status": "healthy"}
	if err := s.store.HealthCheck(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
	}
	writeJSON(w, status, body)
}

// StatusReport is the body of /-/status
type StatusReport struct {
	Uptime  string           `json:"uptime"`
	Workers []WorkerStatus   `json:"workers"`
	Active  int              `json:"active"`
	Tasks   models.TaskStats `json:"tasks"`
	Cleanup cleanup.Stats    `json:"cleanup"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Round(time.Second)
	}
	writeJSON(w, http.StatusOK, StatusReport{
		Uptime:  uptime.String(),
		Workers: s.pool.Status(),
		Active:  s.pool.Active(),
		Tasks:   stats,
		Cleanup: s.sweeper.GetStats(),
	})
}

// TaskView is a task as the admin API renders it, with CBOR documents
// converted to JSON
type TaskView struct {
	*models.Task
	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func newTaskView(task *models.Task) (*TaskView, error) {
	payload, err := renderDocument(task.Payload)
	if err != nil {
		return nil, err
	}
	view := &TaskView{Task: task, Payload: payload}
	if len(task.Result) > 0 {
		if view.Result, err = renderDocument(task.Result); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// renderDocument converts a CBOR document to JSON. Documents JSON cannot
// represent, such as maps with integer keys, are rendered as a string in CBOR
// diagnostic notation.
func renderDocument(data []byte) (json.RawMessage, error) {
	out, err := codec.ToJSON(data)
	if err == nil {
		return out, nil
	}
	diag, derr := codec.Diagnose(data)
	if derr != nil {
		return nil, err
	}
	return json.Marshal(diag)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task name is required"})
		return
	}
	if !s.tasks.Has(req.Name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown task %q", req.Name)})
		return
	}

	var payload []byte
	if req.Payload != nil {
		var err error
		if payload, err = codec.Marshal(req.Payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.config.Queue.MaxAttempts
	}
	task := models.NewTask(req.Name, payload, maxAttempts)
	if err := s.store.Enqueue(r.Context(), task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.logger.Info("Task enqueued", map[string]interface{}{
		"task_id":   task.ID,
		"task_name": task.Name,
	})
	s.writeTask(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	status := models.TaskStatus(r.URL.Query().Get("status"))

	tasks, err := s.store.List(r.Context(), status, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	views := make([]*TaskView, 0, len(tasks))
	for _, task := range tasks {
		view, err := newTaskView(task)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": views, "count": len(views)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, taskqueue.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeTask(w, http.StatusOK, task)
}

func (s *Server) writeTask(w http.ResponseWriter, status int, task *models.Task) {
	view, err := newTaskView(task)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, status, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled or a shutdown signal arrives, then
// stops the listener, the drainer and the pool in that order
func (s *Server) Run(ctx context.Context) error {
	var tlsConfig *tls.Config
	if files := s.config.Server.TLS; files.Enabled() {
		var err error
		if tlsConfig, err = tlsutil.ServerConfig(files.CertFile, files.KeyFile, files.ClientCAFile); err != nil {
			return err
		}
	}

	s.startedAt = time.Now()

	if err := s.pool.Start(ctx); err != nil {
		return err
	}

	drainCtx, stopDrainer := context.WithCancel(context.Background())
	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		s.drainer.Run(drainCtx)
	}()

	httpServer := &http.Server{
		Addr:         s.config.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	scheme := "http"
	if tlsConfig != nil {
		httpServer.TLSConfig = tlsConfig
		scheme = "https"
	}

	manager := shutdown.New(s.config.Server.ShutdownTimeout, s.logger)
	// Hooks run last registered first
	manager.Register("task store", shutdown.CloseResource(s.store, "task store"))
	manager.Register("tracing", s.tracer.Shutdown)
	manager.Register("worker pool", s.pool.Stop)
	manager.Register("in-flight work", shutdown.WaitFor(func() bool { return s.pool.Active() == 0 }, 100*time.Millisecond, "in-flight work"))
	manager.Register("task drainer", func(ctx context.Context) error {
		stopDrainer()
		select {
		case <-drainerDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	manager.Register("http server", shutdown.StopHTTPServer(httpServer, "http server"))

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", map[string]interface{}{
			"addr":    s.config.Server.Addr,
			"scheme":  scheme,
			"workers": s.config.Workers.Count,
		})
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			manager.Trigger()
		}
	}()

	shutdownErr := manager.WaitWithContext(ctx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	default:
	}
	return shutdownErr
}
