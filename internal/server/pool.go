package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/worker"
)

// ErrPoolStopped is returned for work submitted after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig sizes the worker pool
type PoolConfig struct {
	Workers        int
	MaxRequests    uint64        // recycle a worker after this many requests, 0 disables
	MaxMemoryBytes uint64        // recycle workers while process RSS is above this, 0 disables
	TickInterval   time.Duration // how often each worker runs a tick
}

// WorkerStatus describes one pool slot
type WorkerStatus struct {
	ID         int          `json:"id"`
	Generation int          `json:"generation"`
	Booted     bool         `json:"booted"`
	Stats      worker.Stats `json:"stats"`
}

type job struct {
	ctx  context.Context
	run  func(ctx context.Context, w *worker.Worker)
	done chan struct{}
}

type slot struct {
	id         int
	mu         sync.RWMutex
	worker     *worker.Worker
	generation int
}

func (s *slot) current() *worker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// Pool runs a fixed number of goroutines, each owning one booted worker.
// Jobs go to whichever worker is free, so every worker runs one unit of work
// at a time.
type Pool struct {
	config    PoolConfig
	factory   worker.ApplicationFactory
	client    worker.Client
	seed      map[string]any
	logger    *logging.Logger
	callbacks []worker.RequestHandledFunc

	sampleRSS func() (uint64, error)
	onRSS     func(uint64)
	rss       atomic.Uint64

	jobs     chan job
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	active   atomic.Int64
	slots    []*slot
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithRequestHandled registers fn on every worker the pool boots
func WithRequestHandled(fn worker.RequestHandledFunc) PoolOption {
	return func(p *Pool) {
		p.callbacks = append(p.callbacks, fn)
	}
}

// WithRSSObserver receives every process RSS sample
func WithRSSObserver(fn func(bytes uint64)) PoolOption {
	return func(p *Pool) {
		p.onRSS = fn
	}
}

// NewPool creates a pool. Every worker boots with seed.
func NewPool(config PoolConfig, factory worker.ApplicationFactory, client worker.Client, seed map[string]any, logger *logging.Logger, opts ...PoolOption) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}

	p := &Pool{
		config:    config,
		factory:   factory,
		client:    client,
		seed:      seed,
		logger:    logger,
		sampleRSS: processRSS,
		jobs:      make(chan job),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// processRSS returns the resident set size of this process
func processRSS() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Start boots every worker and starts serving. A boot failure stops the
// workers already booted.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.config.Workers; i++ {
		s := &slot{id: i}
		w, err := p.boot(ctx, s.id)
		if err != nil {
			for _, booted := range p.slots {
				if terr := booted.worker.Terminate(ctx); terr != nil {
					p.logger.Warn("Failed to terminate worker", map[string]interface{}{
						"worker": booted.id,
						"error":  terr.Error(),
					})
				}
			}
			p.slots = nil
			return fmt.Errorf("failed to boot worker %d: %w", i, err)
		}
		s.worker = w
		s.generation = 1
		p.slots = append(p.slots, s)
	}

	for _, s := range p.slots {
		p.wg.Add(1)
		go p.run(s)
	}

	p.logger.Info("Worker pool started", map[string]interface{}{
		"workers":       p.config.Workers,
		"tick_interval": p.config.TickInterval.String(),
	})
	return nil
}

func (p *Pool) boot(ctx context.Context, id int) (*worker.Worker, error) {
	w := worker.New(p.factory, p.client, worker.WithLogger(p.logger.WithField("worker", id)))
	for _, fn := range p.callbacks {
		w.OnRequestHandled(fn)
	}

	if err := w.Boot(ctx, p.seed); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *Pool) run(s *slot) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		jobs := p.jobs
		if s.current() == nil {
			jobs = nil
		}

		select {
		case <-p.stop:
			p.retire(s)
			return

		case j := <-jobs:
			j.run(j.ctx, s.current())
			close(j.done)
			p.active.Add(-1)
			p.maybeRecycle(s)

		case <-ticker.C:
			if s.current() == nil {
				p.replace(s)
				continue
			}
			if err := s.current().HandleTick(context.Background()); err != nil {
				p.logger.Warn("Tick rejected", map[string]interface{}{
					"worker": s.id,
					"error":  err.Error(),
				})
			}
			p.sample()
			p.maybeRecycle(s)
		}
	}
}

func (p *Pool) sample() {
	rss, err := p.sampleRSS()
	if err != nil {
		p.logger.Debug("Failed to sample process memory", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	p.rss.Store(rss)
	if p.onRSS != nil {
		p.onRSS(rss)
	}
}

func (p *Pool) maybeRecycle(s *slot) {
	w := s.current()
	if w == nil {
		return
	}
	stats := w.Stats()

	reason := ""
	switch {
	case p.config.MaxRequests > 0 && stats.Requests >= p.config.MaxRequests:
		reason = "max_requests"
	case p.config.MaxMemoryBytes > 0 && stats.Requests > 0 && p.rss.Load() > p.config.MaxMemoryBytes:
		reason = "max_memory"
	default:
		return
	}

	p.logger.Info("Recycling worker", map[string]interface{}{
		"worker":   s.id,
		"reason":   reason,
		"requests": stats.Requests,
	})
	p.retire(s)
	p.replace(s)
}

// retire terminates the slot's worker and leaves the slot empty
func (p *Pool) retire(s *slot) {
	s.mu.Lock()
	w := s.worker
	s.worker = nil
	s.mu.Unlock()

	if w == nil {
		return
	}
	if err := w.Terminate(context.Background()); err != nil {
		p.logger.Warn("Failed to terminate worker", map[string]interface{}{
			"worker": s.id,
			"error":  err.Error(),
		})
	}
}

// replace boots a fresh worker into an empty slot. On failure the slot stays
// empty and the next tick tries again.
func (p *Pool) replace(s *slot) {
	w, err := p.boot(context.Background(), s.id)
	if err != nil {
		p.logger.Error("Failed to boot worker", map[string]interface{}{
			"worker": s.id,
			"error":  err.Error(),
		})
		return
	}

	s.mu.Lock()
	s.worker = w
	s.generation++
	s.mu.Unlock()
}

func (p *Pool) submit(ctx context.Context, run func(ctx context.Context, w *worker.Worker)) error {
	j := job{ctx: ctx, run: run, done: make(chan struct{})}

	p.active.Add(1)
	select {
	case p.jobs <- j:
	case <-p.stop:
		p.active.Add(-1)
		return ErrPoolStopped
	case <-ctx.Done():
		p.active.Add(-1)
		return ctx.Err()
	}

	<-j.done
	return nil
}

// Handle runs one request on a free worker and waits until it was answered
func (p *Pool) Handle(ctx context.Context, req *http.Request, rc *worker.RequestContext) error {
	var err error
	if serr := p.submit(ctx, func(ctx context.Context, w *worker.Worker) {
		err = w.Handle(ctx, req, rc)
	}); serr != nil {
		return serr
	}
	return err
}

// HandleTask runs task on a free worker
func (p *Pool) HandleTask(ctx context.Context, task worker.Task) (*worker.TaskResult, error) {
	var result *worker.TaskResult
	var err error
	if serr := p.submit(ctx, func(ctx context.Context, w *worker.Worker) {
		result, err = w.HandleTask(ctx, task)
	}); serr != nil {
		return nil, serr
	}
	return result, err
}

// Active returns the number of submitted units of work not finished yet
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Status describes every slot
func (p *Pool) Status() []WorkerStatus {
	statuses := make([]WorkerStatus, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.RLock()
		status := WorkerStatus{ID: s.id, Generation: s.generation, Booted: s.worker != nil}
		if s.worker != nil {
			status.Stats = s.worker.Stats()
		}
		s.mu.RUnlock()
		statuses = append(statuses, status)
	}
	return statuses
}

// Stop terminates every worker once its current unit of work finished
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not stop: %w", ctx.Err())
	}
}
