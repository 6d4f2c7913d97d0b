package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/resident/internal/application"
	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/worker"
)

type failingFactory struct {
	err error
}

func (f failingFactory) CreateApplication(ctx context.Context, seed map[string]any) (*container.Container, error) {
	return nil, f.err
}

func (f failingFactory) Clone(root *container.Container) *container.Container {
	return root.Sandbox()
}

func withRSSSampler(fn func() (uint64, error)) PoolOption {
	return func(p *Pool) {
		p.sampleRSS = fn
	}
}

func newTestPool(t *testing.T, config PoolConfig, opts ...PoolOption) (*Pool, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	seed := map[string]any{events.BusBinding: bus}
	client := NewHTTPClient("", false, quietLogger())
	pool := NewPool(config, application.NewBuilder(), client, seed, quietLogger(), opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { pool.Stop(context.Background()) })
	return pool, bus
}

func handle(t *testing.T, pool *Pool, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if err := pool.Handle(context.Background(), req, worker.NewRequestContext(rec)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolConcurrentRequests(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Workers: 3, TickInterval: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/counter", nil)
			if err := pool.Handle(context.Background(), req, worker.NewRequestContext(rec)); err != nil {
				t.Errorf("Handle failed: %v", err)
				return
			}
			if rec.Body.String() != "2" {
				t.Errorf("Counter leaked between requests: %q", rec.Body.String())
			}
		}()
	}
	wg.Wait()

	var total uint64
	for _, status := range pool.Status() {
		total += status.Stats.Requests
		if status.Stats.Busy {
			t.Errorf("Worker %d still busy", status.ID)
		}
	}
	if total != 30 {
		t.Errorf("Workers handled %d requests, want 30", total)
	}
	if pool.Active() != 0 {
		t.Errorf("Active = %d, want 0", pool.Active())
	}
}

func TestPoolRecyclesAfterMaxRequests(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Workers: 1, MaxRequests: 2, TickInterval: time.Hour})

	handle(t, pool, "/")
	handle(t, pool, "/")

	waitFor(t, "worker recycle", func() bool {
		return pool.Status()[0].Generation == 2
	})

	if rec := handle(t, pool, "/"); rec.Code != http.StatusOK {
		t.Errorf("Recycled worker answered %d", rec.Code)
	}
	if got := pool.Status()[0].Stats.Requests; got != 1 {
		t.Errorf("Fresh worker request count = %d, want 1", got)
	}
}

func TestPoolRecyclesAboveMemoryLimit(t *testing.T) {
	var mu sync.Mutex
	var observed []uint64
	pool, _ := newTestPool(t, PoolConfig{Workers: 1, MaxMemoryBytes: 1024, TickInterval: 10 * time.Millisecond},
		WithRSSObserver(func(bytes uint64) {
			mu.Lock()
			observed = append(observed, bytes)
			mu.Unlock()
		}),
		withRSSSampler(func() (uint64, error) { return 4096, nil }),
	)

	// An idle worker is never recycled
	time.Sleep(50 * time.Millisecond)
	if gen := pool.Status()[0].Generation; gen != 1 {
		t.Fatalf("Idle worker recycled, generation %d", gen)
	}

	handle(t, pool, "/")
	waitFor(t, "memory recycle", func() bool {
		return pool.Status()[0].Generation >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(observed) == 0 || observed[0] != 4096 {
		t.Errorf("RSS observer saw %v", observed)
	}
}

func TestPoolTicks(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	ticks := 0
	events.Listen(bus, func(ctx context.Context, e events.TickTerminated) error {
		mu.Lock()
		ticks++
		mu.Unlock()
		return nil
	})

	pool := NewPool(PoolConfig{Workers: 2, TickInterval: 10 * time.Millisecond}, application.NewBuilder(),
		NewHTTPClient("", false, quietLogger()), map[string]any{events.BusBinding: bus}, quietLogger(),
		withRSSSampler(func() (uint64, error) { return 0, nil }))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop(context.Background())

	waitFor(t, "ticks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 4
	})
}

func TestPoolStop(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	stopping := 0
	events.Listen(bus, func(ctx context.Context, e events.WorkerStopping) error {
		mu.Lock()
		stopping++
		mu.Unlock()
		return nil
	})

	pool := NewPool(PoolConfig{Workers: 2, TickInterval: time.Hour}, application.NewBuilder(),
		NewHTTPClient("", false, quietLogger()), map[string]any{events.BusBinding: bus}, quietLogger())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopping != 2 {
		t.Errorf("WorkerStopping dispatched %d times, want 2", stopping)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := pool.Handle(context.Background(), req, worker.NewRequestContext(httptest.NewRecorder()))
	if !errors.Is(err, ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", err)
	}
}

func TestPoolStartFailure(t *testing.T) {
	bus := events.NewBus()
	failing := errors.New("boot listener failed")
	booted := 0
	events.Listen(bus, func(ctx context.Context, e events.WorkerStarting) error {
		booted++
		return nil
	})

	pool := NewPool(PoolConfig{Workers: 2}, failingFactory{err: failing},
		NewHTTPClient("", false, quietLogger()), map[string]any{events.BusBinding: bus}, quietLogger())
	err := pool.Start(context.Background())
	if !errors.Is(err, failing) {
		t.Errorf("err = %v, want %v", err, failing)
	}
	if booted != 0 {
		t.Errorf("No worker should have booted, got %d", booted)
	}
}

func TestPoolStartRollbackLogsTerminateFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WARN, false)
	logger.SetOutput(&buf)

	// A worker that was already terminated cannot be terminated again
	stale := worker.New(application.NewBuilder(), NewHTTPClient("", false, quietLogger()), worker.WithLogger(quietLogger()))
	if err := stale.Boot(context.Background(), map[string]any{events.BusBinding: events.NewBus()}); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if err := stale.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	failing := errors.New("factory failed")
	pool := NewPool(PoolConfig{Workers: 1}, failingFactory{err: failing},
		NewHTTPClient("", false, quietLogger()), map[string]any{events.BusBinding: events.NewBus()}, logger)
	pool.slots = []*slot{{id: 7, worker: stale, generation: 1}}

	if err := pool.Start(context.Background()); !errors.Is(err, failing) {
		t.Fatalf("err = %v, want %v", err, failing)
	}
	if !bytes.Contains(buf.Bytes(), []byte("Failed to terminate worker")) {
		t.Errorf("Rollback should log the terminate failure, got %q", buf.String())
	}
	if len(pool.slots) != 0 {
		t.Errorf("Rollback should clear the slots, got %d", len(pool.slots))
	}
}
