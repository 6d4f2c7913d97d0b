package events

import (
	"context"
	"errors"
	"testing"

	"github.com/psantana5/resident/pkg/container"
)

func TestListenReceivesOnlyItsKind(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	var ticks, tasks int
	Listen(bus, func(ctx context.Context, e TickReceived) error {
		ticks++
		return nil
	})
	Listen(bus, func(ctx context.Context, e TaskReceived) error {
		tasks++
		return nil
	})

	bus.Dispatch(ctx, TickReceived{})
	bus.Dispatch(ctx, TickReceived{})
	bus.Dispatch(ctx, TaskReceived{})
	bus.Dispatch(ctx, WorkerStopping{})

	if ticks != 2 {
		t.Errorf("Tick listener called %d times, want 2", ticks)
	}
	if tasks != 1 {
		t.Errorf("Task listener called %d times, want 1", tasks)
	}
}

func TestDispatchOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	var order []string
	bus.ListenAll(func(ctx context.Context, e Event) error {
		order = append(order, "wildcard")
		return nil
	})
	Listen(bus, func(ctx context.Context, e WorkerStarting) error {
		order = append(order, "first")
		return nil
	})
	Listen(bus, func(ctx context.Context, e WorkerStarting) error {
		order = append(order, "second")
		return nil
	})

	if err := bus.Dispatch(ctx, WorkerStarting{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	want := []string{"first", "second", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestDispatchStopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	failure := errors.New("listener broke")

	called := false
	Listen(bus, func(ctx context.Context, e TickTerminated) error {
		return failure
	})
	Listen(bus, func(ctx context.Context, e TickTerminated) error {
		called = true
		return nil
	})

	err := bus.Dispatch(ctx, TickTerminated{})
	if !errors.Is(err, failure) {
		t.Errorf("err = %v, want wrapped listener error", err)
	}
	if called {
		t.Error("Listeners after a failing one must not run")
	}
}

func TestDispatchThroughScope(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	var got *container.Container
	Listen(bus, func(ctx context.Context, e WorkerErrorOccurred) error {
		got = e.App
		return nil
	})

	root := container.New()
	root.Instance(BusBinding, bus)
	root.Freeze()
	sandbox := root.Sandbox()

	if err := Dispatch(ctx, sandbox, WorkerErrorOccurred{Err: errors.New("x"), App: sandbox}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got != sandbox {
		t.Error("Listener should receive the sandbox the error occurred in")
	}

	if err := Dispatch(ctx, container.New(), WorkerStopping{}); err != nil {
		t.Errorf("Scopes without a bus should drop events, got %v", err)
	}
	if err := Dispatch(ctx, nil, WorkerStopping{}); err != nil {
		t.Errorf("Nil scope should drop events, got %v", err)
	}
}

func TestScope(t *testing.T) {
	root := container.New()
	sandbox := root.Sandbox()

	tests := []struct {
		name  string
		event Event
		want  *container.Container
	}{
		{"Worker starting uses root", WorkerStarting{App: root}, root},
		{"Request received uses sandbox", RequestReceived{App: root, Sandbox: sandbox}, sandbox},
		{"Task terminated uses sandbox", TaskTerminated{App: root, Sandbox: sandbox}, sandbox},
		{"Worker error uses its container", WorkerErrorOccurred{App: sandbox}, sandbox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Scope(tt.event); got != tt.want {
				t.Errorf("Scope() = %v, want %v", got, tt.want)
			}
		})
	}
}
