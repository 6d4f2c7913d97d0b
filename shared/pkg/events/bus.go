package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/psantana5/resident/pkg/container"
)

// BusBinding is the container name a Dispatcher is bound under
const BusBinding = "events"

// Dispatcher delivers lifecycle events to listeners
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

type handler func(ctx context.Context, e Event) error

// Bus is a synchronous, typed event dispatcher. Listeners run in
// registration order on the dispatching goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]handler
	wildcard  []handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Kind][]handler),
	}
}

// Listen registers fn for every event of type E. E must be one of the
// concrete event types of this package.
func Listen[E Event](b *Bus, fn func(ctx context.Context, e E) error) {
	var zero E
	kind := zero.Kind()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], func(ctx context.Context, e Event) error {
		typed, ok := e.(E)
		if !ok {
			return nil
		}
		return fn(ctx, typed)
	})
}

// ListenAll registers fn for every event. Wildcard listeners run after the
// listeners registered for the specific kind.
func (b *Bus) ListenAll(fn func(ctx context.Context, e Event) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, fn)
}

// HasListeners reports whether any listener would receive kind
func (b *Bus) HasListeners(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind]) > 0 || len(b.wildcard) > 0
}

// Dispatch delivers e to its listeners. The first listener error stops
// delivery and is returned to the caller.
func (b *Bus) Dispatch(ctx context.Context, e Event) error {
	b.mu.RLock()
	handlers := make([]handler, 0, len(b.listeners[e.Kind()])+len(b.wildcard))
	handlers = append(handlers, b.listeners[e.Kind()]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			return fmt.Errorf("listener for %s failed: %w", e.Kind(), err)
		}
	}
	return nil
}

// Dispatch delivers e through the dispatcher bound in scope. Scopes without
// a dispatcher drop the event.
func Dispatch(ctx context.Context, scope *container.Container, e Event) error {
	if scope == nil || !scope.Bound(BusBinding) {
		return nil
	}
	d, err := container.Resolve[Dispatcher](ctx, scope, BusBinding)
	if err != nil {
		return fmt.Errorf("failed to resolve event dispatcher: %w", err)
	}
	return d.Dispatch(ctx, e)
}
