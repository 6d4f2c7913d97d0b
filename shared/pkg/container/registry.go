package container

import (
	"context"
	"sync"
)

// Context keys for the container in effect
type contextKey string

const currentKey contextKey = "container"

// WithContainer returns a context carrying c as the container in effect
func WithContainer(ctx context.Context, c *Container) context.Context {
	return context.WithValue(ctx, currentKey, c)
}

// FromContext extracts the container in effect from ctx
func FromContext(ctx context.Context) (*Container, bool) {
	c, ok := ctx.Value(currentKey).(*Container)
	return c, ok && c != nil
}

// Registry is the per-worker slot naming the container currently in effect.
// It points at the root while the worker is idle and at a sandbox while a
// unit of work runs. Code that receives a context should prefer FromContext;
// the registry serves code that resolves services without one.
type Registry struct {
	mu      sync.RWMutex
	root    *Container
	current *Container
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// SetRoot points the registry at root and marks it idle
func (r *Registry) SetRoot(root *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	r.current = root
}

// Root returns the container the registry restores to
func (r *Registry) Root() *Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Current returns the container currently in effect
func (r *Registry) Current() *Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Idle reports whether the registry points at its root
func (r *Registry) Idle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current == r.root
}

// Swap points the registry at c and returns a function restoring it to the
// root. The restore function is safe to call more than once.
func (r *Registry) Swap(c *Container) (restore func()) {
	r.mu.Lock()
	r.current = c
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.current = r.root
			r.mu.Unlock()
		})
	}
}

// Ambient returns the container in effect for ctx, falling back to the
// registry when ctx carries none.
func Ambient(ctx context.Context, r *Registry) *Container {
	if c, ok := FromContext(ctx); ok {
		return c
	}
	if r == nil {
		return nil
	}
	return r.Current()
}
