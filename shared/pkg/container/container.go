package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotBound     = errors.New("binding not found")
	ErrFrozen       = errors.New("container is frozen")
	ErrFlushed      = errors.New("container has been flushed")
	ErrCircular     = errors.New("circular dependency")
	ErrTypeMismatch = errors.New("unexpected binding type")
)

// ResolutionError reports a failed Make for a named binding
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q: %v", e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Lifetime controls how long a resolved binding is reused
type Lifetime int

const (
	// Transient bindings produce a new instance on every resolution.
	Transient Lifetime = iota
	// Singleton bindings are resolved once per container. A singleton
	// resolved on the root before it is frozen is shared with every sandbox;
	// otherwise each sandbox resolves and keeps its own copy.
	Singleton
	// Scoped bindings are never cached on a root, so every sandbox gets its own.
	Scoped
)

func (l Lifetime) String() string {
	switch l {
	case Transient:
		return "transient"
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	default:
		return "unknown"
	}
}

// Factory builds a service instance on the container it was resolved from
type Factory func(ctx context.Context, c *Container) (any, error)

// TerminatingFunc runs when the unit of work owning the container terminates
type TerminatingFunc func(ctx context.Context) error

type binding struct {
	factory  Factory
	lifetime Lifetime
}

// table is one layer of bindings. Once a table becomes a container's base it
// is never written again, so it can be shared between containers.
type table struct {
	bindings  map[string]*binding
	instances map[string]any
	aliases   map[string]string
	forgotten map[string]bool
}

func newTable() *table {
	return &table{
		bindings:  make(map[string]*binding),
		instances: make(map[string]any),
		aliases:   make(map[string]string),
		forgotten: make(map[string]bool),
	}
}

func (t *table) empty() bool {
	return len(t.bindings) == 0 && len(t.instances) == 0 &&
		len(t.aliases) == 0 && len(t.forgotten) == 0
}

// Container holds service bindings. A root container is built once, frozen,
// and then only read. Sandboxes share the root's frozen table and write into
// a private overlay.
type Container struct {
	id     string
	parent *Container

	mu          sync.RWMutex
	base        *table
	local       *table
	frozen      bool
	flushed     bool
	terminating []TerminatingFunc
}

// New creates an empty root container
func New() *Container {
	return &Container{
		id:    uuid.New().String(),
		base:  newTable(),
		local: newTable(),
	}
}

// ID returns the container's unique identifier
func (c *Container) ID() string {
	return c.id
}

// IsSandbox reports whether c was produced by Sandbox
func (c *Container) IsSandbox() bool {
	return c.parent != nil
}

// Parent returns the container c was copied from, or nil for a root
func (c *Container) Parent() *Container {
	return c.parent
}

// Frozen reports whether c rejects writes
func (c *Container) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Flushed reports whether c has been discarded
func (c *Container) Flushed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flushed
}

// Instance binds a pre-built value
func (c *Container) Instance(name string, value any) error {
	return c.write(func(t *table) {
		delete(t.bindings, name)
		delete(t.forgotten, name)
		t.instances[name] = value
	})
}

// Bind registers a transient factory
func (c *Container) Bind(name string, factory Factory) error {
	return c.register(name, factory, Transient)
}

// Singleton registers a factory resolved at most once per container
func (c *Container) Singleton(name string, factory Factory) error {
	return c.register(name, factory, Singleton)
}

// Scoped registers a factory resolved once per sandbox
func (c *Container) Scoped(name string, factory Factory) error {
	return c.register(name, factory, Scoped)
}

func (c *Container) register(name string, factory Factory, lifetime Lifetime) error {
	if factory == nil {
		return fmt.Errorf("nil factory for %q", name)
	}
	return c.write(func(t *table) {
		delete(t.instances, name)
		delete(t.forgotten, name)
		t.bindings[name] = &binding{factory: factory, lifetime: lifetime}
	})
}

// Alias makes alias resolve to name
func (c *Container) Alias(name, alias string) error {
	if name == alias {
		return fmt.Errorf("%q is aliased to itself", name)
	}
	return c.write(func(t *table) {
		t.aliases[alias] = name
	})
}

// Forget removes a binding, hiding any binding of the same name in the base
func (c *Container) Forget(name string) error {
	return c.write(func(t *table) {
		delete(t.bindings, name)
		delete(t.instances, name)
		delete(t.aliases, name)
		t.forgotten[name] = true
	})
}

func (c *Container) write(fn func(t *table)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flushed {
		return ErrFlushed
	}
	if c.frozen {
		return ErrFrozen
	}
	fn(c.local)
	return nil
}

// Bound reports whether name can be resolved
func (c *Container) Bound(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.flushed {
		return false
	}
	name = c.aliasLocked(name)
	if _, ok := c.instanceLocked(name); ok {
		return true
	}
	_, ok := c.bindingLocked(name)
	return ok
}

// Names returns every resolvable name, sorted
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range []*table{c.base, c.local} {
		for name := range t.bindings {
			seen[name] = true
		}
		for name := range t.instances {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		if c.local.forgotten[name] && !c.inLocal(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Container) inLocal(name string) bool {
	if _, ok := c.local.instances[name]; ok {
		return true
	}
	_, ok := c.local.bindings[name]
	return ok
}

func (c *Container) aliasLocked(name string) string {
	// Bounded walk so an alias loop cannot spin forever.
	for i := 0; i < 16; i++ {
		target, ok := c.local.aliases[name]
		if !ok && !c.local.forgotten[name] {
			target, ok = c.base.aliases[name]
		}
		if !ok {
			return name
		}
		name = target
	}
	return name
}

func (c *Container) instanceLocked(name string) (any, bool) {
	if v, ok := c.local.instances[name]; ok {
		return v, true
	}
	if _, ok := c.local.bindings[name]; ok || c.local.forgotten[name] {
		return nil, false
	}
	v, ok := c.base.instances[name]
	return v, ok
}

func (c *Container) bindingLocked(name string) (*binding, bool) {
	if b, ok := c.local.bindings[name]; ok {
		return b, true
	}
	if c.local.forgotten[name] {
		return nil, false
	}
	b, ok := c.base.bindings[name]
	return b, ok
}

// Make resolves name on c
func (c *Container) Make(ctx context.Context, name string) (any, error) {
	c.mu.RLock()
	if c.flushed {
		c.mu.RUnlock()
		return nil, &ResolutionError{Name: name, Err: ErrFlushed}
	}
	name = c.aliasLocked(name)
	if v, ok := c.instanceLocked(name); ok {
		c.mu.RUnlock()
		return v, nil
	}
	b, ok := c.bindingLocked(name)
	c.mu.RUnlock()

	if !ok {
		return nil, &ResolutionError{Name: name, Err: ErrNotBound}
	}
	if resolving(ctx, name) {
		return nil, &ResolutionError{Name: name, Err: ErrCircular}
	}

	v, err := b.factory(withResolving(ctx, name), c)
	if err != nil {
		return nil, &ResolutionError{Name: name, Err: err}
	}
	if b.lifetime == Transient {
		return v, nil
	}
	return c.cache(name, v, b.lifetime), nil
}

// cache stores a resolved singleton or scoped value. Frozen roots are never
// written, so values resolved on them after boot are not retained.
func (c *Container) cache(name string, v any, lifetime Lifetime) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen || c.flushed {
		return v
	}
	if lifetime == Scoped && c.parent == nil {
		return v
	}
	if existing, ok := c.local.instances[name]; ok {
		return existing
	}
	c.local.instances[name] = v
	return v
}

// Freeze merges everything written so far into an immutable base table.
// Writes to a frozen container fail with ErrFrozen.
func (c *Container) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return
	}
	c.base = c.snapshotLocked()
	c.local = newTable()
	c.frozen = true
}

// snapshotLocked returns a table holding the merged view of base and local.
// When nothing was written locally the base is returned as is.
func (c *Container) snapshotLocked() *table {
	if c.local.empty() {
		return c.base
	}

	merged := newTable()
	for name, b := range c.base.bindings {
		if !c.local.forgotten[name] {
			merged.bindings[name] = b
		}
	}
	for name, v := range c.base.instances {
		if !c.local.forgotten[name] {
			merged.instances[name] = v
		}
	}
	for alias, name := range c.base.aliases {
		if !c.local.forgotten[alias] {
			merged.aliases[alias] = name
		}
	}
	for name, b := range c.local.bindings {
		delete(merged.instances, name)
		merged.bindings[name] = b
	}
	for name, v := range c.local.instances {
		merged.instances[name] = v
	}
	for alias, name := range c.local.aliases {
		merged.aliases[alias] = name
	}
	return merged
}

// Sandbox returns a disposable copy of c. The copy shares c's bindings by
// reference and keeps its own writes to itself.
func (c *Container) Sandbox() *Container {
	c.mu.RLock()
	base := c.snapshotLocked()
	c.mu.RUnlock()

	return &Container{
		id:     uuid.New().String(),
		parent: c,
		base:   base,
		local:  newTable(),
	}
}

// Terminating registers fn to run when the owning unit of work terminates
func (c *Container) Terminating(fn TerminatingFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flushed {
		return ErrFlushed
	}
	if c.frozen {
		return ErrFrozen
	}
	c.terminating = append(c.terminating, fn)
	return nil
}

// RunTerminating runs and clears the terminating callbacks in registration
// order. Every callback runs; their errors are joined.
func (c *Container) RunTerminating(ctx context.Context) error {
	c.mu.Lock()
	callbacks := c.terminating
	c.terminating = nil
	c.mu.Unlock()

	var errs []error
	for _, fn := range callbacks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush drops everything the container accumulated. Any later use fails
// with ErrFlushed.
func (c *Container) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.local = newTable()
	c.base = newTable()
	c.terminating = nil
	c.flushed = true
}

// Resolve resolves name on c and asserts it to T
func Resolve[T any](ctx context.Context, c *Container, name string) (T, error) {
	var zero T
	v, err := c.Make(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &ResolutionError{
			Name: name,
			Err:  fmt.Errorf("%w: got %T, want %T", ErrTypeMismatch, v, zero),
		}
	}
	return typed, nil
}

type resolvingKey struct{}

func resolving(ctx context.Context, name string) bool {
	chain, _ := ctx.Value(resolvingKey{}).(map[string]bool)
	return chain[name]
}

func withResolving(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(resolvingKey{}).(map[string]bool)
	chain := make(map[string]bool, len(prev)+1)
	for k := range prev {
		chain[k] = true
	}
	chain[name] = true
	return context.WithValue(ctx, resolvingKey{}, chain)
}
