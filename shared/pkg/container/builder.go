package container

import (
	"context"
	"fmt"
	"sort"
)

// Provider registers bindings on a root container during boot
type Provider interface {
	Register(c *Container) error
}

// Booter is implemented by providers that need every binding registered
// before they run. Boot is called after all providers have registered.
type Booter interface {
	Boot(ctx context.Context, c *Container) error
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(c *Container) error

// Register calls f(c)
func (f ProviderFunc) Register(c *Container) error {
	return f(c)
}

// Builder creates root containers from a fixed provider list and copies them
// into sandboxes
type Builder struct {
	providers []Provider
	warm      []string
}

// NewBuilder creates a builder for the given providers
func NewBuilder(providers ...Provider) *Builder {
	return &Builder{providers: providers}
}

// Warm marks singletons that are resolved on the root during boot. Warmed
// services are shared by every sandbox; everything else is resolved per
// sandbox.
func (b *Builder) Warm(names ...string) *Builder {
	b.warm = append(b.warm, names...)
	return b
}

// CreateApplication builds and freezes a root container. Seed instances are
// bound first, so providers may resolve them.
func (b *Builder) CreateApplication(ctx context.Context, seed map[string]any) (*Container, error) {
	c := New()

	names := make([]string, 0, len(seed))
	for name := range seed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Instance(name, seed[name]); err != nil {
			return nil, fmt.Errorf("failed to seed %q: %w", name, err)
		}
	}

	for i, p := range b.providers {
		if err := p.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register provider %d (%T): %w", i, p, err)
		}
	}

	for i, p := range b.providers {
		booter, ok := p.(Booter)
		if !ok {
			continue
		}
		if err := booter.Boot(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to boot provider %d (%T): %w", i, p, err)
		}
	}

	for _, name := range b.warm {
		if _, err := c.Make(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to warm %q: %w", name, err)
		}
	}

	c.Freeze()
	return c, nil
}

// Clone returns a sandbox of root
func (b *Builder) Clone(root *Container) *Container {
	return root.Sandbox()
}
