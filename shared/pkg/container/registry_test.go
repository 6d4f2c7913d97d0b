package container

import (
	"context"
	"errors"
	"testing"
)

func TestRegistrySwapAndRestore(t *testing.T) {
	root := New()
	root.Freeze()

	reg := NewRegistry()
	reg.SetRoot(root)
	if !reg.Idle() {
		t.Fatal("Registry should start idle")
	}

	sandbox := root.Sandbox()
	restore := reg.Swap(sandbox)
	if reg.Current() != sandbox {
		t.Error("Current should be the sandbox after Swap")
	}
	if reg.Idle() {
		t.Error("Registry should not be idle while a sandbox is active")
	}

	restore()
	restore()
	if reg.Current() != root {
		t.Error("Current should be the root after restore")
	}
}

func TestRegistryRestoresOnPanic(t *testing.T) {
	root := New()
	reg := NewRegistry()
	reg.SetRoot(root)

	func() {
		defer func() { recover() }()
		restore := reg.Swap(root.Sandbox())
		defer restore()
		panic("unit of work exploded")
	}()

	if reg.Current() != root {
		t.Error("Registry must be restored even when the unit of work panics")
	}
}

func TestAmbient(t *testing.T) {
	root := New()
	reg := NewRegistry()
	reg.SetRoot(root)
	sandbox := root.Sandbox()

	tests := []struct {
		name string
		ctx  context.Context
		reg  *Registry
		want *Container
	}{
		{"Context wins", WithContainer(context.Background(), sandbox), reg, sandbox},
		{"Registry fallback", context.Background(), reg, root},
		{"Nothing available", context.Background(), nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ambient(tt.ctx, tt.reg); got != tt.want {
				t.Errorf("Ambient() = %v, want %v", got, tt.want)
			}
		})
	}
}

type bootProvider struct {
	booted bool
}

func (p *bootProvider) Register(c *Container) error {
	return c.Singleton("clock", func(ctx context.Context, c *Container) (any, error) {
		return &counter{n: 1}, nil
	})
}

func (p *bootProvider) Boot(ctx context.Context, c *Container) error {
	if _, err := c.Make(ctx, "seeded"); err != nil {
		return err
	}
	p.booted = true
	return nil
}

func TestBuilderCreateApplication(t *testing.T) {
	ctx := context.Background()
	provider := &bootProvider{}
	builder := NewBuilder(provider).Warm("clock")

	root, err := builder.CreateApplication(ctx, map[string]any{"seeded": "yes"})
	if err != nil {
		t.Fatalf("CreateApplication failed: %v", err)
	}
	if !provider.booted {
		t.Error("Boot was not called")
	}
	if !root.Frozen() {
		t.Error("Root should be frozen after CreateApplication")
	}

	a, _ := Resolve[*counter](ctx, builder.Clone(root), "clock")
	b, _ := Resolve[*counter](ctx, builder.Clone(root), "clock")
	if a != b {
		t.Error("Warmed singleton should be shared by clones")
	}
}

func TestBuilderProviderError(t *testing.T) {
	failing := ProviderFunc(func(c *Container) error {
		return errors.New("no database")
	})
	if _, err := NewBuilder(failing).CreateApplication(context.Background(), nil); err == nil {
		t.Error("Expected provider error")
	}
}
