package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
)

// SpanBinding is where the span of the running unit of work is kept in its sandbox
const SpanBinding = "tracing.span"

// Register starts a span for every unit of work when it is received and
// ends it when it terminates. Worker errors are recorded on the span of the
// sandbox they happened in.
func (p *Provider) Register(bus *events.Bus) {
	events.Listen(bus, func(ctx context.Context, e events.RequestReceived) error {
		attrs := []attribute.KeyValue{attribute.String("resident.unit", "request")}
		name := "request"
		if e.Request != nil {
			name = e.Request.Method + " " + e.Request.URL.Path
			attrs = append(attrs, attribute.String("http.method", e.Request.Method))
		}
		return p.begin(ctx, e.Sandbox, name, attrs...)
	})
	events.Listen(bus, func(ctx context.Context, e events.RequestTerminated) error {
		var attrs []attribute.KeyValue
		if e.Response != nil {
			attrs = append(attrs, attribute.Int("http.status_code", e.Response.Status()))
		}
		p.end(ctx, e.Sandbox, attrs...)
		return nil
	})
	events.Listen(bus, func(ctx context.Context, e events.TaskReceived) error {
		return p.begin(ctx, e.Sandbox, "task", attribute.String("resident.unit", "task"))
	})
	events.Listen(bus, func(ctx context.Context, e events.TaskTerminated) error {
		p.end(ctx, e.Sandbox)
		return nil
	})
	events.Listen(bus, func(ctx context.Context, e events.TickReceived) error {
		return p.begin(ctx, e.Sandbox, "tick", attribute.String("resident.unit", "tick"))
	})
	events.Listen(bus, func(ctx context.Context, e events.TickTerminated) error {
		p.end(ctx, e.Sandbox)
		return nil
	})
	events.Listen(bus, func(ctx context.Context, e events.WorkerErrorOccurred) error {
		span, ok := spanOf(ctx, e.App)
		if !ok {
			return nil
		}
		err := e.Err
		if err == nil {
			err = errors.New("unknown worker error")
		}
		recordError(span, err)
		if !e.Continuing {
			span.End()
		}
		return nil
	})
}

func (p *Provider) begin(ctx context.Context, sandbox *container.Container, name string, attrs ...attribute.KeyValue) error {
	if sandbox == nil {
		return nil
	}
	attrs = append(attrs, attribute.String("resident.container", sandbox.ID()))
	_, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return sandbox.Instance(SpanBinding, span)
}

func (p *Provider) end(ctx context.Context, sandbox *container.Container, attrs ...attribute.KeyValue) {
	span, ok := spanOf(ctx, sandbox)
	if !ok {
		return
	}
	span.SetAttributes(attrs...)
	span.End()
}

func spanOf(ctx context.Context, sandbox *container.Container) (trace.Span, bool) {
	if sandbox == nil || !sandbox.Bound(SpanBinding) {
		return nil, false
	}
	span, err := container.Resolve[trace.Span](ctx, sandbox, SpanBinding)
	if err != nil {
		return nil, false
	}
	return span, true
}
