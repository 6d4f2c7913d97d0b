package tracing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
	"github.com/psantana5/resident/pkg/logging"
)

func newTestProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewProvider(tp, "resident-test"), rec
}

func hasAttr(attrs []attribute.KeyValue, key string, value attribute.Value) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value == value {
			return true
		}
	}
	return false
}

func TestInitTracerDisabled(t *testing.T) {
	logger := logging.NewLogger(logging.FATAL, false)
	logger.SetOutput(io.Discard)

	p, err := InitTracer(Config{ServiceName: "resident", Enabled: false}, logger)
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if p.Tracer() == nil {
		t.Error("Disabled tracing should still provide a tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestListenersSpanPerUnit(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProvider()
	bus := events.NewBus()
	p.Register(bus)

	root := container.New()
	root.Freeze()
	sandbox := root.Sandbox()

	bus.Dispatch(ctx, events.TickReceived{App: root, Sandbox: sandbox})
	if len(rec.Ended()) != 0 {
		t.Fatal("Span should stay open until the tick terminates")
	}
	bus.Dispatch(ctx, events.TickTerminated{App: root, Sandbox: sandbox})

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("Got %d ended spans, want 1", len(ended))
	}
	if ended[0].Name() != "tick" {
		t.Errorf("Span name = %s, want tick", ended[0].Name())
	}
	if !hasAttr(ended[0].Attributes(), "resident.container", attribute.StringValue(sandbox.ID())) {
		t.Error("Span should carry the sandbox id")
	}
	if root.Bound(SpanBinding) {
		t.Error("Span must be stored in the sandbox, not the root")
	}
}

func TestListenersRecordErrors(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProvider()
	bus := events.NewBus()
	p.Register(bus)

	root := container.New()
	root.Freeze()
	sandbox := root.Sandbox()

	bus.Dispatch(ctx, events.TaskReceived{App: root, Sandbox: sandbox})
	bus.Dispatch(ctx, events.WorkerErrorOccurred{Err: errors.New("task failed"), App: sandbox})

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("Got %d ended spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("Status = %v, want Error", ended[0].Status().Code)
	}

	// Errors without a span in their sandbox are ignored
	if err := bus.Dispatch(ctx, events.WorkerErrorOccurred{Err: errors.New("x"), App: root.Sandbox()}); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
}

func TestRequestSpanStatus(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProvider()
	bus := events.NewBus()
	p.Register(bus)

	root := container.New()
	root.Freeze()
	sandbox := root.Sandbox()
	req := httptest.NewRequest("GET", "/hello/bob", nil)

	bus.Dispatch(ctx, events.RequestReceived{App: root, Sandbox: sandbox, Request: req})
	bus.Dispatch(ctx, events.RequestTerminated{App: root, Sandbox: sandbox, Request: req, Response: status(204)})

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("Got %d ended spans, want 1", len(ended))
	}
	if ended[0].Name() != "GET /hello/bob" {
		t.Errorf("Span name = %s", ended[0].Name())
	}
	if !hasAttr(ended[0].Attributes(), "http.status_code", attribute.IntValue(204)) {
		t.Error("Span should carry the response status")
	}
}

func TestAnsweredRequestSpanEndsOnTermination(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProvider()
	bus := events.NewBus()
	p.Register(bus)

	root := container.New()
	root.Freeze()
	sandbox := root.Sandbox()
	req := httptest.NewRequest("GET", "/", nil)

	bus.Dispatch(ctx, events.RequestReceived{App: root, Sandbox: sandbox, Request: req})
	bus.Dispatch(ctx, events.WorkerErrorOccurred{Err: errors.New("callback failed"), App: sandbox, Continuing: true})
	if len(rec.Ended()) != 0 {
		t.Fatal("Span should stay open until the request terminates")
	}

	bus.Dispatch(ctx, events.RequestTerminated{App: root, Sandbox: sandbox, Request: req, Response: status(200)})

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("Got %d ended spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("Status = %v, want Error", ended[0].Status().Code)
	}
	if !hasAttr(ended[0].Attributes(), "http.status_code", attribute.IntValue(200)) {
		t.Error("Span should carry the response status")
	}
}

type status int

func (s status) Status() int { return int(s) }

func TestHTTPMiddleware(t *testing.T) {
	p, rec := newTestProvider()

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/brew", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("Got %d ended spans, want 1", len(ended))
	}
	span := ended[0]
	if span.Parent().TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Error("Span should continue the incoming trace")
	}
	if !hasAttr(span.Attributes(), "http.status_code", attribute.IntValue(http.StatusTeapot)) {
		t.Error("Span should carry the status code")
	}
	if rr.Header().Get("traceparent") == "" {
		t.Error("Trace context should be injected into the response")
	}
}
