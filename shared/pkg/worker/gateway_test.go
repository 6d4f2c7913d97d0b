package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/psantana5/resident/pkg/container"
)

func TestHTTPKernel(t *testing.T) {
	root := container.New()
	sandbox := root.Sandbox()
	ctx := container.WithContainer(context.Background(), sandbox)

	kernel := NewHTTPKernel(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := container.FromContext(r.Context()); !ok || c != sandbox {
			t.Error("Handler should see the sandbox in its request context")
		}
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("created"))
	}))

	resp, err := kernel.Handle(ctx, httptest.NewRequest("POST", "/things", nil))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Status() != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status())
	}
	if resp.Header.Get("X-Test") != "yes" {
		t.Error("Header not captured")
	}
	if string(resp.Body) != "created" {
		t.Errorf("Body = %q, want created", resp.Body)
	}
}

func TestHTTPKernelDefaultStatus(t *testing.T) {
	kernel := NewHTTPKernel(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	resp, _ := kernel.Handle(context.Background(), httptest.NewRequest("GET", "/", nil))
	if resp.Status() != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status())
	}
}

func TestHTTPKernelAbort(t *testing.T) {
	abortErr := errors.New("aborted")
	kernel := NewHTTPKernel(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Abort(r.Context(), abortErr) {
			t.Error("Abort should find the kernel's slot")
		}
	}))

	resp, err := kernel.Handle(context.Background(), httptest.NewRequest("GET", "/", nil))
	if !errors.Is(err, abortErr) {
		t.Errorf("err = %v, want %v", err, abortErr)
	}
	if resp != nil {
		t.Errorf("Aborted request should have no response, got %+v", resp)
	}

	if Abort(context.Background(), abortErr) {
		t.Error("Abort outside a kernel should report false")
	}
}

func TestApplicationGatewayWithoutKernel(t *testing.T) {
	root := container.New()
	root.Freeze()
	sandbox := root.Sandbox()

	gateway := NewApplicationGateway(root, sandbox)
	_, err := gateway.Handle(context.Background(), httptest.NewRequest("GET", "/", nil))
	if !errors.Is(err, container.ErrNotBound) {
		t.Errorf("err = %v, want ErrNotBound", err)
	}
}

func TestApplicationGatewayNilResponse(t *testing.T) {
	root := container.New()
	root.Instance(KernelBinding, &fakeKernel{
		handle: func(ctx context.Context, req *http.Request) (*Response, error) {
			return nil, nil
		},
	})
	root.Freeze()

	gateway := NewApplicationGateway(root, root.Sandbox())
	if _, err := gateway.Handle(context.Background(), httptest.NewRequest("GET", "/", nil)); !errors.Is(err, errNoResponse) {
		t.Errorf("err = %v, want errNoResponse", err)
	}
}

func TestPanicError(t *testing.T) {
	cause := errors.New("cause")

	err := protect(func() error { panic(cause) })
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("err = %T, want *PanicError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("PanicError should unwrap to an error panic value")
	}
	if len(panicErr.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err := protect(func() error { panic("text") }); err == nil || err.Error() != "panic: text" {
		t.Errorf("Unexpected error for string panic: %v", err)
	}
	if err := protect(func() error { return nil }); err != nil {
		t.Errorf("protect should pass through nil, got %v", err)
	}
}
