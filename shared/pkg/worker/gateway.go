package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/events"
)

// KernelBinding is the name the application's Kernel is bound under
const KernelBinding = "kernel"

var errNoResponse = errors.New("application returned no response")

// Kernel is the application entry point for requests
type Kernel interface {
	Handle(ctx context.Context, req *http.Request) (*Response, error)
	Terminate(ctx context.Context, req *http.Request, resp *Response) error
}

// Gateway drives one request through a sandbox
type Gateway interface {
	Handle(ctx context.Context, req *http.Request) (*Response, error)
	Terminate(ctx context.Context, req *http.Request, resp *Response) error
}

// GatewayFactory builds the gateway for one request
type GatewayFactory func(app, sandbox *container.Container) Gateway

// ApplicationGateway resolves the Kernel from the sandbox and brackets it
// with request lifecycle events
type ApplicationGateway struct {
	app     *container.Container
	sandbox *container.Container
}

// NewApplicationGateway is the default GatewayFactory
func NewApplicationGateway(app, sandbox *container.Container) Gateway {
	return &ApplicationGateway{app: app, sandbox: sandbox}
}

// Handle dispatches RequestReceived, runs the kernel and dispatches
// RequestHandled
func (g *ApplicationGateway) Handle(ctx context.Context, req *http.Request) (*Response, error) {
	if err := events.Dispatch(ctx, g.sandbox, events.RequestReceived{
		App:     g.app,
		Sandbox: g.sandbox,
		Request: req,
	}); err != nil {
		return nil, err
	}

	kernel, err := container.Resolve[Kernel](ctx, g.sandbox, KernelBinding)
	if err != nil {
		return nil, err
	}

	resp, err := kernel.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errNoResponse
	}

	if err := events.Dispatch(ctx, g.sandbox, events.RequestHandled{
		Sandbox:  g.sandbox,
		Request:  req,
		Response: resp,
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// Terminate runs the kernel's termination phase and the sandbox's
// terminating callbacks, then dispatches RequestTerminated. Every step runs;
// failures are joined.
func (g *ApplicationGateway) Terminate(ctx context.Context, req *http.Request, resp *Response) error {
	var errs []error

	kernel, err := container.Resolve[Kernel](ctx, g.sandbox, KernelBinding)
	if err != nil {
		errs = append(errs, err)
	} else if err := kernel.Terminate(ctx, req, resp); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate kernel: %w", err))
	}

	if err := g.sandbox.RunTerminating(ctx); err != nil {
		errs = append(errs, fmt.Errorf("terminating callbacks failed: %w", err))
	}

	if err := events.Dispatch(ctx, g.sandbox, events.RequestTerminated{
		App:      g.app,
		Sandbox:  g.sandbox,
		Request:  req,
		Response: resp,
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HTTPKernel adapts an http.Handler to Kernel. The handler's request context
// carries the sandbox, see container.FromContext.
type HTTPKernel struct {
	Handler http.Handler
}

// NewHTTPKernel creates a kernel serving h
func NewHTTPKernel(h http.Handler) *HTTPKernel {
	return &HTTPKernel{Handler: h}
}

type abortKey struct{}

// Abort makes the HTTPKernel serving the request fail with err instead of
// producing a response. It reports whether ctx belongs to such a request.
func Abort(ctx context.Context, err error) bool {
	slot, ok := ctx.Value(abortKey{}).(*error)
	if !ok {
		return false
	}
	*slot = err
	return true
}

// Handle runs the handler against a buffering response writer
func (k *HTTPKernel) Handle(ctx context.Context, req *http.Request) (*Response, error) {
	var aborted error
	ctx = context.WithValue(ctx, abortKey{}, &aborted)

	rec := newResponseRecorder()
	k.Handler.ServeHTTP(rec, req.WithContext(ctx))
	if aborted != nil {
		return nil, aborted
	}
	return rec.response(), nil
}

// Terminate is a no-op; handlers register cleanup on the sandbox instead
func (k *HTTPKernel) Terminate(ctx context.Context, req *http.Request, resp *Response) error {
	return nil
}

type responseRecorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

func (r *responseRecorder) response() *Response {
	return &Response{
		StatusCode: r.status,
		Header:     r.header.Clone(),
		Body:       bytes.Clone(r.body.Bytes()),
	}
}
