package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/resident/pkg/container"
)

// ClientBinding is the name the worker's client is seeded under
const ClientBinding = "client"

// Client is the transport that received a request and delivers its response
type Client interface {
	// Respond sends a successful response
	Respond(ctx context.Context, rc *RequestContext, resp *Response) error
	// Error produces a client-visible error response for a failed request
	Error(ctx context.Context, err error, app *container.Container, req *http.Request, rc *RequestContext) error
}

// StaticFileServer is implemented by clients that serve static files
// without involving the application
type StaticFileServer interface {
	CanServeRequestAsStaticFile(req *http.Request, rc *RequestContext) bool
	ServeStaticFile(ctx context.Context, req *http.Request, rc *RequestContext) error
}

// RequestContext carries what a client needs to answer one request
type RequestContext struct {
	ID         string
	ReceivedAt time.Time
	Writer     http.ResponseWriter
	Values     map[string]any
}

// NewRequestContext creates a request context answering through w
func NewRequestContext(w http.ResponseWriter) *RequestContext {
	return &RequestContext{
		ID:         uuid.New().String(),
		ReceivedAt: time.Now(),
		Writer:     w,
		Values:     make(map[string]any),
	}
}

// Response is a fully buffered application response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse creates a response with a plain text body
func NewResponse(status int, body string) *Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       []byte(body),
	}
}

// Status returns the HTTP status code
func (r *Response) Status() int {
	return r.StatusCode
}
