package events

import (
	"net/http"

	"github.com/psantana5/resident/pkg/container"
)

// Kind identifies a lifecycle event
type Kind string

const (
	KindWorkerStarting      Kind = "worker.starting"
	KindWorkerStopping      Kind = "worker.stopping"
	KindRequestReceived     Kind = "request.received"
	KindRequestHandled      Kind = "request.handled"
	KindRequestTerminated   Kind = "request.terminated"
	KindTaskReceived        Kind = "task.received"
	KindTaskTerminated      Kind = "task.terminated"
	KindTickReceived        Kind = "tick.received"
	KindTickTerminated      Kind = "tick.terminated"
	KindWorkerErrorOccurred Kind = "worker.error"
)

// Event is a lifecycle notification. The set of implementations is closed:
// only the types in this file satisfy it.
type Event interface {
	Kind() Kind
	event()
}

// Response is the subset of a worker response that events expose
type Response interface {
	Status() int
}

// WorkerStarting fires once after the root container has been built
type WorkerStarting struct {
	App *container.Container
}

// WorkerStopping fires once during graceful shutdown
type WorkerStopping struct {
	App *container.Container
}

// RequestReceived fires before the application handles a request
type RequestReceived struct {
	App     *container.Container
	Sandbox *container.Container
	Request *http.Request
}

// RequestHandled fires after the application produced a response and before
// it is sent
type RequestHandled struct {
	Sandbox  *container.Container
	Request  *http.Request
	Response Response
}

// RequestTerminated fires after the response was sent and the application's
// termination phase ran
type RequestTerminated struct {
	App      *container.Container
	Sandbox  *container.Container
	Request  *http.Request
	Response Response
}

// TaskReceived fires before a task payload runs
type TaskReceived struct {
	App     *container.Container
	Sandbox *container.Container
	Task    any
}

// TaskTerminated fires after a task payload returned successfully
type TaskTerminated struct {
	App     *container.Container
	Sandbox *container.Container
	Task    any
	Result  any
}

// TickReceived fires at the start of a tick
type TickReceived struct {
	App     *container.Container
	Sandbox *container.Container
}

// TickTerminated fires at the end of a tick
type TickTerminated struct {
	App     *container.Container
	Sandbox *container.Container
}

// WorkerErrorOccurred carries any failure contained by the worker. App is
// the container the failure happened in, usually a sandbox. Continuing is
// set when the unit of work still runs to its terminated event.
type WorkerErrorOccurred struct {
	Err        error
	App        *container.Container
	Continuing bool
}

func (WorkerStarting) Kind() Kind      { return KindWorkerStarting }
func (WorkerStopping) Kind() Kind      { return KindWorkerStopping }
func (RequestReceived) Kind() Kind     { return KindRequestReceived }
func (RequestHandled) Kind() Kind      { return KindRequestHandled }
func (RequestTerminated) Kind() Kind   { return KindRequestTerminated }
func (TaskReceived) Kind() Kind        { return KindTaskReceived }
func (TaskTerminated) Kind() Kind      { return KindTaskTerminated }
func (TickReceived) Kind() Kind        { return KindTickReceived }
func (TickTerminated) Kind() Kind      { return KindTickTerminated }
func (WorkerErrorOccurred) Kind() Kind { return KindWorkerErrorOccurred }

func (WorkerStarting) event()      {}
func (WorkerStopping) event()      {}
func (RequestReceived) event()     {}
func (RequestHandled) event()      {}
func (RequestTerminated) event()   {}
func (TaskReceived) event()        {}
func (TaskTerminated) event()      {}
func (TickReceived) event()        {}
func (TickTerminated) event()      {}
func (WorkerErrorOccurred) event() {}

// Scope returns the container an event belongs to: the sandbox when the
// event has one, otherwise the root.
func Scope(e Event) *container.Container {
	switch ev := e.(type) {
	case WorkerStarting:
		return ev.App
	case WorkerStopping:
		return ev.App
	case RequestReceived:
		return ev.Sandbox
	case RequestHandled:
		return ev.Sandbox
	case RequestTerminated:
		return ev.Sandbox
	case TaskReceived:
		return ev.Sandbox
	case TaskTerminated:
		return ev.Sandbox
	case TickReceived:
		return ev.Sandbox
	case TickTerminated:
		return ev.Sandbox
	case WorkerErrorOccurred:
		return ev.App
	default:
		return nil
	}
}
