package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/worker"
)

// Container bindings registered by the demo application
const (
	CounterBinding = "counter"
	LoggerBinding  = "logger"
)

// ErrRequestedFailure is returned by the /fail route
var ErrRequestedFailure = errors.New("requested failure")

// Counter is request scoped: every sandbox gets a fresh one
type Counter struct {
	n int
}

// Incr adds one and returns the new value
func (c *Counter) Incr() int {
	c.n++
	return c.n
}

// NewBuilder returns the factory the worker pool boots the application from
func NewBuilder() *container.Builder {
	return container.NewBuilder(
		container.ProviderFunc(registerServices),
		container.ProviderFunc(registerKernel),
	).Warm(worker.KernelBinding)
}

func registerServices(c *container.Container) error {
	return c.Scoped(CounterBinding, func(ctx context.Context, c *container.Container) (any, error) {
		return &Counter{}, nil
	})
}

func registerKernel(c *container.Container) error {
	return c.Singleton(worker.KernelBinding, func(ctx context.Context, c *container.Container) (any, error) {
		return worker.NewHTTPKernel(Router()), nil
	})
}

// Router serves the demo routes. Handlers find their sandbox in the request
// context.
func Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/hello/{name}", handleHello).Methods(http.MethodGet)
	r.HandleFunc("/counter", handleCounter).Methods(http.MethodGet)
	r.HandleFunc("/fail", handleFail)
	r.HandleFunc("/panic", handlePanic)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})
	return r
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}

func handleHello(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Hello, %s!", name)
}

func handleCounter(w http.ResponseWriter, r *http.Request) {
	sandbox, ok := container.FromContext(r.Context())
	if !ok {
		http.Error(w, "no container in effect", http.StatusInternalServerError)
		return
	}
	counter, err := container.Resolve[*Counter](r.Context(), sandbox, CounterBinding)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Resolving again within the request returns the same counter
	again, err := container.Resolve[*Counter](r.Context(), sandbox, CounterBinding)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counter.Incr()
	value := again.Incr()

	if logger, err := container.Resolve[*logging.Logger](r.Context(), sandbox, LoggerBinding); err == nil {
		id := sandbox.ID()
		err = sandbox.Terminating(func(ctx context.Context) error {
			logger.Debug("Counter request terminated", map[string]interface{}{
				"container_id": id,
				"value":        value,
			})
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d", value)
}

func handleFail(w http.ResponseWriter, r *http.Request) {
	if !worker.Abort(r.Context(), ErrRequestedFailure) {
		http.Error(w, ErrRequestedFailure.Error(), http.StatusInternalServerError)
	}
}

func handlePanic(w http.ResponseWriter, r *http.Request) {
	panic("requested panic")
}
