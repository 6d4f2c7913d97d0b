package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrNotBooted is returned when the worker is used before Boot
	ErrNotBooted = errors.New("worker has not been booted")
	// ErrAlreadyBooted is returned by a second call to Boot
	ErrAlreadyBooted = errors.New("worker has already been booted")
	// ErrTerminated is returned when the worker is used after Terminate
	ErrTerminated = errors.New("worker has been terminated")
	// ErrWorkerBusy is returned when a unit of work is dispatched to a worker
	// that is still running another one
	ErrWorkerBusy = errors.New("worker is busy")
)

// PanicError is a panic recovered while a unit of work ran
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it was an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// protect runs fn and converts a panic into a *PanicError
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
