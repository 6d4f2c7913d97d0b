package logging

import (
	"context"

	"github.com/psantana5/resident/pkg/events"
)

// EventListener returns a wildcard event listener that logs every lifecycle
// event at DEBUG and worker errors at ERROR.
func EventListener(logger *Logger) func(ctx context.Context, e events.Event) error {
	return func(ctx context.Context, e events.Event) error {
		fields := map[string]interface{}{
			"event": string(e.Kind()),
		}
		if scope := events.Scope(e); scope != nil {
			fields["container"] = scope.ID()
		}

		switch ev := e.(type) {
		case events.WorkerErrorOccurred:
			if ev.Err != nil {
				fields["error"] = ev.Err.Error()
			}
			logger.Error("Worker error occurred", fields)
			return nil
		case events.RequestReceived:
			if ev.Request != nil {
				fields["method"] = ev.Request.Method
				fields["path"] = ev.Request.URL.Path
			}
		case events.RequestTerminated:
			if ev.Response != nil {
				fields["status"] = ev.Response.Status()
			}
		}

		logger.Debug("Lifecycle event", fields)
		return nil
	}
}
