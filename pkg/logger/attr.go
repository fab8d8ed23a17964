// Package logger provides slog attribute helpers shared by the engine
// components. Helpers follow the empty-Attr pattern: passing a nil error
// or zero value yields an attribute slog drops silently, so call sites
// need no nil checks.
package logger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Error creates an attribute for a single error under the key "error".
// Returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// TaskID tags a log line with the task it concerns.
func TaskID(id uuid.UUID) slog.Attr {
	return slog.String("task_id", id.String())
}

// Queue tags a log line with a queue name.
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// Component tags a log line with the emitting engine component.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Duration creates an attribute for an elapsed time under "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Status tags a log line with a task lifecycle status.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Attempt tags a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}
