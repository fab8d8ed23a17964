package worker

import (
	"context"
	"encoding/json"

	"github.com/dmitrymomot/taskforge/core/task"
)

// Handler processes one task payload. Implementations must honor context
// cancellation; the engine cancels the context on user cancellation, per
// attempt timeout and shutdown.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// ReleaseFunc disposes a resolved handler and its dependencies after the
// execution finishes. May be nil.
type ReleaseFunc func()

// ResolveFunc builds the handler for one execution. Eager resolution calls
// it at enqueue time, lazy resolution at pickup time so long-parked tasks
// do not pin dependencies.
type ResolveFunc func(ctx context.Context) (Handler, ReleaseFunc, error)

// Callbacks are optional per-handler hooks. They run on the worker
// goroutine; panics are caught and logged so a misbehaving hook cannot
// take down the execution.
type Callbacks struct {
	OnStarted   func(ctx context.Context, t *task.QueuedTask)
	OnCompleted func(ctx context.Context, t *task.QueuedTask)
	OnError     func(ctx context.Context, t *task.QueuedTask, err error)
	OnRetry     func(ctx context.Context, t *task.QueuedTask, attempt int, err error)
}
