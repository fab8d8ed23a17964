// Package worker executes queued tasks: it resolves handlers, applies
// retry and timeout policy, classifies outcomes and persists the result
// atomically through the storage contract.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskforge/core/recurrence"
	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
	"github.com/dmitrymomot/taskforge/pkg/logger"
)

var (
	ErrNilExecutor = errors.New("executor cannot be nil")
	ErrNilResolver = errors.New("handler resolver cannot be nil")
)

// RescheduleFunc re-arms the scheduler for the next recurring occurrence.
type RescheduleFunc func(taskID uuid.UUID, at time.Time)

// FlushFunc drains captured handler log lines into storage after the
// execution finishes.
type FlushFunc func(ctx context.Context, taskID uuid.UUID)

// Executor holds the dependencies shared by every execution: storage,
// cancellation machinery and the scheduler hook for recurring tasks.
type Executor struct {
	store      storage.Storage
	blacklist  *Blacklist
	cancels    *CancelRegistry
	reschedule RescheduleFunc
	flushLogs  FlushFunc
	logger     *slog.Logger
	clock      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithReschedule sets the hook that re-arms the scheduler after a
// recurring run.
func WithReschedule(fn RescheduleFunc) ExecutorOption {
	return func(e *Executor) { e.reschedule = fn }
}

// WithFlushLogs sets the hook that persists captured handler logs.
func WithFlushLogs(fn FlushFunc) ExecutorOption {
	return func(e *Executor) { e.flushLogs = fn }
}

// WithExecutorLogger sets the logger. Defaults to a discard logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorClock overrides the time source for tests.
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewExecutor creates an executor bound to the given storage and
// cancellation registries.
func NewExecutor(store storage.Storage, blacklist *Blacklist, cancels *CancelRegistry, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, storage.ErrStorageNil
	}
	if blacklist == nil {
		blacklist = NewBlacklist()
	}
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	e := &Executor{
		store:     store,
		blacklist: blacklist,
		cancels:   cancels,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Blacklist exposes the pre-start cancellation set.
func (e *Executor) Blacklist() *Blacklist { return e.blacklist }

// Cancels exposes the in-flight cancellation registry.
func (e *Executor) Cancels() *CancelRegistry { return e.cancels }

// Execution is one ready-to-run task. It implements the queue Runner
// contract; the queue manager's worker pool calls Run.
type Execution struct {
	exec        *Executor
	t           *task.QueuedTask
	resolve     ResolveFunc
	timeout     time.Duration
	retry       RetryPolicy
	callbacks   Callbacks
	scheduledAt time.Time
}

// ExecutionOption configures one execution.
type ExecutionOption func(*Execution)

// WithTimeout bounds each attempt. Zero means no per-attempt deadline.
func WithTimeout(d time.Duration) ExecutionOption {
	return func(x *Execution) { x.timeout = d }
}

// WithRetryPolicy overrides the default linear retry.
func WithRetryPolicy(p RetryPolicy) ExecutionOption {
	return func(x *Execution) {
		if p != nil {
			x.retry = p
		}
	}
}

// WithCallbacks attaches lifecycle hooks.
func WithCallbacks(cb Callbacks) ExecutionOption {
	return func(x *Execution) { x.callbacks = cb }
}

// WithScheduledAt records the fire time the scheduler targeted. Recurring
// tasks advance from this anchor, not from the wall clock, so late pickup
// never drifts the rhythm.
func WithScheduledAt(at time.Time) ExecutionOption {
	return func(x *Execution) { x.scheduledAt = at.UTC() }
}

// NewExecution binds a task snapshot to the executor.
func (e *Executor) NewExecution(t *task.QueuedTask, resolve ResolveFunc, opts ...ExecutionOption) (*Execution, error) {
	if e == nil {
		return nil, ErrNilExecutor
	}
	if t == nil {
		return nil, storage.ErrNilTask
	}
	if resolve == nil {
		return nil, ErrNilResolver
	}
	x := &Execution{
		exec:    e,
		t:       t,
		resolve: resolve,
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.scheduledAt.IsZero() {
		if ft := t.FireTime(); ft != nil {
			x.scheduledAt = ft.UTC()
		} else {
			x.scheduledAt = e.clock().UTC()
		}
	}
	return x, nil
}

// TaskID identifies the task this execution belongs to.
func (x *Execution) TaskID() uuid.UUID { return x.t.ID }

// Run drives the full execution state machine. ctx is the engine's
// shutdown context: its cancellation marks the task ServiceStopped rather
// than Failed.
func (x *Execution) Run(ctx context.Context) {
	e := x.exec
	id := x.t.ID
	level := x.t.AuditLevel

	if e.blacklist.Contains(id) {
		e.blacklist.Remove(id)
		cur, err := e.store.Get(context.Background(), id)
		if err == nil && cur.Status == task.StatusCancelled {
			// The cancellation was already persisted; draining the runner
			// must not write a second audit.
			return
		}
		if err := e.store.SetStatus(context.Background(), id, task.StatusCancelled, "cancelled before execution started", nil, level); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist pre-start cancellation",
				logger.TaskID(id), logger.Error(err))
		}
		return
	}

	cur, err := e.store.ClaimForRun(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotClaimable):
		// The row moved on since this runner was enqueued (cancelled or
		// re-registered); a fresher runner or scheduler entry owns it.
		e.logger.DebugContext(ctx, "skipping superseded runner", logger.TaskID(id))
		return
	case errors.Is(err, storage.ErrNotFound):
		// Never persisted (best-effort dispatch); run with the snapshot.
	case err != nil:
		e.logger.ErrorContext(ctx, "failed to mark task in progress",
			logger.TaskID(id), logger.Error(err))
		return
	default:
		// Run with the fresh row: a keyed re-registration may have swapped
		// the payload or audit policy since this runner was built.
		x.t = cur
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancels.Register(id, cancel)
	defer func() {
		cancel()
		e.cancels.Remove(id)
		if e.flushLogs != nil {
			e.flushLogs(context.Background(), id)
		}
	}()

	handler, release, err := x.resolve(runCtx)
	if err != nil {
		exc := fmt.Sprintf("handler resolution failed: %v", err)
		x.finish(ctx, task.StatusFailed, exc, 0)
		x.safeOnError(ctx, err)
		return
	}
	if release != nil {
		defer release()
	}

	x.safeCallback(runCtx, "on_started", func(cbCtx context.Context) {
		if x.callbacks.OnStarted != nil {
			x.callbacks.OnStarted(cbCtx, x.t)
		}
	})

	start := e.clock()
	runErr := x.runWithRetry(runCtx, handler)
	execMs := float64(e.clock().Sub(start)) / float64(time.Millisecond)

	outcome, exception := x.classify(ctx, runCtx, runErr)
	x.finish(ctx, outcome, exception, execMs)

	switch outcome {
	case task.StatusCompleted:
		x.safeCallback(context.Background(), "on_completed", func(cbCtx context.Context) {
			if x.callbacks.OnCompleted != nil {
				x.callbacks.OnCompleted(cbCtx, x.t)
			}
		})
	case task.StatusFailed:
		x.safeOnError(ctx, runErr)
	}
}

// classify maps the run error to a lifecycle outcome. Shutdown wins over
// user cancellation; user cancellation wins over failure.
func (x *Execution) classify(shutdownCtx, runCtx context.Context, runErr error) (task.Status, string) {
	if runErr == nil {
		return task.StatusCompleted, ""
	}
	if shutdownCtx.Err() != nil {
		return task.StatusServiceStopped, "operation canceled: service shutting down"
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.Canceled) {
		return task.StatusCancelled, "operation cancelled by user request"
	}
	return task.StatusFailed, runErr.Error()
}

// finish persists the outcome. Completed and Failed recurring runs count
// against MaxRuns and advance the rhythm; Cancelled and ServiceStopped
// interruptions do not, leaving the row for recovery or operator action.
func (x *Execution) finish(ctx context.Context, outcome task.Status, exception string, execMs float64) {
	e := x.exec
	id := x.t.ID
	level := x.t.AuditLevel
	persistCtx := context.Background()

	recurringRun := x.t.IsRecurring && x.t.Recurring != nil &&
		(outcome == task.StatusCompleted || outcome == task.StatusFailed)

	if !recurringRun {
		var msPtr *float64
		if execMs > 0 {
			msPtr = &execMs
		}
		if err := e.store.SetStatus(persistCtx, id, outcome, exception, msPtr, level); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist task outcome",
				logger.TaskID(id), logger.Status(string(outcome)), logger.Error(err))
		}
		// A recurring run cut short by user cancellation still shows up in
		// the run history, without counting against MaxRuns.
		if x.t.IsRecurring && x.t.Recurring != nil && outcome == task.StatusCancelled {
			if err := e.store.RecordInterruptedRun(persistCtx, id, execMs, outcome, exception, level); err != nil {
				e.logger.ErrorContext(ctx, "failed to record interrupted run",
					logger.TaskID(id), logger.Error(err))
			}
		}
		e.logger.InfoContext(ctx, "task finished",
			logger.TaskID(id), logger.Status(string(outcome)),
			logger.Duration(time.Duration(execMs*float64(time.Millisecond))))
		return
	}

	// Advance from the scheduled fire time so a slow pickup or long run
	// cannot shift subsequent occurrences.
	next, err := recurrence.NextRun(x.t.Recurring, x.scheduledAt, x.t.RunCount()+1)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to compute next occurrence",
			logger.TaskID(id), logger.Error(err))
		next = nil
	}

	if err := e.store.UpdateCurrentRun(persistCtx, id, execMs, next, outcome, exception, level); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist recurring run",
			logger.TaskID(id), logger.Status(string(outcome)), logger.Error(err))
		return
	}

	if next != nil {
		e.logger.InfoContext(ctx, "recurring run finished",
			logger.TaskID(id), logger.Status(string(outcome)),
			slog.Time("next_run", *next))
		if e.reschedule != nil {
			e.reschedule(id, *next)
		}
	} else {
		e.logger.InfoContext(ctx, "recurring task exhausted",
			logger.TaskID(id), logger.Status(string(outcome)),
			slog.Int("runs", x.t.RunCount()+1))
	}
}

// runWithRetry executes attempts until success, cancellation or policy
// exhaustion. On exhaustion it returns the join of every attempt error so
// the stored exception shows the full history.
func (x *Execution) runWithRetry(ctx context.Context, h Handler) error {
	var errs []error
	attempt := 0
	for {
		err := x.attempt(ctx, h)
		if err == nil {
			return nil
		}
		errs = append(errs, err)

		// Cancellation is not a failure to retry through.
		if ctx.Err() != nil {
			return errors.Join(errs...)
		}

		attempt++
		delay, ok := x.retry(attempt, err)
		if !ok {
			return errors.Join(errs...)
		}

		x.exec.logger.WarnContext(ctx, "task attempt failed, retrying",
			logger.TaskID(x.t.ID), logger.Attempt(attempt), logger.Error(err))
		x.safeCallback(ctx, "on_retry", func(cbCtx context.Context) {
			if x.callbacks.OnRetry != nil {
				x.callbacks.OnRetry(cbCtx, x.t, attempt, err)
			}
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Join(errs...)
		}
	}
}

// attempt runs the handler once under the per-attempt timeout, converting
// panics into errors.
func (x *Execution) attempt(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	actx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	err = h.Handle(actx, x.t.Request)
	if err != nil && x.timeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("TimeoutException: execution exceeded %s: %w", x.timeout, err)
	}
	return err
}

func (x *Execution) safeOnError(ctx context.Context, err error) {
	x.safeCallback(ctx, "on_error", func(cbCtx context.Context) {
		if x.callbacks.OnError != nil {
			x.callbacks.OnError(cbCtx, x.t, err)
		}
	})
}

// safeCallback shields the worker from panicking hooks.
func (x *Execution) safeCallback(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			x.exec.logger.ErrorContext(ctx, "callback panicked",
				logger.TaskID(x.t.ID), slog.String("callback", name), slog.Any("panic", r))
		}
	}()
	fn(ctx)
}
