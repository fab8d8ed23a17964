package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskforge/core/recurrence"
	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
	"github.com/dmitrymomot/taskforge/pkg/logger"
)

var (
	ErrNilPayload       = errors.New("payload cannot be nil")
	ErrConflictingTimes = errors.New("dispatch cannot combine delay and run-at")
	ErrPersistFailed    = errors.New("failed to persist task")
)

// DispatchOption customizes one dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	delay       time.Duration
	runAt       *time.Time
	recurring   *task.RecurringTask
	taskKey     string
	auditLevel  *task.AuditLevel
	queueName   string
	mustPersist bool
}

// WithDelay schedules the task to fire after d.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithRunAt schedules the task for an absolute time.
func WithRunAt(at time.Time) DispatchOption {
	return func(o *dispatchOptions) {
		t := at.UTC()
		o.runAt = &t
	}
}

// WithRecurring makes the task recurring per the given spec.
func WithRecurring(spec *task.RecurringTask) DispatchOption {
	return func(o *dispatchOptions) { o.recurring = spec }
}

// WithTaskKey attaches an idempotency key. At most one live row exists per
// key; re-dispatching updates or replaces per the existing row's state.
func WithTaskKey(key string) DispatchOption {
	return func(o *dispatchOptions) { o.taskKey = key }
}

// WithAuditLevel overrides the engine's default audit level for this task.
func WithAuditLevel(l task.AuditLevel) DispatchOption {
	return func(o *dispatchOptions) {
		if l.Valid() {
			o.auditLevel = &l
		}
	}
}

// WithDispatchQueue names the target queue. The handler's configured queue
// still takes precedence when set.
func WithDispatchQueue(name string) DispatchOption {
	return func(o *dispatchOptions) { o.queueName = name }
}

// WithMustPersist makes dispatch fail when the task cannot be persisted.
// Without it, persistence errors are logged and the task still runs
// best-effort in this process.
func WithMustPersist() DispatchOption {
	return func(o *dispatchOptions) { o.mustPersist = true }
}

// Dispatch validates, persists and routes one task. The payload's type
// selects the handler; the returned id identifies the stored row.
func (e *Engine) Dispatch(ctx context.Context, payload any, opts ...DispatchOption) (uuid.UUID, error) {
	if payload == nil {
		return uuid.Nil, ErrNilPayload
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return e.dispatch(ctx, qualifiedTypeName(payload), raw, opts)
}

// DispatchRaw routes a pre-serialized payload to an explicitly named task
// type, pairing with RegisterFactory registrations that have no Go payload
// type to derive the identifier from.
func (e *Engine) DispatchRaw(ctx context.Context, typeID string, payload json.RawMessage, opts ...DispatchOption) (uuid.UUID, error) {
	if typeID == "" {
		return uuid.Nil, task.ErrTypeMissing
	}
	return e.dispatch(ctx, typeID, payload, opts)
}

func (e *Engine) dispatch(ctx context.Context, typeID string, raw json.RawMessage, opts []DispatchOption) (uuid.UUID, error) {
	o := &dispatchOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.delay > 0 && o.runAt != nil {
		return uuid.Nil, ErrConflictingTimes
	}

	reg, err := e.registry.lookup(typeID)
	if err != nil {
		return uuid.Nil, err
	}

	now := e.clock().UTC()
	t := &task.QueuedTask{
		ID:         uuid.New(),
		Type:       typeID,
		Handler:    reg.handlerID,
		Request:    raw,
		QueueName:  o.queueName,
		AuditLevel: e.defaultAuditLevel,
		CreatedAt:  now,
	}
	if o.auditLevel != nil {
		t.AuditLevel = *o.auditLevel
	}
	if o.taskKey != "" {
		t.TaskKey = &o.taskKey
	}

	var fireAt *time.Time
	switch {
	case o.recurring != nil:
		if err := o.recurring.Validate(); err != nil {
			return uuid.Nil, err
		}
		t.IsRecurring = true
		t.Recurring = o.recurring
		t.RecurringInfo = o.recurring.Describe()
		t.MaxRuns = o.recurring.MaxRuns
		t.RunUntil = task.UTCPtr(o.recurring.RunUntil)
		first, err := recurrence.FirstRun(o.recurring, now)
		if err != nil {
			return uuid.Nil, err
		}
		t.NextRun = &first
		fireAt = &first
	case o.runAt != nil:
		t.ScheduledExecution = o.runAt
		fireAt = o.runAt
	case o.delay > 0:
		at := now.Add(o.delay)
		t.ScheduledExecution = &at
		fireAt = &at
	}

	immediate := fireAt == nil || !fireAt.After(now)
	if immediate {
		t.Status = task.StatusQueued
	} else {
		t.Status = task.StatusWaitingQueue
	}

	if err := t.Validate(); err != nil {
		return uuid.Nil, err
	}

	var delay time.Duration
	if fireAt != nil {
		delay = fireAt.Sub(now)
	}
	if e.useLazy(t, delay) {
		// Lazy: handler construction waits for pickup.
	} else {
		h, release, err := reg.factory(ctx)
		if err != nil {
			return uuid.Nil, fmt.Errorf("handler resolution failed: %w", err)
		}
		e.storeEager(t.ID, resolvedHandler{handler: h, release: release})
	}

	if o.taskKey != "" {
		id, handled, err := e.dispatchKeyed(ctx, t, fireAt, now)
		if err != nil || handled {
			if err != nil {
				e.dropEager(t.ID)
			}
			return id, err
		}
	} else if err := e.persist(ctx, t, o.mustPersist); err != nil {
		e.dropEager(t.ID)
		return uuid.Nil, err
	}

	return t.ID, e.route(ctx, t, fireAt, now)
}

// persist stores the draft, degrading to best-effort in-process execution
// unless durability was demanded.
func (e *Engine) persist(ctx context.Context, t *task.QueuedTask, mustPersist bool) error {
	err := e.store.Persist(ctx, t)
	if err == nil {
		return nil
	}
	if mustPersist || errors.Is(err, storage.ErrDuplicateTaskKey) {
		return errors.Join(ErrPersistFailed, err)
	}
	e.logger.ErrorContext(ctx, "failed to persist task, continuing without durability",
		logger.TaskID(t.ID), logger.Error(err))
	return nil
}

// route hands the persisted task to the scheduler or straight to a queue.
func (e *Engine) route(ctx context.Context, t *task.QueuedTask, fireAt *time.Time, now time.Time) error {
	if t.Status == task.StatusWaitingQueue {
		e.sched.Schedule(t.ID, *fireAt)
		e.logger.DebugContext(ctx, "task scheduled",
			logger.TaskID(t.ID), slog.Time("fire_at", *fireAt))
		return nil
	}

	anchor := now
	if fireAt != nil {
		anchor = fireAt.UTC()
	}
	return e.startExecution(ctx, t, anchor)
}

// dispatchKeyed runs the idempotent registration protocol. handled=true
// means the existing row absorbed the dispatch and no routing is needed.
func (e *Engine) dispatchKeyed(ctx context.Context, draft *task.QueuedTask, fireAt *time.Time, now time.Time) (uuid.UUID, bool, error) {
	existing, err := e.store.GetByKey(ctx, draft.Key())
	if errors.Is(err, storage.ErrNotFound) {
		if err := e.persist(ctx, draft, true); err != nil {
			return uuid.Nil, false, err
		}
		return draft.ID, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}

	switch {
	case existing.Status == task.StatusInProgress:
		// A run is underway; the caller gets the existing task untouched.
		e.dropEager(draft.ID)
		return existing.ID, true, nil

	case existing.Status == task.StatusQueued || existing.Status == task.StatusWaitingQueue:
		return e.updateInPlace(ctx, existing, draft, fireAt, now)

	case existing.IsRecurring:
		// Finished recurring task re-registered: revive it in place,
		// keeping run history.
		return e.updateInPlace(ctx, existing, draft, fireAt, now)

	default:
		// Finished one-shot: replace the row entirely.
		if err := e.store.Remove(ctx, existing.ID); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to replace keyed task: %w", err)
		}
		if err := e.persist(ctx, draft, true); err != nil {
			return uuid.Nil, false, err
		}
		return draft.ID, false, nil
	}
}

// updateInPlace refreshes an existing keyed row with the new dispatch's
// payload, schedule and policy, preserving identity, creation time and run
// history. The persisted future fire time wins over the recomputed one; a
// past fire time is advanced along the existing rhythm.
func (e *Engine) updateInPlace(ctx context.Context, existing, draft *task.QueuedTask, fireAt *time.Time, now time.Time) (uuid.UUID, bool, error) {
	up := existing.Clone()
	up.Type = draft.Type
	up.Handler = draft.Handler
	up.Request = draft.Request
	up.QueueName = draft.QueueName
	up.AuditLevel = draft.AuditLevel
	up.IsRecurring = draft.IsRecurring
	up.Recurring = draft.Recurring
	up.RecurringInfo = draft.RecurringInfo
	up.MaxRuns = draft.MaxRuns
	up.RunUntil = draft.RunUntil
	up.ScheduledExecution = draft.ScheduledExecution

	preserved := existing.NextRun != nil && existing.NextRun.After(now)
	switch {
	case preserved:
		// Future occurrence already on the books stays exactly as stored.
		up.NextRun = existing.NextRun
	case up.IsRecurring && existing.NextRun != nil:
		// Stale rhythm: advance from the persisted anchor.
		res, err := recurrence.NextValidRun(up.Recurring, existing.NextRun.UTC(), up.RunCount(), now, e.maxCatchUpIterations)
		if err != nil {
			return uuid.Nil, false, err
		}
		up.NextRun = res.NextRun
	default:
		up.NextRun = draft.NextRun
	}

	newFire := up.FireTime()
	if newFire == nil || !newFire.After(now) {
		up.Status = task.StatusQueued
	} else {
		up.Status = task.StatusWaitingQueue
	}

	if err := e.store.UpdateTask(ctx, up); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to update keyed task: %w", err)
	}

	// The draft row never existed; move its eagerly resolved handler (if
	// any) to the surviving id before routing.
	if rh, ok := e.takeEager(draft.ID); ok {
		e.storeEager(up.ID, rh)
	}
	e.sched.Cancel(up.ID)
	e.executor.Blacklist().Remove(up.ID)

	if up.Status == task.StatusWaitingQueue {
		e.sched.Schedule(up.ID, newFire.UTC())
		return up.ID, true, nil
	}
	anchor := now
	if newFire != nil {
		anchor = newFire.UTC()
	}
	if err := e.startExecution(ctx, up, anchor); err != nil {
		return up.ID, true, err
	}
	return up.ID, true, nil
}
