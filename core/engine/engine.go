// Package engine wires the task engine together: handler registry,
// dispatcher, scheduler, queue manager and worker executor over a shared
// storage backend. Applications construct one Engine, register handlers,
// then run it for the life of the process.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/taskforge/core/queue"
	"github.com/dmitrymomot/taskforge/core/recurrence"
	"github.com/dmitrymomot/taskforge/core/scheduler"
	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
	"github.com/dmitrymomot/taskforge/core/worker"
	"github.com/dmitrymomot/taskforge/pkg/logger"
)

// Lazy-resolution defaults per the adaptive rule: recurring tasks whose
// cadence is at least the recurring threshold, and delayed tasks whose
// delay is at least the delay threshold, defer handler construction to
// pickup time.
const (
	DefaultLazyRecurringThreshold = 5 * time.Minute
	DefaultLazyDelayThreshold     = 30 * time.Minute
)

var (
	ErrEngineAlreadyStarted = errors.New("engine already started")
	ErrEngineNotStarted     = errors.New("engine not started")
	ErrEngineNotRunning     = errors.New("engine is not running")
	ErrHealthcheckFailed    = errors.New("healthcheck failed")
)

// Engine is the top-level host: it owns the component lifecycles and the
// public dispatch surface.
type Engine struct {
	store      storage.Storage
	registry   *registry
	manager    *queue.Manager
	sched      scheduler.Scheduler
	executor   *worker.Executor
	taskLogger *TaskLogger
	logger     *slog.Logger
	clock      func() time.Time

	lazyEnabled            bool
	lazyRecurringThreshold time.Duration
	lazyDelayThreshold     time.Duration
	defaultAuditLevel      task.AuditLevel
	maxCatchUpIterations   int

	// Handlers resolved eagerly at dispatch for tasks parked in the
	// scheduler, consumed once at fire time.
	eagerMu sync.Mutex
	eager   map[uuid.UUID]resolvedHandler

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

type resolvedHandler struct {
	handler worker.Handler
	release worker.ReleaseFunc
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger                 *slog.Logger
	clock                  func() time.Time
	tickInterval           time.Duration
	shutdownTimeout        time.Duration
	schedulerShards        int
	lazyEnabled            bool
	lazyRecurringThreshold time.Duration
	lazyDelayThreshold     time.Duration
	defaultAuditLevel      task.AuditLevel
	maxCatchUpIterations   int
	taskLogger             *TaskLogger
	defaultQueue           queue.Options
	recurringQueue         queue.Options
	namedQueues            map[string]queue.Options
}

// WithLogger sets the process logger shared by all components. Defaults
// to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *engineOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTickInterval sets the scheduler tick period.
func WithTickInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithShutdownTimeout bounds the graceful shutdown grace period. Tasks
// still running when it expires are marked service_stopped.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithShardedScheduler replaces the single timer scheduler with k
// independent shards. Useful under bursts of schedule calls.
func WithShardedScheduler(shards int) Option {
	return func(o *engineOptions) {
		if shards > 1 {
			o.schedulerShards = shards
		}
	}
}

// WithLazyResolution enables the adaptive lazy handler strategy. Disabled,
// every task resolves its handler eagerly at dispatch.
func WithLazyResolution(enabled bool) Option {
	return func(o *engineOptions) { o.lazyEnabled = enabled }
}

// WithLazyDelayThreshold sets the minimum dispatch delay that switches a
// delayed task to lazy resolution.
func WithLazyDelayThreshold(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.lazyDelayThreshold = d
		}
	}
}

// WithLazyRecurringThreshold sets the minimum recurring cadence that
// switches a recurring task to lazy resolution.
func WithLazyRecurringThreshold(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.lazyRecurringThreshold = d
		}
	}
}

// WithDefaultAuditLevel sets the audit level applied when a dispatch does
// not name one.
func WithDefaultAuditLevel(l task.AuditLevel) Option {
	return func(o *engineOptions) {
		if l.Valid() {
			o.defaultAuditLevel = l
		}
	}
}

// WithMaxCatchUpIterations bounds the recovery walk over missed recurring
// occurrences.
func WithMaxCatchUpIterations(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.maxCatchUpIterations = n
		}
	}
}

// WithTaskLogger attaches a capturing task logger; handler log lines are
// persisted as execution logs after each run.
func WithTaskLogger(tl *TaskLogger) Option {
	return func(o *engineOptions) { o.taskLogger = tl }
}

// WithDefaultQueue configures the default queue's capacity and
// parallelism.
func WithDefaultQueue(opts queue.Options) Option {
	return func(o *engineOptions) { o.defaultQueue = opts }
}

// WithRecurringQueue configures the recurring queue.
func WithRecurringQueue(opts queue.Options) Option {
	return func(o *engineOptions) { o.recurringQueue = opts }
}

// WithNamedQueue registers an additional queue.
func WithNamedQueue(name string, opts queue.Options) Option {
	return func(o *engineOptions) {
		if name != "" {
			o.namedQueues[name] = opts
		}
	}
}

// New creates an engine over the given storage.
func New(store storage.Storage, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, storage.ErrStorageNil
	}

	o := &engineOptions{
		logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:                  time.Now,
		shutdownTimeout:        30 * time.Second,
		lazyRecurringThreshold: DefaultLazyRecurringThreshold,
		lazyDelayThreshold:     DefaultLazyDelayThreshold,
		defaultAuditLevel:      task.AuditFull,
		maxCatchUpIterations:   recurrence.DefaultMaxIterations,
		namedQueues:            make(map[string]queue.Options),
	}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		store:                  store,
		registry:               newRegistry(),
		taskLogger:             o.taskLogger,
		logger:                 o.logger,
		clock:                  o.clock,
		lazyEnabled:            o.lazyEnabled,
		lazyRecurringThreshold: o.lazyRecurringThreshold,
		lazyDelayThreshold:     o.lazyDelayThreshold,
		defaultAuditLevel:      o.defaultAuditLevel,
		maxCatchUpIterations:   o.maxCatchUpIterations,
		eager:                  make(map[uuid.UUID]resolvedHandler),
	}

	managerOpts := []queue.ManagerOption{
		queue.WithDefaultQueueOptions(o.defaultQueue),
		queue.WithRecurringQueueOptions(o.recurringQueue),
		queue.WithManagerShutdownTimeout(o.shutdownTimeout),
		queue.WithManagerLogger(o.logger),
	}
	for name, qopts := range o.namedQueues {
		managerOpts = append(managerOpts, queue.WithQueue(name, qopts))
	}
	e.manager = queue.NewManager(managerOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithClock(o.clock),
		scheduler.WithShutdownTimeout(o.shutdownTimeout),
	}
	if o.tickInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithTickInterval(o.tickInterval))
	}
	var err error
	if o.schedulerShards > 1 {
		e.sched, err = scheduler.NewSharded(o.schedulerShards, e.fire, schedOpts...)
	} else {
		e.sched, err = scheduler.NewTimer(e.fire, schedOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	execOpts := []worker.ExecutorOption{
		worker.WithExecutorLogger(o.logger),
		worker.WithExecutorClock(o.clock),
		worker.WithReschedule(func(id uuid.UUID, at time.Time) {
			e.sched.Schedule(id, at)
		}),
	}
	if e.taskLogger != nil {
		execOpts = append(execOpts, worker.WithFlushLogs(func(ctx context.Context, id uuid.UUID) {
			if err := e.taskLogger.Flush(ctx, id); err != nil {
				e.logger.ErrorContext(ctx, "failed to flush execution logs",
					logger.TaskID(id), logger.Error(err))
			}
		}))
	}
	e.executor, err = worker.NewExecutor(store, nil, nil, execOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	return e, nil
}

// Queues exposes the queue manager for inspection.
func (e *Engine) Queues() *queue.Manager { return e.manager }

// Scheduler exposes the scheduler for inspection.
func (e *Engine) Scheduler() scheduler.Scheduler { return e.sched }

// Start recovers pending tasks and runs the scheduler and queue manager
// until the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrEngineAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(e.manager.Run(gctx))
	g.Go(e.sched.Run(gctx))
	g.Go(func() error {
		if err := e.recover(gctx); err != nil {
			e.logger.ErrorContext(gctx, "startup recovery failed", logger.Error(err))
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop triggers graceful shutdown. In-flight tasks receive the shutdown
// signal; runs that do not finish inside the grace period are persisted as
// service_stopped and re-driven on the next start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	return nil
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (e *Engine) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- e.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = e.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Stats aggregates component metrics.
type Stats struct {
	Queues    queue.ManagerStats
	Scheduler scheduler.Stats
	Handlers  int
	IsRunning bool
}

// Stats returns a snapshot of engine metrics. Thread-safe.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	running := e.cancel != nil
	e.mu.RUnlock()
	return Stats{
		Queues:    e.manager.Stats(),
		Scheduler: e.sched.Stats(),
		Handlers:  e.registry.len(),
		IsRunning: running,
	}
}

// Healthcheck verifies the engine and its components are running.
func (e *Engine) Healthcheck(ctx context.Context) error {
	e.mu.RLock()
	running := e.cancel != nil
	e.mu.RUnlock()
	if !running {
		return errors.Join(ErrHealthcheckFailed, ErrEngineNotRunning)
	}
	if err := e.sched.Healthcheck(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	if err := e.manager.Healthcheck(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

// CancelTask cancels a task. A running task receives its cancellation
// signal and finishes as cancelled; a task that has not started is
// blacklisted and marked cancelled immediately, and will never enter
// in_progress.
func (e *Engine) CancelTask(ctx context.Context, id uuid.UUID) error {
	if e.executor.Cancels().Cancel(id) {
		e.logger.InfoContext(ctx, "cancellation signalled to running task", logger.TaskID(id))
		return nil
	}

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() || t.Status == task.StatusCancelled {
		return nil
	}

	e.executor.Blacklist().Add(id)
	e.sched.Cancel(id)
	e.dropEager(id)

	if err := e.store.SetStatus(ctx, id, task.StatusCancelled, "cancelled before execution started", nil, t.AuditLevel); err != nil {
		return fmt.Errorf("failed to mark task cancelled: %w", err)
	}
	e.logger.InfoContext(ctx, "task cancelled before start", logger.TaskID(id))
	return nil
}

// fire is the scheduler callback: a parked task became due.
func (e *Engine) fire(id uuid.UUID, scheduledAt time.Time) {
	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	t, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.ErrorContext(ctx, "scheduled task not found at fire time",
			logger.TaskID(id), logger.Error(err))
		return
	}
	if t.Status != task.StatusWaitingQueue {
		e.logger.DebugContext(ctx, "skipping fire for task no longer parked",
			logger.TaskID(id), logger.Status(string(t.Status)))
		return
	}
	// A heap entry whose time no longer matches the stored fire time was
	// superseded by a re-registration; the entry armed for the new time
	// owns the row.
	if ft := t.FireTime(); ft == nil || !sameFireTime(ft.UTC(), scheduledAt.UTC()) {
		e.logger.DebugContext(ctx, "skipping superseded scheduler entry",
			logger.TaskID(id), slog.Time("entry_fire_at", scheduledAt))
		return
	}

	if err := e.store.SetStatus(ctx, id, task.StatusQueued, "", nil, t.AuditLevel); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark task queued",
			logger.TaskID(id), logger.Error(err))
		return
	}
	t.Status = task.StatusQueued

	if err := e.startExecution(ctx, t, scheduledAt); err != nil {
		e.logger.ErrorContext(ctx, "failed to enqueue due task",
			logger.TaskID(id), logger.Error(err))
	}
}

// sameFireTime tolerates the sub-millisecond drift a timestamp round trip
// through storage can introduce.
func sameFireTime(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < time.Millisecond
}

// startExecution builds the execution for a queued task and hands it to
// the right queue. Blocks under back-pressure.
func (e *Engine) startExecution(ctx context.Context, t *task.QueuedTask, scheduledAt time.Time) error {
	reg, err := e.registry.lookup(t.Type)
	if err != nil {
		exc := fmt.Sprintf("handler resolution failed: %v", err)
		if serr := e.store.SetStatus(ctx, t.ID, task.StatusFailed, exc, nil, t.AuditLevel); serr != nil {
			e.logger.ErrorContext(ctx, "failed to mark unresolvable task failed",
				logger.TaskID(t.ID), logger.Error(serr))
		}
		return err
	}

	resolve := e.resolveFuncFor(t.ID, reg)
	execOpts := []worker.ExecutionOption{
		worker.WithRetryPolicy(reg.retry),
		worker.WithCallbacks(reg.callbacks),
		worker.WithScheduledAt(scheduledAt),
	}
	if reg.timeout > 0 {
		execOpts = append(execOpts, worker.WithTimeout(reg.timeout))
	}
	exec, err := e.executor.NewExecution(t, resolve, execOpts...)
	if err != nil {
		return err
	}

	queueName := reg.queueName
	if queueName == "" {
		queueName = t.QueueName
	}
	q := e.manager.Resolve(queueName, t.IsRecurring)
	return q.Enqueue(ctx, exec)
}

// resolveFuncFor returns the handler resolver for one execution: the
// eagerly built instance when dispatch prepared one, otherwise the
// registration's factory. Handler contexts are tagged with the task id so
// the task logger can capture their output.
func (e *Engine) resolveFuncFor(id uuid.UUID, reg *registration) worker.ResolveFunc {
	return func(ctx context.Context) (worker.Handler, worker.ReleaseFunc, error) {
		if rh, ok := e.takeEager(id); ok {
			return e.taggedHandler(id, rh.handler), rh.release, nil
		}
		h, release, err := reg.factory(ctx)
		if err != nil {
			return nil, nil, err
		}
		return e.taggedHandler(id, h), release, nil
	}
}

func (e *Engine) taggedHandler(id uuid.UUID, h worker.Handler) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
		return h.Handle(ContextWithTaskID(ctx, id), payload)
	})
}

func (e *Engine) storeEager(id uuid.UUID, rh resolvedHandler) {
	e.eagerMu.Lock()
	defer e.eagerMu.Unlock()
	e.eager[id] = rh
}

func (e *Engine) takeEager(id uuid.UUID) (resolvedHandler, bool) {
	e.eagerMu.Lock()
	defer e.eagerMu.Unlock()
	rh, ok := e.eager[id]
	if ok {
		delete(e.eager, id)
	}
	return rh, ok
}

func (e *Engine) dropEager(id uuid.UUID) {
	e.eagerMu.Lock()
	rh, ok := e.eager[id]
	if ok {
		delete(e.eager, id)
	}
	e.eagerMu.Unlock()
	if ok && rh.release != nil {
		rh.release()
	}
}

// useLazy applies the adaptive resolution rule: lazy only when globally
// enabled and the task's next fire is far enough away for the deferred
// construction to matter.
func (e *Engine) useLazy(t *task.QueuedTask, delay time.Duration) bool {
	if !e.lazyEnabled {
		return false
	}
	if t.IsRecurring && t.Recurring != nil {
		if iv := t.Recurring.ApproxInterval(); iv > 0 && iv >= e.lazyRecurringThreshold {
			return true
		}
	}
	return delay >= e.lazyDelayThreshold
}

// recover re-drives tasks left pending by a previous process: crashed
// in-progress and interrupted runs are re-queued, queued rows re-enter
// their queues, and scheduled rows are re-armed, advancing past missed
// occurrences.
func (e *Engine) recover(ctx context.Context) error {
	pending, err := e.store.RetrievePending(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("failed to load pending tasks: %w", err)
	}
	stopped, err := e.store.Find(ctx, storage.Filter{Statuses: []task.Status{task.StatusServiceStopped}})
	if err != nil {
		return fmt.Errorf("failed to load interrupted tasks: %w", err)
	}
	pending = append(pending, stopped...)

	now := e.clock().UTC()
	var recovered, scheduled int
	for _, t := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch t.Status {
		case task.StatusInProgress, task.StatusServiceStopped:
			if err := e.store.SetStatus(ctx, t.ID, task.StatusQueued, "", nil, t.AuditLevel); err != nil {
				e.logger.ErrorContext(ctx, "failed to requeue interrupted task",
					logger.TaskID(t.ID), logger.Error(err))
				continue
			}
			t.Status = task.StatusQueued
			fallthrough
		case task.StatusQueued:
			anchor := now
			if ft := t.FireTime(); ft != nil {
				anchor = ft.UTC()
			}
			if err := e.startExecution(ctx, t, anchor); err != nil {
				e.logger.ErrorContext(ctx, "failed to re-enqueue task",
					logger.TaskID(t.ID), logger.Error(err))
				continue
			}
			recovered++
		case task.StatusWaitingQueue:
			if err := e.recoverScheduled(ctx, t, now); err != nil {
				e.logger.ErrorContext(ctx, "failed to re-arm scheduled task",
					logger.TaskID(t.ID), logger.Error(err))
				continue
			}
			scheduled++
		}
	}

	e.logger.InfoContext(ctx, "startup recovery finished",
		slog.Int("requeued", recovered), slog.Int("rescheduled", scheduled))
	return nil
}

// recoverScheduled re-arms one parked task. A fire time still in the
// future is used as-is; a past fire time on a recurring task advances
// through the missed occurrences, recording them, before scheduling the
// next future one.
func (e *Engine) recoverScheduled(ctx context.Context, t *task.QueuedTask, now time.Time) error {
	ft := t.FireTime()
	if ft == nil {
		// Parked without a fire time; run it now rather than strand it.
		if err := e.store.SetStatus(ctx, t.ID, task.StatusQueued, "", nil, t.AuditLevel); err != nil {
			return err
		}
		t.Status = task.StatusQueued
		return e.startExecution(ctx, t, now)
	}

	fire := ft.UTC()
	if fire.After(now) {
		e.sched.Schedule(t.ID, fire)
		return nil
	}

	if !t.IsRecurring || t.Recurring == nil {
		// Missed one-shot: run immediately, keeping the original time as
		// the anchor.
		if err := e.store.SetStatus(ctx, t.ID, task.StatusQueued, "", nil, t.AuditLevel); err != nil {
			return err
		}
		t.Status = task.StatusQueued
		return e.startExecution(ctx, t, fire)
	}

	// The persisted occurrence itself was missed, then possibly more while
	// the process was down. Walk the rhythm forward without bursting
	// through the backlog.
	res, err := recurrence.NextValidRun(t.Recurring, fire, t.RunCount(), now, e.maxCatchUpIterations)
	if err != nil {
		return err
	}
	skipped := append([]time.Time{fire}, res.SkippedOccurrences...)
	if err := e.store.RecordSkippedOccurrences(ctx, t.ID, skipped); err != nil {
		e.logger.ErrorContext(ctx, "failed to record skipped occurrences",
			logger.TaskID(t.ID), logger.Error(err))
	}

	if res.NextRun == nil {
		// Nothing left: the spec ran out during downtime.
		return e.store.SetStatus(ctx, t.ID, task.StatusCompleted, "", nil, t.AuditLevel)
	}

	t.NextRun = res.NextRun
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "recurring task caught up after downtime",
		logger.TaskID(t.ID),
		slog.Int("skipped", len(skipped)),
		slog.Time("next_run", *res.NextRun))
	e.sched.Schedule(t.ID, *res.NextRun)
	return nil
}
