package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
	"github.com/dmitrymomot/taskforge/core/worker"
)

func newExecutor(t *testing.T, ms *storage.MemoryStore, opts ...worker.ExecutorOption) *worker.Executor {
	t.Helper()
	e, err := worker.NewExecutor(ms, worker.NewBlacklist(), worker.NewCancelRegistry(), opts...)
	require.NoError(t, err)
	return e
}

func queuedTask(t *testing.T, ms *storage.MemoryStore) *task.QueuedTask {
	t.Helper()
	tk := &task.QueuedTask{
		ID:        uuid.New(),
		Type:      "reports.DailyDigest",
		Handler:   "reports.DailyDigest",
		Request:   json.RawMessage(`{"Name":"Test"}`),
		Status:    task.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ms.Persist(context.Background(), tk))
	return tk
}

func resolveTo(h worker.Handler) worker.ResolveFunc {
	return func(context.Context) (worker.Handler, worker.ReleaseFunc, error) {
		return h, nil, nil
	}
}

func noop() worker.Handler {
	return worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil })
}

func TestExecutionSuccess(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	var gotPayload json.RawMessage
	h := worker.HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		gotPayload = payload
		return nil
	})

	x, err := e.NewExecution(tk, resolveTo(h))
	require.NoError(t, err)
	assert.Equal(t, tk.ID, x.TaskID())
	x.Run(context.Background())

	assert.JSONEq(t, `{"Name":"Test"}`, string(gotPayload))

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.LastExecution)

	// Full audit captures the whole lifecycle.
	audits, err := ms.StatusAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	statuses := make([]task.Status, len(audits))
	for i, a := range audits {
		statuses[i] = a.NewStatus
	}
	assert.Equal(t, []task.Status{task.StatusQueued, task.StatusInProgress, task.StatusCompleted}, statuses)
}

func TestExecutionCallbackOrder(t *testing.T) {
	t.Parallel()

	t.Run("success path", func(t *testing.T) {
		t.Parallel()

		ms := storage.NewMemoryStore()
		e := newExecutor(t, ms)
		tk := queuedTask(t, ms)

		var mu sync.Mutex
		var events []string
		record := func(ev string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}

		x, err := e.NewExecution(tk, resolveTo(noop()), worker.WithCallbacks(worker.Callbacks{
			OnStarted:   func(context.Context, *task.QueuedTask) { record("started") },
			OnCompleted: func(context.Context, *task.QueuedTask) { record("completed") },
			OnError:     func(context.Context, *task.QueuedTask, error) { record("error") },
		}))
		require.NoError(t, err)
		x.Run(context.Background())

		assert.Equal(t, []string{"started", "completed"}, events)
	})

	t.Run("failure path fires retries then error", func(t *testing.T) {
		t.Parallel()

		ms := storage.NewMemoryStore()
		e := newExecutor(t, ms)
		tk := queuedTask(t, ms)

		var mu sync.Mutex
		var events []string
		record := func(ev string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}

		h := worker.HandlerFunc(func(context.Context, json.RawMessage) error {
			return errors.New("boom")
		})
		x, err := e.NewExecution(tk, resolveTo(h),
			worker.WithRetryPolicy(worker.LinearRetry(2, time.Millisecond)),
			worker.WithCallbacks(worker.Callbacks{
				OnStarted:   func(context.Context, *task.QueuedTask) { record("started") },
				OnCompleted: func(context.Context, *task.QueuedTask) { record("completed") },
				OnError:     func(context.Context, *task.QueuedTask, error) { record("error") },
				OnRetry: func(_ context.Context, _ *task.QueuedTask, attempt int, _ error) {
					mu.Lock()
					defer mu.Unlock()
					events = append(events, "retry")
					assert.Positive(t, attempt)
				},
			}))
		require.NoError(t, err)
		x.Run(context.Background())

		assert.Equal(t, []string{"started", "retry", "retry", "error"}, events)
	})
}

func TestExecutionRetryAggregatesErrors(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	attempts := 0
	h := worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		attempts++
		if attempts == 1 {
			return errors.New("first failure")
		}
		return errors.New("second failure")
	})

	x, err := e.NewExecution(tk, resolveTo(h),
		worker.WithRetryPolicy(worker.LinearRetry(1, time.Millisecond)))
	require.NoError(t, err)
	x.Run(context.Background())

	assert.Equal(t, 2, attempts)
	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Exception)
	assert.Contains(t, *got.Exception, "first failure")
	assert.Contains(t, *got.Exception, "second failure")
}

func TestExecutionTimeout(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	h := worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})

	x, err := e.NewExecution(tk, resolveTo(h),
		worker.WithTimeout(20*time.Millisecond),
		worker.WithRetryPolicy(worker.NoRetry()))
	require.NoError(t, err)
	x.Run(context.Background())

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Exception)
	assert.Contains(t, *got.Exception, "TimeoutException: execution exceeded 20ms")
}

func TestExecutionPanicIsFailure(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	h := worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("kaboom")
	})

	x, err := e.NewExecution(tk, resolveTo(h), worker.WithRetryPolicy(worker.NoRetry()))
	require.NoError(t, err)
	x.Run(context.Background())

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Exception)
	assert.Contains(t, *got.Exception, "handler panicked: kaboom")
}

func TestExecutionBlacklistedNeverStarts(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	handlerRan := false
	h := worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		handlerRan = true
		return nil
	})

	e.Blacklist().Add(tk.ID)
	x, err := e.NewExecution(tk, resolveTo(h))
	require.NoError(t, err)
	x.Run(context.Background())

	assert.False(t, handlerRan)
	assert.Zero(t, e.Blacklist().Len(), "blacklist entry is consumed")

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// The task never transitions through InProgress.
	audits, err := ms.StatusAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	for _, a := range audits {
		assert.NotEqual(t, task.StatusInProgress, a.NewStatus)
	}
}

func TestExecutionShutdownMarksServiceStopped(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	started := make(chan struct{})
	h := worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	x, err := e.NewExecution(tk, resolveTo(h), worker.WithRetryPolicy(worker.NoRetry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		x.Run(ctx)
		close(done)
	}()
	<-started
	cancel()
	<-done

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusServiceStopped, got.Status)
	require.NotNil(t, got.Exception)
	assert.Equal(t, "operation canceled: service shutting down", *got.Exception)
}

func TestExecutionUserCancellation(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	started := make(chan struct{})
	h := worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	x, err := e.NewExecution(tk, resolveTo(h), worker.WithRetryPolicy(worker.NoRetry()))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		x.Run(context.Background())
		close(done)
	}()
	<-started
	assert.True(t, e.Cancels().Cancel(tk.ID), "running task is registered for cancellation")
	<-done

	assert.Zero(t, e.Cancels().Len(), "registry entry removed after the run")

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	require.NotNil(t, got.Exception)
	assert.Equal(t, "operation cancelled by user request", *got.Exception)
}

func TestExecutionResolutionFailure(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	var gotErr error
	resolve := func(context.Context) (worker.Handler, worker.ReleaseFunc, error) {
		return nil, nil, errors.New("no such handler")
	}
	x, err := e.NewExecution(tk, resolve, worker.WithCallbacks(worker.Callbacks{
		OnError: func(_ context.Context, _ *task.QueuedTask, err error) { gotErr = err },
	}))
	require.NoError(t, err)
	x.Run(context.Background())

	require.Error(t, gotErr)
	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Exception)
	assert.Contains(t, *got.Exception, "handler resolution failed: no such handler")
}

func TestExecutionRecurringAdvancesFromAnchor(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()

	var mu sync.Mutex
	var rescheduled []time.Time
	e := newExecutor(t, ms, worker.WithReschedule(func(_ uuid.UUID, at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		rescheduled = append(rescheduled, at)
	}))

	anchor := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tk := &task.QueuedTask{
		ID:          uuid.New(),
		Type:        "reports.DailyDigest",
		Handler:     "reports.DailyDigest",
		Request:     json.RawMessage(`{}`),
		Status:      task.StatusQueued,
		CreatedAt:   time.Now().UTC(),
		IsRecurring: true,
		Recurring:   &task.RecurringTask{SecondInterval: &task.SecondInterval{Every: 30}},
		NextRun:     &anchor,
	}
	require.NoError(t, ms.Persist(context.Background(), tk))

	x, err := e.NewExecution(tk, resolveTo(noop()))
	require.NoError(t, err)
	x.Run(context.Background())

	// The next occurrence is anchor+30s regardless of how long the run or
	// its pickup took.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rescheduled, 1)
	assert.True(t, rescheduled[0].Equal(anchor.Add(30*time.Second)))

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWaitingQueue, got.Status)
	assert.Equal(t, 1, got.RunCount())
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(anchor.Add(30*time.Second)))

	runs, err := ms.RunsAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, task.StatusCompleted, runs[0].Status)
}

func TestExecutionRecurringExhaustion(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)

	one := 1
	anchor := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tk := &task.QueuedTask{
		ID:          uuid.New(),
		Type:        "reports.DailyDigest",
		Handler:     "reports.DailyDigest",
		Request:     json.RawMessage(`{}`),
		Status:      task.StatusQueued,
		CreatedAt:   time.Now().UTC(),
		IsRecurring: true,
		Recurring: &task.RecurringTask{
			SecondInterval: &task.SecondInterval{Every: 30},
			MaxRuns:        &one,
		},
		MaxRuns: &one,
		NextRun: &anchor,
	}
	require.NoError(t, ms.Persist(context.Background(), tk))

	x, err := e.NewExecution(tk, resolveTo(noop()))
	require.NoError(t, err)
	x.Run(context.Background())

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RunCount())
	assert.Nil(t, got.NextRun)
}

func TestExecutionReleaseRuns(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	released := false
	resolve := func(context.Context) (worker.Handler, worker.ReleaseFunc, error) {
		return noop(), func() { released = true }, nil
	}
	x, err := e.NewExecution(tk, resolve)
	require.NoError(t, err)
	x.Run(context.Background())

	assert.True(t, released)
}

func TestNewExecutionValidation(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)

	_, err := e.NewExecution(nil, resolveTo(noop()))
	assert.ErrorIs(t, err, storage.ErrNilTask)

	tk := queuedTask(t, ms)
	_, err = e.NewExecution(tk, nil)
	assert.ErrorIs(t, err, worker.ErrNilResolver)
}

func TestRetryPolicies(t *testing.T) {
	t.Parallel()

	t.Run("linear", func(t *testing.T) {
		t.Parallel()

		p := worker.LinearRetry(2, 100*time.Millisecond)
		d, ok := p(1, errors.New("x"))
		assert.True(t, ok)
		assert.Equal(t, 100*time.Millisecond, d)
		_, ok = p(2, errors.New("x"))
		assert.True(t, ok)
		_, ok = p(3, errors.New("x"))
		assert.False(t, ok)
	})

	t.Run("no retry", func(t *testing.T) {
		t.Parallel()

		_, ok := worker.NoRetry()(1, errors.New("x"))
		assert.False(t, ok)
	})
}

func TestExecutionSkipsSupersededRunner(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	handlerRan := false
	h := worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		handlerRan = true
		return nil
	})
	x, err := e.NewExecution(tk, resolveTo(h))
	require.NoError(t, err)

	// An idempotent re-registration parks the row again before the queue
	// drains this runner.
	parked := tk.Clone()
	parked.Status = task.StatusWaitingQueue
	require.NoError(t, ms.UpdateTask(context.Background(), parked))

	x.Run(context.Background())

	assert.False(t, handlerRan, "a superseded runner never executes")
	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWaitingQueue, got.Status)

	audits, err := ms.StatusAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	for _, a := range audits {
		assert.NotEqual(t, task.StatusInProgress, a.NewStatus)
	}
}

func TestExecutionRunsFreshSnapshot(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	// The payload was swapped by a keyed re-registration while the runner
	// sat in its queue.
	updated := tk.Clone()
	updated.Request = json.RawMessage(`{"Name":"Replaced"}`)
	require.NoError(t, ms.UpdateTask(context.Background(), updated))

	var gotPayload json.RawMessage
	h := worker.HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		gotPayload = payload
		return nil
	})
	x, err := e.NewExecution(tk, resolveTo(h))
	require.NoError(t, err)
	x.Run(context.Background())

	assert.JSONEq(t, `{"Name":"Replaced"}`, string(gotPayload))
}

func TestExecutionBlacklistDrainAfterPersistedCancel(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)
	tk := queuedTask(t, ms)

	// Cancellation before start persists the outcome and blacklists the
	// runner; draining it later must not write a second audit.
	e.Blacklist().Add(tk.ID)
	require.NoError(t, ms.SetStatus(context.Background(), tk.ID, task.StatusCancelled, "cancelled before execution started", nil, task.AuditFull))

	x, err := e.NewExecution(tk, resolveTo(noop()))
	require.NoError(t, err)
	x.Run(context.Background())

	audits, err := ms.StatusAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	var cancelled int
	for _, a := range audits {
		if a.NewStatus == task.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled, "one cancellation, one audit")
}

func TestExecutionRecurringCancellationAuditsRun(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := newExecutor(t, ms)

	anchor := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tk := &task.QueuedTask{
		ID:          uuid.New(),
		Type:        "reports.DailyDigest",
		Handler:     "reports.DailyDigest",
		Request:     json.RawMessage(`{}`),
		Status:      task.StatusQueued,
		CreatedAt:   time.Now().UTC(),
		IsRecurring: true,
		Recurring:   &task.RecurringTask{SecondInterval: &task.SecondInterval{Every: 30}},
		NextRun:     &anchor,
	}
	require.NoError(t, ms.Persist(context.Background(), tk))

	started := make(chan struct{})
	h := worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	x, err := e.NewExecution(tk, resolveTo(h), worker.WithRetryPolicy(worker.NoRetry()))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		x.Run(context.Background())
		close(done)
	}()
	<-started
	require.True(t, e.Cancels().Cancel(tk.ID))
	<-done

	got, err := ms.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Zero(t, got.RunCount(), "a cancelled run does not count")
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(anchor), "the rhythm anchor is untouched")

	// The interrupted run still appears in the run history.
	runs, err := ms.RunsAudits(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, task.StatusCancelled, runs[0].Status)
	require.NotNil(t, runs[0].Exception)
	assert.Equal(t, "operation cancelled by user request", *runs[0].Exception)
}
