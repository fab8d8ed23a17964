package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskforge/core/engine"
	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
	"github.com/dmitrymomot/taskforge/core/worker"
)

type digestPayload struct {
	Name string
}

type reportPayload struct {
	Region string
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startEngine(t *testing.T, ms *storage.MemoryStore, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{engine.WithTickInterval(10 * time.Millisecond)}, opts...)
	e, err := engine.New(ms, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Start(ctx) }()
	waitFor(t, func() bool { return e.Stats().IsRunning })
	t.Cleanup(func() {
		_ = e.Stop()
		cancel()
	})
	return e
}

func taskStatus(t *testing.T, ms *storage.MemoryStore, id uuid.UUID) task.Status {
	t.Helper()
	got, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func TestDispatchImmediate(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	got := make(chan digestPayload, 1)
	require.NoError(t, engine.RegisterHandler(e, func(_ context.Context, p digestPayload) error {
		got <- p
		return nil
	}))

	id, err := e.Dispatch(context.Background(), digestPayload{Name: "Test"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	select {
	case p := <-got:
		assert.Equal(t, "Test", p.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCompleted })

	stored, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "engine_test.digestPayload", stored.Type)
	assert.JSONEq(t, `{"Name":"Test"}`, string(stored.Request))

	audits, err := ms.StatusAudits(context.Background(), id)
	require.NoError(t, err)
	statuses := make([]task.Status, len(audits))
	for i, a := range audits {
		statuses[i] = a.NewStatus
	}
	assert.Equal(t, []task.Status{task.StatusQueued, task.StatusInProgress, task.StatusCompleted}, statuses)
}

func TestDispatchDelayed(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	var ran atomic.Bool
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		ran.Store(true)
		return nil
	}))

	id, err := e.Dispatch(context.Background(), digestPayload{Name: "later"},
		engine.WithDelay(60*time.Millisecond))
	require.NoError(t, err)

	// Parked until the fire time.
	assert.Equal(t, task.StatusWaitingQueue, taskStatus(t, ms, id))
	assert.False(t, ran.Load())

	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCompleted })
	assert.True(t, ran.Load())
}

func TestDispatchRunAt(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return nil
	}))

	at := time.Now().Add(50 * time.Millisecond)
	id, err := e.Dispatch(context.Background(), digestPayload{}, engine.WithRunAt(at))
	require.NoError(t, err)

	stored, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.ScheduledExecution)
	assert.True(t, stored.ScheduledExecution.Equal(at.UTC()))

	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCompleted })
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e, err := engine.New(ms)
	require.NoError(t, err)
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return nil
	}))

	t.Run("nil payload", func(t *testing.T) {
		t.Parallel()

		_, err := e.Dispatch(context.Background(), nil)
		assert.ErrorIs(t, err, engine.ErrNilPayload)
	})

	t.Run("unregistered type", func(t *testing.T) {
		t.Parallel()

		_, err := e.Dispatch(context.Background(), reportPayload{})
		assert.ErrorIs(t, err, engine.ErrHandlerNotRegistered)
	})

	t.Run("delay and run-at conflict", func(t *testing.T) {
		t.Parallel()

		_, err := e.Dispatch(context.Background(), digestPayload{},
			engine.WithDelay(time.Minute), engine.WithRunAt(time.Now().Add(time.Hour)))
		assert.ErrorIs(t, err, engine.ErrConflictingTimes)
	})

	t.Run("invalid recurring spec", func(t *testing.T) {
		t.Parallel()

		_, err := e.Dispatch(context.Background(), digestPayload{},
			engine.WithRecurring(&task.RecurringTask{}))
		assert.ErrorIs(t, err, task.ErrNoIntervalConfigured)
	})
}

func TestRecurringRunsToExhaustion(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	var runs atomic.Int32
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		runs.Add(1)
		return nil
	}))

	three := 3
	id, err := e.Dispatch(context.Background(), digestPayload{Name: "tick"},
		engine.WithRecurring(&task.RecurringTask{
			RunNow:         true,
			SecondInterval: &task.SecondInterval{Every: 1},
			MaxRuns:        &three,
		}))
	require.NoError(t, err)

	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCompleted })
	assert.EqualValues(t, 3, runs.Load())

	stored, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RunCount())
	assert.Nil(t, stored.NextRun)
	assert.Contains(t, stored.RecurringInfo, "every 1 second(s)")

	runAudits, err := ms.RunsAudits(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, runAudits, 3)
	for _, r := range runAudits {
		assert.Equal(t, task.StatusCompleted, r.Status)
	}

	// Each run audits queued, in_progress and its outcome.
	statusAudits, err := ms.StatusAudits(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, statusAudits, 9)
}

func TestRecurringFailedRunStillCounts(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return errors.New("always fails")
	}, engine.WithHandlerRetry(func(int, error) (time.Duration, bool) { return 0, false })))

	two := 2
	id, err := e.Dispatch(context.Background(), digestPayload{},
		engine.WithRecurring(&task.RecurringTask{
			RunNow:         true,
			SecondInterval: &task.SecondInterval{Every: 1},
			MaxRuns:        &two,
		}))
	require.NoError(t, err)

	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusFailed })

	stored, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RunCount(), "failed runs count against max runs")

	runAudits, err := ms.RunsAudits(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runAudits, 2)
	for _, r := range runAudits {
		assert.Equal(t, task.StatusFailed, r.Status)
		require.NotNil(t, r.Exception)
		assert.Contains(t, *r.Exception, "always fails")
	}
}

func TestCancelBeforeStart(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	var ran atomic.Bool
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		ran.Store(true)
		return nil
	}))

	id, err := e.Dispatch(context.Background(), digestPayload{},
		engine.WithDelay(80*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, e.CancelTask(context.Background(), id))
	assert.Equal(t, task.StatusCancelled, taskStatus(t, ms, id))

	// Cancelling again is a no-op.
	require.NoError(t, e.CancelTask(context.Background(), id))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, ran.Load(), "cancelled task never executes")
	assert.Equal(t, task.StatusCancelled, taskStatus(t, ms, id))
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	started := make(chan struct{})
	require.NoError(t, engine.RegisterHandler(e, func(ctx context.Context, _ digestPayload) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, engine.WithHandlerRetry(func(int, error) (time.Duration, bool) { return 0, false })))

	id, err := e.Dispatch(context.Background(), digestPayload{})
	require.NoError(t, err)

	<-started
	require.NoError(t, e.CancelTask(context.Background(), id))

	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCancelled })
	stored, err := ms.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.Exception)
	assert.Equal(t, "operation cancelled by user request", *stored.Exception)
}

func TestTaskKeyIdempotency(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return nil
	}))

	t.Run("pending row is updated in place", func(t *testing.T) {
		t.Parallel()

		first, err := e.Dispatch(context.Background(), digestPayload{Name: "v1"},
			engine.WithTaskKey("pending-key"), engine.WithDelay(time.Hour))
		require.NoError(t, err)

		second, err := e.Dispatch(context.Background(), digestPayload{Name: "v2"},
			engine.WithTaskKey("pending-key"), engine.WithDelay(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, first, second, "the keyed row keeps its identity")

		stored, err := ms.GetByKey(context.Background(), "pending-key")
		require.NoError(t, err)
		assert.JSONEq(t, `{"Name":"v2"}`, string(stored.Request))
		assert.Equal(t, task.StatusWaitingQueue, stored.Status)
	})

	t.Run("finished one-shot is replaced", func(t *testing.T) {
		t.Parallel()

		first, err := e.Dispatch(context.Background(), digestPayload{Name: "done"},
			engine.WithTaskKey("replace-key"))
		require.NoError(t, err)
		waitFor(t, func() bool { return taskStatus(t, ms, first) == task.StatusCompleted })

		second, err := e.Dispatch(context.Background(), digestPayload{Name: "again"},
			engine.WithTaskKey("replace-key"), engine.WithDelay(time.Hour))
		require.NoError(t, err)
		assert.NotEqual(t, first, second, "terminal one-shot rows are replaced")

		_, err = ms.Get(context.Background(), first)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestEngineLifecycle(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e, err := engine.New(ms)
	require.NoError(t, err)

	assert.ErrorIs(t, e.Stop(), engine.ErrEngineNotStarted)
	assert.ErrorIs(t, e.Healthcheck(context.Background()), engine.ErrHealthcheckFailed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Start(ctx) }()
	waitFor(t, func() bool { return e.Stats().IsRunning })

	assert.ErrorIs(t, e.Start(ctx), engine.ErrEngineAlreadyStarted)
	assert.NoError(t, e.Healthcheck(context.Background()))
	require.NoError(t, e.Stop())
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e, err := engine.New(ms)
	require.NoError(t, err)

	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return nil
	}))
	err = engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return nil
	})
	assert.ErrorIs(t, err, engine.ErrHandlerAlreadyRegistered)

	assert.Equal(t, 1, e.Stats().Handlers)
}

func TestRegisterFactory(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	var released atomic.Bool
	require.NoError(t, engine.RegisterFactory(e, "custom.raw",
		func(context.Context) (worker.Handler, worker.ReleaseFunc, error) {
			h := worker.HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
				assert.JSONEq(t, `{"n":1}`, string(payload))
				return nil
			})
			return h, func() { released.Store(true) }, nil
		}))

	assert.ErrorIs(t, engine.RegisterFactory(e, "", nil), engine.ErrNilHandlerFunc)

	// Raw factories pair with DispatchRaw since there is no payload type to
	// derive the identifier from.
	id, err := e.DispatchRaw(context.Background(), "custom.raw", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCompleted })
	assert.True(t, released.Load())
}

func TestRecoveryRequeuesInterrupted(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()

	// Rows left behind by a previous process.
	crashed := &task.QueuedTask{
		ID:        uuid.New(),
		Type:      "engine_test.digestPayload",
		Handler:   "engine_test.digestPayload",
		Request:   []byte(`{"Name":"crashed"}`),
		Status:    task.StatusInProgress,
		CreatedAt: time.Now().UTC(),
	}
	stopped := &task.QueuedTask{
		ID:        uuid.New(),
		Type:      "engine_test.digestPayload",
		Handler:   "engine_test.digestPayload",
		Request:   []byte(`{"Name":"stopped"}`),
		Status:    task.StatusServiceStopped,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ms.Persist(context.Background(), crashed))
	require.NoError(t, ms.Persist(context.Background(), stopped))

	e, err := engine.New(ms, engine.WithTickInterval(10*time.Millisecond))
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Start(ctx) }()
	t.Cleanup(func() { _ = e.Stop() })

	waitFor(t, func() bool { return runs.Load() == 2 })
	waitFor(t, func() bool {
		return taskStatus(t, ms, crashed.ID) == task.StatusCompleted &&
			taskStatus(t, ms, stopped.ID) == task.StatusCompleted
	})
}

func TestRecoveryCatchesUpStaleRecurring(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()

	// A recurring task whose occurrence was missed half an hour ago.
	missed := time.Now().Add(-30 * time.Minute).UTC()
	stale := &task.QueuedTask{
		ID:          uuid.New(),
		Type:        "engine_test.digestPayload",
		Handler:     "engine_test.digestPayload",
		Request:     []byte(`{}`),
		Status:      task.StatusWaitingQueue,
		CreatedAt:   time.Now().Add(-time.Hour).UTC(),
		IsRecurring: true,
		Recurring:   &task.RecurringTask{SecondInterval: &task.SecondInterval{Every: 3600}},
		NextRun:     &missed,
	}
	require.NoError(t, ms.Persist(context.Background(), stale))

	e, err := engine.New(ms, engine.WithTickInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Start(ctx) }()
	t.Cleanup(func() { _ = e.Stop() })

	waitFor(t, func() bool {
		runs, err := ms.RunsAudits(context.Background(), stale.ID)
		return err == nil && len(runs) == 1
	})

	runs, err := ms.RunsAudits(context.Background(), stale.ID)
	require.NoError(t, err)
	require.NotNil(t, runs[0].Exception)
	assert.Contains(t, *runs[0].Exception, "Skipped 1 missed occurrence(s)")

	got, err := ms.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWaitingQueue, got.Status)
	require.NotNil(t, got.NextRun)
	// The rhythm advanced one hour from the missed occurrence, not from now.
	assert.True(t, got.NextRun.Equal(missed.Add(time.Hour)))
	assert.Zero(t, got.RunCount(), "missed occurrences never count as runs")
}

func TestQueueRouting(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	handled := make(chan string, 2)
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, digestPayload) error {
		handled <- "digest"
		return nil
	}, engine.WithHandlerQueue("reports")))
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, reportPayload) error {
		handled <- "report"
		return nil
	}))

	// The handler's queue does not exist: dispatch still works through the
	// default queue fallback.
	id, err := e.Dispatch(context.Background(), digestPayload{})
	require.NoError(t, err)
	waitFor(t, func() bool { return taskStatus(t, ms, id) == task.StatusCompleted })
	assert.Positive(t, e.Stats().Queues.Fallbacks)
}

func TestTaskKeyRescheduleSupersedesEarlierFire(t *testing.T) {
	t.Parallel()

	ms := storage.NewMemoryStore()
	e := startEngine(t, ms)

	var runs atomic.Int32
	require.NoError(t, engine.RegisterHandler(e, func(context.Context, reportPayload) error {
		runs.Add(1)
		return nil
	}))

	first, err := e.Dispatch(context.Background(), reportPayload{Region: "eu"},
		engine.WithTaskKey("rollup"), engine.WithDelay(100*time.Millisecond))
	require.NoError(t, err)

	// Pushing the keyed task out re-arms the scheduler; the entry for the
	// original fire time must not run the task.
	second, err := e.Dispatch(context.Background(), reportPayload{Region: "eu"},
		engine.WithTaskKey("rollup"), engine.WithDelay(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Let the original fire time pass several times over.
	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, runs.Load(), "the task must wait for its new fire time")

	got, err := ms.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWaitingQueue, got.Status)
}
