package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskforge/core/queue"
)

// fakeRunner records its executions.
type fakeRunner struct {
	id    uuid.UUID
	fn    func(ctx context.Context)
	mu    sync.Mutex
	runs  int
	order *orderLog
}

type orderLog struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (o *orderLog) record(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, id)
}

func (o *orderLog) snapshot() []uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uuid.UUID(nil), o.ids...)
}

func newRunner(order *orderLog) *fakeRunner {
	return &fakeRunner{id: uuid.New(), order: order}
}

func (r *fakeRunner) TaskID() uuid.UUID { return r.id }

func (r *fakeRunner) Run(ctx context.Context) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.order != nil {
		r.order.record(r.id)
	}
	if r.fn != nil {
		r.fn(ctx)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestManagerReservedQueues(t *testing.T) {
	t.Parallel()

	m := queue.NewManager()
	_, ok := m.Queue(queue.DefaultQueueName)
	assert.True(t, ok)
	_, ok = m.Queue(queue.RecurringQueueName)
	assert.True(t, ok)
	assert.Equal(t, []string{queue.DefaultQueueName, queue.RecurringQueueName}, m.Names())
}

func TestManagerAddQueue(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		t.Parallel()

		m := queue.NewManager()
		require.NoError(t, m.AddQueue("emails", queue.Options{Capacity: 10}))
		assert.ErrorIs(t, m.AddQueue("emails", queue.Options{}), queue.ErrQueueExists)
		assert.ErrorIs(t, m.AddQueue("", queue.Options{}), queue.ErrInvalidQueue)
	})

	t.Run("after start is rejected", func(t *testing.T) {
		t.Parallel()

		m := queue.NewManager()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = m.Start(ctx) }()
		waitFor(t, func() bool { return m.Stats().IsRunning })
		t.Cleanup(func() { _ = m.Stop() })

		assert.ErrorIs(t, m.AddQueue("late", queue.Options{}), queue.ErrManagerAlreadyStarted)
	})
}

func TestManagerResolve(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.WithQueue("emails", queue.Options{}))

	assert.Equal(t, "emails", m.Resolve("emails", false).Name())
	assert.Equal(t, queue.RecurringQueueName, m.Resolve("", true).Name())
	assert.Equal(t, queue.DefaultQueueName, m.Resolve("", false).Name())

	// A named-but-missing queue degrades to default and is counted.
	assert.Equal(t, queue.DefaultQueueName, m.Resolve("nope", false).Name())
	assert.EqualValues(t, 1, m.Stats().Fallbacks)

	// Recurring with an explicit existing queue honors the name.
	assert.Equal(t, "emails", m.Resolve("emails", true).Name())
}

func TestManagerExecutesRunners(t *testing.T) {
	t.Parallel()

	m := queue.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Start(ctx) }()
	waitFor(t, func() bool { return m.Stats().IsRunning })
	t.Cleanup(func() { _ = m.Stop() })

	order := &orderLog{}
	q, _ := m.Queue(queue.DefaultQueueName)
	r1 := newRunner(order)
	r2 := newRunner(order)
	require.NoError(t, q.Enqueue(ctx, r1))
	require.NoError(t, q.Enqueue(ctx, r2))

	waitFor(t, func() bool { return m.Stats().Executed == 2 })
	assert.Equal(t, []uuid.UUID{r1.id, r2.id}, order.snapshot())
}

func TestSingleWorkerIsSequential(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.WithDefaultQueueOptions(queue.Options{
		Capacity:               16,
		MaxDegreeOfParallelism: 1,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Start(ctx) }()
	waitFor(t, func() bool { return m.Stats().IsRunning })
	t.Cleanup(func() { _ = m.Stop() })

	var active, maxActive int32
	var mu sync.Mutex
	order := &orderLog{}
	q, _ := m.Queue(queue.DefaultQueueName)

	for i := 0; i < 8; i++ {
		r := newRunner(order)
		r.fn = func(context.Context) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}
		require.NoError(t, q.Enqueue(ctx, r))
	}

	waitFor(t, func() bool { return m.Stats().Executed == 8 })
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, maxActive, "one worker never overlaps executions")
}

func TestEnqueueBackPressure(t *testing.T) {
	t.Parallel()

	// Capacity 1 and no running workers: the second enqueue must block
	// until the context is cancelled.
	m := queue.NewManager(queue.WithDefaultQueueOptions(queue.Options{Capacity: 1}))
	q, _ := m.Queue(queue.DefaultQueueName)

	require.NoError(t, q.Enqueue(context.Background(), newRunner(nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, newRunner(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	m := queue.NewManager()
	assert.ErrorIs(t, m.Stop(), queue.ErrManagerNotStarted)
	assert.ErrorIs(t, m.Healthcheck(context.Background()), queue.ErrHealthcheckFailed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Start(ctx) }()
	waitFor(t, func() bool { return m.Stats().IsRunning })

	assert.ErrorIs(t, m.Start(ctx), queue.ErrManagerAlreadyStarted)
	assert.NoError(t, m.Healthcheck(context.Background()))
	require.NoError(t, m.Stop())
}

func TestManagerStatsDepths(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.WithQueue("reports", queue.Options{Capacity: 4}))
	q, _ := m.Queue("reports")
	require.NoError(t, q.Enqueue(context.Background(), newRunner(nil)))

	st := m.Stats()
	assert.Equal(t, 1, st.QueueDepths["reports"])
	assert.Equal(t, 0, st.QueueDepths[queue.DefaultQueueName])
	assert.False(t, st.IsRunning)
}
