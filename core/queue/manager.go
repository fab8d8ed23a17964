package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/taskforge/pkg/logger"
)

var (
	ErrManagerAlreadyStarted = errors.New("queue manager already started")
	ErrManagerNotStarted     = errors.New("queue manager not started")
	ErrManagerNotRunning     = errors.New("queue manager is not running")
	ErrHealthcheckFailed     = errors.New("healthcheck failed")
	ErrShutdownTimeout       = errors.New("shutdown timeout exceeded")
)

// Manager owns the ordered set of named queues and their worker pools.
// The default and recurring queues always exist; additional queues are
// registered before Start.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	order  []string

	shutdownTimeout time.Duration
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	executed    atomic.Int64
	activeTasks atomic.Int32
	fallbacks   atomic.Int64
}

// ManagerStats provides observability metrics for monitoring and debugging.
type ManagerStats struct {
	Executed    int64 // Total runners executed across all queues
	ActiveTasks int32 // Runners currently executing
	Fallbacks   int64 // Dispatches routed to default because the named queue was missing
	QueueDepths map[string]int
	IsRunning   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	defaultOpts     Options
	recurringOpts   Options
	extra           map[string]Options
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithDefaultQueueOptions configures the default queue.
func WithDefaultQueueOptions(opts Options) ManagerOption {
	return func(o *managerOptions) { o.defaultOpts = opts }
}

// WithRecurringQueueOptions configures the recurring queue.
func WithRecurringQueueOptions(opts Options) ManagerOption {
	return func(o *managerOptions) { o.recurringOpts = opts }
}

// WithQueue registers an additional named queue.
func WithQueue(name string, opts Options) ManagerOption {
	return func(o *managerOptions) {
		if name != "" {
			o.extra[name] = opts
		}
	}
}

// WithManagerShutdownTimeout bounds how long Stop waits for in-flight
// runners.
func WithManagerShutdownTimeout(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithManagerLogger sets the logger. Defaults to a discard logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewManager creates a manager with the default and recurring queues plus
// any configured extras.
func NewManager(opts ...ManagerOption) *Manager {
	o := &managerOptions{
		extra:           make(map[string]Options),
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}

	m := &Manager{
		queues:          make(map[string]*Queue),
		shutdownTimeout: o.shutdownTimeout,
		logger:          o.logger,
	}
	m.add(DefaultQueueName, o.defaultOpts)
	m.add(RecurringQueueName, o.recurringOpts)
	for name, qopts := range o.extra {
		m.add(name, qopts)
	}
	return m
}

func (m *Manager) add(name string, opts Options) {
	if _, exists := m.queues[name]; exists {
		return
	}
	m.queues[name] = newQueue(name, opts)
	m.order = append(m.order, name)
}

// AddQueue registers a named queue. Must be called before Start.
func (m *Manager) AddQueue(name string, opts Options) error {
	if name == "" {
		return ErrInvalidQueue
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrManagerAlreadyStarted
	}
	if _, exists := m.queues[name]; exists {
		return ErrQueueExists
	}
	m.add(name, opts)
	return nil
}

// Queue returns the named queue, or false when it does not exist.
func (m *Manager) Queue(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns queue names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Resolve picks the target queue for a task: an explicitly named queue
// when it exists, the recurring queue for recurring tasks, otherwise the
// default. A named-but-missing queue falls back to default and is
// recorded; this is not an error.
func (m *Manager) Resolve(name string, recurring bool) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name != "" {
		if q, ok := m.queues[name]; ok {
			return q
		}
		m.fallbacks.Add(1)
		m.logger.WarnContext(context.Background(), "queue not registered, falling back to default",
			logger.Queue(name))
		return m.queues[DefaultQueueName]
	}
	if recurring {
		return m.queues[RecurringQueueName]
	}
	return m.queues[DefaultQueueName]
}

// Start launches every queue's worker pool and blocks until the context
// is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrManagerAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	queues := make([]*Queue, 0, len(m.order))
	for _, name := range m.order {
		queues = append(queues, m.queues[name])
	}
	m.mu.Unlock()

	for _, q := range queues {
		for i := 0; i < q.maxParallel; i++ {
			m.wg.Add(1)
			go m.workerLoop(q)
		}
		m.logger.InfoContext(m.ctx, "queue workers started",
			logger.Queue(q.name),
			slog.Int("workers", q.maxParallel),
			slog.Int("capacity", cap(q.ch)))
	}

	<-m.ctx.Done()
	return m.ctx.Err()
}

// workerLoop drains one queue until shutdown. With a single worker the
// queue executes strictly sequentially; runners never overlap.
func (m *Manager) workerLoop(q *Queue) {
	defer m.wg.Done()

	for {
		r, err := q.Dequeue(m.ctx)
		if err != nil {
			return
		}

		m.activeTasks.Add(1)
		r.Run(m.ctx)
		m.activeTasks.Add(-1)
		m.executed.Add(1)
	}
}

// Stop cancels the worker pools and waits up to the shutdown timeout for
// in-flight runners to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	m.logger.InfoContext(context.Background(), "queue manager stopping, waiting for active tasks",
		slog.Duration("timeout", m.shutdownTimeout))

	ctx, ctxCancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.InfoContext(context.Background(), "queue manager stopped cleanly")
		return nil
	case <-ctx.Done():
		m.logger.WarnContext(context.Background(), "queue manager shutdown timeout exceeded - some tasks may be abandoned",
			slog.Duration("timeout", m.shutdownTimeout))
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, m.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = m.Stop()
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

// Stats returns current manager metrics. Thread-safe.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	isRunning := m.cancel != nil
	depths := make(map[string]int, len(m.queues))
	for name, q := range m.queues {
		depths[name] = q.Len()
	}
	m.mu.RUnlock()

	return ManagerStats{
		Executed:    m.executed.Load(),
		ActiveTasks: m.activeTasks.Load(),
		Fallbacks:   m.fallbacks.Load(),
		QueueDepths: depths,
		IsRunning:   isRunning,
	}
}

// Healthcheck reports whether the worker pools are running.
func (m *Manager) Healthcheck(ctx context.Context) error {
	if !m.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrManagerNotRunning)
	}
	return nil
}
