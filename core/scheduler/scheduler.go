// Package scheduler holds tasks due in the future and hands them off when
// their fire time arrives.
//
// Two variants share one contract: the default single-heap timer scheduler,
// and an opt-in sharded scheduler that spreads the heap lock over k shards
// for workloads that schedule thousands of tasks in a narrow window. Their
// externally observable behavior is identical.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskforge/pkg/logger"
)

var (
	ErrFireFuncNil          = errors.New("fire function cannot be nil")
	ErrSchedulerNotRunning  = errors.New("scheduler is not running")
	ErrHealthcheckFailed    = errors.New("healthcheck failed")
	ErrInvalidShardCount    = errors.New("shard count must be positive")
	ErrAlreadyStarted       = errors.New("scheduler already started")
	ErrNotStarted           = errors.New("scheduler not started")
	ErrShutdownTimeout      = errors.New("shutdown timeout exceeded")
)

// DefaultTickInterval is how often the scheduler checks for due entries.
const DefaultTickInterval = 500 * time.Millisecond

// FireFunc receives a due task together with its originally scheduled time.
// The scheduled time is the rhythm anchor for recurring re-scheduling; it
// is never replaced by the wall clock at fire time.
type FireFunc func(taskID uuid.UUID, scheduledAt time.Time)

// Scheduler is the contract shared by the timer and sharded variants.
type Scheduler interface {
	Schedule(taskID uuid.UUID, at time.Time)
	Cancel(taskID uuid.UUID)
	Len() int
	Start(ctx context.Context) error
	Stop() error
	Run(ctx context.Context) func() error
	Stats() Stats
	Healthcheck(ctx context.Context) error
}

// Stats provides observability metrics for monitoring and debugging.
type Stats struct {
	Scheduled int64 // Total entries accepted
	Fired     int64 // Total entries handed off
	Cancelled int64 // Total entries dropped before firing
	Waiting   int   // Entries currently parked
	IsRunning bool
}

// TimerScheduler is the default variant: a single min-heap drained by one
// ticking goroutine.
type TimerScheduler struct {
	fire FireFunc

	mu        sync.Mutex
	heap      entryHeap
	cancelled map[uuid.UUID]struct{}
	seq       uint64

	tick            time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	stateMu sync.RWMutex
	wg      sync.WaitGroup

	scheduled atomic.Int64
	fired     atomic.Int64
	dropped   atomic.Int64
}

// Option configures a scheduler variant.
type Option func(*options)

type options struct {
	tick            time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// WithTickInterval sets the tick period. Shorter ticks fire closer to the
// requested time at the cost of CPU.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for the tick goroutine.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		tick:            DefaultTickInterval,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewTimer creates the default single-heap scheduler. fire is invoked from
// the tick goroutine for every due entry.
func NewTimer(fire FireFunc, opts ...Option) (*TimerScheduler, error) {
	if fire == nil {
		return nil, ErrFireFuncNil
	}
	o := buildOptions(opts)
	return &TimerScheduler{
		fire:            fire,
		cancelled:       make(map[uuid.UUID]struct{}),
		tick:            o.tick,
		shutdownTimeout: o.shutdownTimeout,
		logger:          o.logger,
		now:             o.now,
	}, nil
}

// Schedule parks a task until its fire time. Entries due in the past fire
// on the next tick.
func (s *TimerScheduler) Schedule(taskID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cancelled, taskID)
	s.seq++
	heap.Push(&s.heap, &entry{taskID: taskID, at: at.UTC(), seq: s.seq})
	s.scheduled.Add(1)
}

// Cancel drops a parked task lazily: the entry stays in the heap but is
// discarded instead of fired. Workers additionally consult the blacklist,
// so a drained-but-cancelled task never runs.
func (s *TimerScheduler) Cancel(taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[taskID] = struct{}{}
}

// Len returns the number of parked entries, including lazily cancelled
// ones not yet drained.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Start runs the tick loop until the context is cancelled. Blocking; use
// Run for the errgroup pattern or call in a goroutine.
func (s *TimerScheduler) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.cancel != nil {
		s.stateMu.Unlock()
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stateMu.Unlock()

	s.logger.InfoContext(s.ctx, "scheduler started",
		logger.Component("scheduler"),
		slog.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.InfoContext(context.Background(), "scheduler stopping")
			return s.ctx.Err()
		case <-ticker.C:
			s.tickOnce()
		}
	}
}

// tickOnce drains and fires every due entry.
func (s *TimerScheduler) tickOnce() {
	s.stateMu.RLock()
	if s.cancel == nil {
		s.stateMu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.stateMu.RUnlock()
	defer s.wg.Done()

	now := s.now()

	s.mu.Lock()
	due := popDue(&s.heap, now)
	fired := make([]*entry, 0, len(due))
	for _, e := range due {
		if _, dropped := s.cancelled[e.taskID]; dropped {
			delete(s.cancelled, e.taskID)
			s.dropped.Add(1)
			continue
		}
		fired = append(fired, e)
	}
	s.mu.Unlock()

	// Handoff happens outside the heap lock so a blocking queue cannot
	// stall Schedule callers.
	for _, e := range fired {
		s.fired.Add(1)
		s.fire(e.taskID, e.at)
	}
}

// Stop shuts the tick loop down, waiting up to the shutdown timeout for an
// in-flight tick to finish.
func (s *TimerScheduler) Stop() error {
	s.stateMu.Lock()
	if s.cancel == nil {
		s.stateMu.Unlock()
		return ErrNotStarted
	}
	cancel := s.cancel
	s.cancel = nil
	s.stateMu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.WarnContext(context.Background(), "scheduler shutdown timeout exceeded",
			slog.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (s *TimerScheduler) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = s.Stop()
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

// Stats returns current scheduler metrics. Thread-safe.
func (s *TimerScheduler) Stats() Stats {
	s.stateMu.RLock()
	isRunning := s.cancel != nil
	s.stateMu.RUnlock()

	return Stats{
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.dropped.Load(),
		Waiting:   s.Len(),
		IsRunning: isRunning,
	}
}

// Healthcheck reports whether the tick loop is running.
func (s *TimerScheduler) Healthcheck(ctx context.Context) error {
	if !s.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrSchedulerNotRunning)
	}
	return nil
}
