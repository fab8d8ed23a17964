// Package queue provides the named bounded queues of the engine and the
// worker pools that drain them. Queues are independent: parallelism and
// back-pressure in one queue never affect another.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Reserved queue names. Both always exist; recurring tasks route to
// RecurringQueueName unless a handler names another queue.
const (
	DefaultQueueName   = "default"
	RecurringQueueName = "recurring"
)

// Defaults applied when queue options are omitted.
const (
	DefaultCapacity    = 500
	DefaultParallelism = 1
)

var (
	ErrQueueClosed  = errors.New("queue is closed")
	ErrQueueExists  = errors.New("queue already exists")
	ErrInvalidQueue = errors.New("queue name cannot be empty")
)

// Runner is one ready-to-execute task handed from the dispatcher or
// scheduler to a worker.
type Runner interface {
	TaskID() uuid.UUID
	Run(ctx context.Context)
}

// Options configures a single queue.
type Options struct {
	// Capacity bounds the channel; Enqueue blocks when full.
	Capacity int
	// MaxDegreeOfParallelism is the worker count. 1 gives strict
	// sequential ordering within the queue.
	MaxDegreeOfParallelism int
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.MaxDegreeOfParallelism <= 0 {
		o.MaxDegreeOfParallelism = DefaultParallelism
	}
	return o
}

// Queue is a bounded FIFO channel of pending executions with a fixed
// worker pool.
type Queue struct {
	name        string
	ch          chan Runner
	maxParallel int
}

func newQueue(name string, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		name:        name,
		ch:          make(chan Runner, opts.Capacity),
		maxParallel: opts.MaxDegreeOfParallelism,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Parallelism returns the worker count.
func (q *Queue) Parallelism() int { return q.maxParallel }

// Len returns the number of queued executions. Informational only.
func (q *Queue) Len() int { return len(q.ch) }

// Enqueue adds a runner, blocking when the queue is at capacity. This is
// the engine's back-pressure point: immediate dispatches suspend here
// until a worker frees a slot or the context is cancelled.
func (q *Queue) Enqueue(ctx context.Context, r Runner) error {
	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the next runner or blocks until one arrives or the
// context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Runner, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-ctx.Done():
		// Runners still buffered stay Queued in storage; startup recovery
		// re-drives them on the next run.
		return nil, ctx.Err()
	}
}
