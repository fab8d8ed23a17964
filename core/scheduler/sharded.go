package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ShardedScheduler spreads entries over k independent heaps, each with its
// own tick goroutine. Assignment is by hash of task id, so an id always
// lands on the same shard and Cancel reaches the right heap. The contract
// is identical to TimerScheduler; only lock contention differs.
type ShardedScheduler struct {
	shards []*TimerScheduler
}

// NewSharded creates a scheduler with shardCount independent heaps.
func NewSharded(shardCount int, fire FireFunc, opts ...Option) (*ShardedScheduler, error) {
	if shardCount <= 0 {
		return nil, ErrInvalidShardCount
	}
	if fire == nil {
		return nil, ErrFireFuncNil
	}

	shards := make([]*TimerScheduler, shardCount)
	for i := range shards {
		s, err := NewTimer(fire, opts...)
		if err != nil {
			return nil, err
		}
		shards[i] = s
	}
	return &ShardedScheduler{shards: shards}, nil
}

// shardFor routes a task id to its shard by FNV-1a hash.
func (s *ShardedScheduler) shardFor(taskID uuid.UUID) *TimerScheduler {
	h := fnv.New32a()
	h.Write(taskID[:])
	return s.shards[int(h.Sum32())%len(s.shards)]
}

func (s *ShardedScheduler) Schedule(taskID uuid.UUID, at time.Time) {
	s.shardFor(taskID).Schedule(taskID, at)
}

func (s *ShardedScheduler) Cancel(taskID uuid.UUID) {
	s.shardFor(taskID).Cancel(taskID)
}

func (s *ShardedScheduler) Len() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Len()
	}
	return total
}

// Start runs every shard's tick loop until the context is cancelled.
func (s *ShardedScheduler) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range s.shards {
		shard := shard
		g.Go(func() error {
			return shard.Start(gctx)
		})
	}
	return g.Wait()
}

// Stop shuts every shard down, returning the first error encountered.
func (s *ShardedScheduler) Stop() error {
	var firstErr error
	for _, shard := range s.shards {
		if err := shard.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (s *ShardedScheduler) Run(ctx context.Context) func() error {
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

// Stats aggregates metrics across shards.
func (s *ShardedScheduler) Stats() Stats {
	var agg Stats
	agg.IsRunning = true
	for _, shard := range s.shards {
		st := shard.Stats()
		agg.Scheduled += st.Scheduled
		agg.Fired += st.Fired
		agg.Cancelled += st.Cancelled
		agg.Waiting += st.Waiting
		agg.IsRunning = agg.IsRunning && st.IsRunning
	}
	return agg
}

// Healthcheck fails when any shard's tick loop is down.
func (s *ShardedScheduler) Healthcheck(ctx context.Context) error {
	for _, shard := range s.shards {
		if err := shard.Healthcheck(ctx); err != nil {
			return err
		}
	}
	return nil
}
