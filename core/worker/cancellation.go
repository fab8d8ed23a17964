package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry maps in-flight task ids to their cancellation handles.
// A handle exists only between pickup and completion; cancelling an
// unknown id is a no-op and the caller falls back to the blacklist.
type CancelRegistry struct {
	mu sync.RWMutex
	m  map[uuid.UUID]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{m: make(map[uuid.UUID]context.CancelFunc)}
}

// Register stores the cancellation handle for a running task.
func (r *CancelRegistry) Register(id uuid.UUID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = cancel
}

// Cancel triggers the stored handle. Returns false when the task is not
// currently running.
func (r *CancelRegistry) Cancel(id uuid.UUID) bool {
	r.mu.RLock()
	cancel, ok := r.m[id]
	r.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Remove releases the handle after execution. The handle itself is
// cancelled by the executor's defer, so later reads observe an
// already-released token.
func (r *CancelRegistry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// Len returns the number of in-flight registrations.
func (r *CancelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
