package worker

import (
	"sync"

	"github.com/google/uuid"
)

// Blacklist records tasks cancelled before they started. The scheduler
// and queues drain lazily; a worker consults the blacklist at pickup and
// discards listed tasks instead of running them.
type Blacklist struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]struct{}
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{ids: make(map[uuid.UUID]struct{})}
}

// Add marks a task as cancelled before start.
func (b *Blacklist) Add(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids[id] = struct{}{}
}

// Contains reports whether the task was cancelled before start.
func (b *Blacklist) Contains(id uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[id]
	return ok
}

// Remove clears the entry once the cancellation has been acted on.
func (b *Blacklist) Remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ids, id)
}

// Len returns the number of pending cancellations.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}
