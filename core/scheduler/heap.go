package scheduler

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// entry is one parked task waiting for its fire time.
type entry struct {
	taskID uuid.UUID
	at     time.Time
	seq    uint64 // insertion order, breaks ties FIFO
	index  int
}

// entryHeap is a min-heap ordered by fire time, then insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// popDue removes and returns every entry due at or before now, in fire
// order.
func popDue(h *entryHeap, now time.Time) []*entry {
	var due []*entry
	for h.Len() > 0 && !(*h)[0].at.After(now) {
		due = append(due, heap.Pop(h).(*entry))
	}
	return due
}
