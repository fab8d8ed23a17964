package task

import "strings"

// Status tracks the lifecycle state of a task through the engine.
// Values fit the varchar(15) column used by relational backends.
type Status string

const (
	StatusWaitingQueue   Status = "waiting_queue"
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
	StatusServiceStopped Status = "service_stopped"
	StatusPending        Status = "pending"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusServiceStopped:
		return true
	}
	return false
}

// InFlight reports whether the task still has work ahead of it. These are
// the statuses startup recovery re-drives.
func (s Status) InFlight() bool {
	switch s {
	case StatusWaitingQueue, StatusQueued, StatusInProgress:
		return true
	}
	return false
}

// RecordsExecution reports whether a transition into this status stamps
// LastExecution. Queued, InProgress, Cancelled and Pending are positional
// states, not execution outcomes; everything else marks the end of a run
// (including the recurring re-park into WaitingQueue).
func (s Status) RecordsExecution() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCancelled, StatusPending:
		return false
	}
	return true
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaitingQueue, StatusQueued, StatusInProgress, StatusCompleted,
		StatusCancelled, StatusFailed, StatusServiceStopped, StatusPending:
		return true
	}
	return false
}

// IsCancellationShaped reports whether an exception string describes
// cooperative cancellation rather than a real failure. Used by the audit
// policy to suppress expected-shutdown noise.
func IsCancellationShaped(exception string) bool {
	if exception == "" {
		return false
	}
	lower := strings.ToLower(exception)
	return strings.Contains(lower, "context canceled") ||
		strings.Contains(lower, "context cancelled") ||
		strings.Contains(lower, "operation canceled") ||
		strings.Contains(lower, "operation cancelled")
}
