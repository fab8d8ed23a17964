// Package storage defines the durable persistence contract for queued
// tasks, their audit history and captured execution logs, plus a reference
// in-memory implementation honoring the same atomicity guarantees as the
// relational adapters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskforge/core/task"
)

var (
	ErrNilTask          = errors.New("task cannot be nil")
	ErrNotFound         = errors.New("task not found")
	ErrDuplicateTaskKey = errors.New("task key already in use")
	ErrStorageNil       = errors.New("storage cannot be nil")
	ErrNotClaimable     = errors.New("task is not queued for execution")
)

// Filter narrows Find queries. Zero values match everything.
type Filter struct {
	QueueName string
	Statuses  []task.Status
	Recurring *bool
	Limit     int
}

// Storage is the durable backend shared by the dispatcher, scheduler and
// workers. SetStatus and UpdateCurrentRun are serializable with respect to
// the same task id: implementations use row-level locking (or a per-id
// mutex), never optimistic concurrency tokens — tasks are single-writer
// after dispatch.
type Storage interface {
	// Persist stores a new task. Returns ErrDuplicateTaskKey when the key
	// is already held by another row.
	Persist(ctx context.Context, t *task.QueuedTask) error

	// UpdateTask replaces the stored row, preserving CreatedAt. Used by
	// idempotent re-registration and recovery. When the stored status
	// changes, the transition is audited per the row's audit level.
	UpdateTask(ctx context.Context, t *task.QueuedTask) error

	// Get returns a snapshot of one task.
	Get(ctx context.Context, id uuid.UUID) (*task.QueuedTask, error)

	// GetByKey returns the task holding the given idempotency key, or
	// ErrNotFound.
	GetByKey(ctx context.Context, key string) (*task.QueuedTask, error)

	// Find returns snapshots matching the filter.
	Find(ctx context.Context, f Filter) ([]*task.QueuedTask, error)

	// GetAll returns snapshots of every stored task.
	GetAll(ctx context.Context) ([]*task.QueuedTask, error)

	// RetrievePending returns tasks that still have work ahead
	// (WaitingQueue, Queued, InProgress), optionally narrowed to one queue.
	// limit <= 0 means no limit.
	RetrievePending(ctx context.Context, queueName string, limit int) ([]*task.QueuedTask, error)

	// ClaimForRun atomically moves a Queued row to InProgress, appending
	// the status audit per the row's own audit level, and returns the
	// fresh snapshot. The conditional transition makes a worker pickup a
	// claim: a row that was cancelled or re-registered after its runner
	// was enqueued returns ErrNotClaimable and must not execute. A missing
	// row returns ErrNotFound.
	ClaimForRun(ctx context.Context, id uuid.UUID) (*task.QueuedTask, error)

	// SetStatus atomically updates the row status and conditionally appends
	// a StatusAudit in the same round trip, per the audit level predicate.
	// LastExecution is stamped when the new status records an execution.
	// execMs, when non-nil, updates ExecutionTimeMs. A missing row is a
	// logged no-op.
	SetStatus(ctx context.Context, id uuid.UUID, status task.Status, exception string, execMs *float64, level task.AuditLevel) error

	// UpdateCurrentRun atomically finalizes one recurring execution:
	// increments CurrentRunCount, stores the execution time, stamps
	// LastExecution, sets NextRun (parking the row in WaitingQueue) or
	// marks it with the terminal outcome when nextRun is nil, and appends
	// RunsAudit and StatusAudit rows per the audit level.
	UpdateCurrentRun(ctx context.Context, id uuid.UUID, execMs float64, nextRun *time.Time, outcome task.Status, exception string, level task.AuditLevel) error

	// RecordSkippedOccurrences appends a single RunsAudit entry describing
	// occurrences missed during downtime.
	RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error

	// RecordInterruptedRun appends a RunsAudit entry for a recurring
	// execution that ended without counting against MaxRuns (user
	// cancellation mid-run). The entry is gated by the audit level as if
	// the run had failed; the run count and rhythm stay untouched. A
	// missing row is a logged no-op.
	RecordInterruptedRun(ctx context.Context, id uuid.UUID, execMs float64, outcome task.Status, exception string, level task.AuditLevel) error

	// Remove deletes the task and cascades to its audits and logs.
	Remove(ctx context.Context, id uuid.UUID) error

	// AppendExecutionLogs stores captured handler log lines, assigning
	// sequence numbers. Retention is bounded per task when configured.
	AppendExecutionLogs(ctx context.Context, id uuid.UUID, logs []task.ExecutionLog) error

	// GetExecutionLogs returns captured lines ordered by sequence number.
	GetExecutionLogs(ctx context.Context, id uuid.UUID) ([]task.ExecutionLog, error)

	// StatusAudits returns the status transition history of a task.
	StatusAudits(ctx context.Context, id uuid.UUID) ([]task.StatusAudit, error)

	// RunsAudits returns the recurring run history of a task.
	RunsAudits(ctx context.Context, id uuid.UUID) ([]task.RunsAudit, error)
}

// SkippedOccurrencesMessage renders the audit text for missed occurrences,
// e.g. "Skipped 3 missed occurrence(s): ...".
func SkippedOccurrencesMessage(occurrences []time.Time) string {
	parts := make([]string, len(occurrences))
	for i, o := range occurrences {
		parts[i] = o.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Skipped %d missed occurrence(s): %s", len(occurrences), strings.Join(parts, ", "))
}
