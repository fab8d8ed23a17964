package task

import (
	"time"

	"github.com/google/uuid"
)

// AuditLevel controls which status transitions and recurring runs are
// written to the audit tables.
type AuditLevel int

const (
	AuditFull AuditLevel = iota
	AuditMinimal
	AuditErrorsOnly
	AuditNone
)

// Valid reports whether the level is one of the defined policies.
func (l AuditLevel) Valid() bool {
	return l >= AuditFull && l <= AuditNone
}

func (l AuditLevel) String() string {
	switch l {
	case AuditFull:
		return "full"
	case AuditMinimal:
		return "minimal"
	case AuditErrorsOnly:
		return "errors_only"
	case AuditNone:
		return "none"
	}
	return "unknown"
}

// ShouldAuditStatus decides whether a status transition is recorded.
// Full records everything. Minimal and ErrorsOnly record failures and any
// transition carrying a non-empty exception, except ServiceStopped with a
// cancellation-shaped exception, which is expected shutdown. None records
// nothing. The predicate is evaluated exactly once per transition, inside
// the storage layer.
func (l AuditLevel) ShouldAuditStatus(status Status, exception string) bool {
	switch l {
	case AuditFull:
		return true
	case AuditMinimal, AuditErrorsOnly:
		if status == StatusServiceStopped && IsCancellationShaped(exception) {
			return false
		}
		return status == StatusFailed || exception != ""
	default:
		return false
	}
}

// ShouldAuditRun decides whether a recurring execution attempt is recorded.
// Full and Minimal record every completion; ErrorsOnly records only failed
// runs; None records nothing.
func (l AuditLevel) ShouldAuditRun(outcome Status) bool {
	switch l {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return outcome == StatusFailed
	default:
		return false
	}
}

// StatusAudit is one row per audited status transition of a task.
type StatusAudit struct {
	ID        int64     `json:"id"`
	TaskID    uuid.UUID `json:"queued_task_id"`
	UpdatedAt time.Time `json:"updated_at_utc"`
	NewStatus Status    `json:"new_status"`
	Exception *string   `json:"exception,omitempty"`
}

// RunsAudit is one row per recurring execution attempt (not per retry).
type RunsAudit struct {
	ID              int64      `json:"id"`
	TaskID          uuid.UUID  `json:"queued_task_id"`
	ExecutedAt      time.Time  `json:"executed_at"`
	Status          Status     `json:"status"`
	Exception       *string    `json:"exception,omitempty"`
	RunUntil        *time.Time `json:"run_until,omitempty"`
	ExecutionTimeMs *float64   `json:"execution_time_ms,omitempty"`
}

// ExecutionLog is one captured application log line emitted while a task
// handler was running. Lines are ordered by SequenceNumber within a task.
type ExecutionLog struct {
	ID               uuid.UUID `json:"id"`
	TaskID           uuid.UUID `json:"task_id"`
	Timestamp        time.Time `json:"timestamp_utc"`
	Level            string    `json:"level"`
	Message          string    `json:"message"`
	ExceptionDetails *string   `json:"exception_details,omitempty"`
	SequenceNumber   int       `json:"sequence_number"`
}
