package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field limits enforced at dispatch and by the relational schema.
const (
	MaxTaskKeyLen = 200
	MaxTypeLen    = 500
	MaxHandlerLen = 500
)

var (
	ErrTaskKeyTooLong = errors.New("task key exceeds 200 characters")
	ErrTypeTooLong    = errors.New("type identifier exceeds 500 characters")
	ErrHandlerTooLong = errors.New("handler identifier exceeds 500 characters")
	ErrTypeMissing    = errors.New("type identifier is required")
	ErrInvalidStatus  = errors.New("invalid task status")
)

// QueuedTask is the durable aggregate root. It owns its status audits, run
// audits and execution logs; children carry the parent id only.
type QueuedTask struct {
	ID            uuid.UUID       `json:"id"`
	TaskKey       *string         `json:"task_key,omitempty"`
	Type          string          `json:"type"`
	Handler       string          `json:"handler"`
	Request       json.RawMessage `json:"request,omitempty"`
	Status        Status          `json:"status"`
	QueueName     string          `json:"queue_name,omitempty"`
	AuditLevel    AuditLevel      `json:"audit_level"`
	IsRecurring   bool            `json:"is_recurring"`
	Recurring     *RecurringTask  `json:"recurring_task,omitempty"`
	RecurringInfo string          `json:"recurring_info,omitempty"`

	CreatedAt          time.Time  `json:"created_at_utc"`
	ScheduledExecution *time.Time `json:"scheduled_execution_utc,omitempty"`
	NextRun            *time.Time `json:"next_run_utc,omitempty"`
	LastExecution      *time.Time `json:"last_execution_utc,omitempty"`

	CurrentRunCount *int       `json:"current_run_count,omitempty"`
	MaxRuns         *int       `json:"max_runs,omitempty"`
	RunUntil        *time.Time `json:"run_until,omitempty"`

	Exception       *string `json:"exception,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

// Validate checks field limits and structural invariants before persistence.
func (t *QueuedTask) Validate() error {
	if t.Type == "" {
		return ErrTypeMissing
	}
	if len(t.Type) > MaxTypeLen {
		return ErrTypeTooLong
	}
	if len(t.Handler) > MaxHandlerLen {
		return ErrHandlerTooLong
	}
	if t.TaskKey != nil && len(*t.TaskKey) > MaxTaskKeyLen {
		return ErrTaskKeyTooLong
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if t.IsRecurring {
		if t.Recurring == nil {
			return ErrRecurringSpecMissing
		}
		if err := t.Recurring.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RunCount returns the completed recurring run count, zero when unset.
func (t *QueuedTask) RunCount() int {
	if t.CurrentRunCount == nil {
		return 0
	}
	return *t.CurrentRunCount
}

// Key returns the idempotency key, empty when unset.
func (t *QueuedTask) Key() string {
	if t.TaskKey == nil {
		return ""
	}
	return *t.TaskKey
}

// FireTime returns the next time this task is due: NextRun for recurring
// tasks, ScheduledExecution otherwise. Nil means the task is immediate.
func (t *QueuedTask) FireTime() *time.Time {
	if t.NextRun != nil {
		return t.NextRun
	}
	return t.ScheduledExecution
}

// Clone returns a deep copy so storage snapshots cannot be mutated by
// callers.
func (t *QueuedTask) Clone() *QueuedTask {
	if t == nil {
		return nil
	}
	cp := *t
	cp.TaskKey = clonePtr(t.TaskKey)
	cp.Request = append(json.RawMessage(nil), t.Request...)
	cp.ScheduledExecution = clonePtr(t.ScheduledExecution)
	cp.NextRun = clonePtr(t.NextRun)
	cp.LastExecution = clonePtr(t.LastExecution)
	cp.CurrentRunCount = clonePtr(t.CurrentRunCount)
	cp.MaxRuns = clonePtr(t.MaxRuns)
	cp.RunUntil = clonePtr(t.RunUntil)
	cp.Exception = clonePtr(t.Exception)
	if t.Recurring != nil {
		rc := *t.Recurring
		rc.InitialDelay = clonePtr(t.Recurring.InitialDelay)
		rc.SpecificRunTime = clonePtr(t.Recurring.SpecificRunTime)
		rc.SecondInterval = clonePtr(t.Recurring.SecondInterval)
		rc.MinuteInterval = clonePtr(t.Recurring.MinuteInterval)
		rc.HourInterval = clonePtr(t.Recurring.HourInterval)
		rc.DayInterval = clonePtr(t.Recurring.DayInterval)
		rc.WeekInterval = clonePtr(t.Recurring.WeekInterval)
		rc.MonthInterval = clonePtr(t.Recurring.MonthInterval)
		rc.MaxRuns = clonePtr(t.Recurring.MaxRuns)
		rc.RunUntil = clonePtr(t.Recurring.RunUntil)
		cp.Recurring = &rc
	}
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// UTCPtr normalizes an optional timestamp to UTC.
func UTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// StringPtr is a convenience for optional text columns.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
