package storage

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskforge/core/task"
)

// MemoryStore is the reference in-memory Storage implementation, used for
// tests and local development. It honors the same contract as the
// relational adapters: SetStatus and UpdateCurrentRun execute under a
// per-id mutex so concurrent writers to the same row serialize.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*task.QueuedTask
	byKey map[string]uuid.UUID

	statusAudits map[uuid.UUID][]task.StatusAudit
	runsAudits   map[uuid.UUID][]task.RunsAudit
	logs         map[uuid.UUID][]task.ExecutionLog

	rowLocks map[uuid.UUID]*sync.Mutex

	auditSeq int64

	maxLogsPerTask int
	now            func() time.Time
	logger         *slog.Logger
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMaxLogsPerTask bounds execution log retention per task. Zero keeps
// everything.
func WithMaxLogsPerTask(n int) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if n > 0 {
			ms.maxLogsPerTask = n
		}
	}
}

// WithMemoryStoreLogger sets the logger for contract warnings.
func WithMemoryStoreLogger(logger *slog.Logger) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if logger != nil {
			ms.logger = logger
		}
	}
}

// WithMemoryStoreClock injects the time source, for deterministic tests.
func WithMemoryStoreClock(now func() time.Time) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if now != nil {
			ms.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		tasks:        make(map[uuid.UUID]*task.QueuedTask),
		byKey:        make(map[string]uuid.UUID),
		statusAudits: make(map[uuid.UUID][]task.StatusAudit),
		runsAudits:   make(map[uuid.UUID][]task.RunsAudit),
		logs:         make(map[uuid.UUID][]task.ExecutionLog),
		rowLocks:     make(map[uuid.UUID]*sync.Mutex),
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

// rowLock returns the per-id mutex, creating it on first use.
func (ms *MemoryStore) rowLock(id uuid.UUID) *sync.Mutex {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	l, ok := ms.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		ms.rowLocks[id] = l
	}
	return l
}

func (ms *MemoryStore) Persist(ctx context.Context, t *task.QueuedTask) error {
	if t == nil {
		return ErrNilTask
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if key := t.Key(); key != "" {
		if _, exists := ms.byKey[key]; exists {
			return ErrDuplicateTaskKey
		}
	}

	cp := t.Clone()
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.ScheduledExecution = task.UTCPtr(cp.ScheduledExecution)
	cp.NextRun = task.UTCPtr(cp.NextRun)
	ms.tasks[cp.ID] = cp
	if key := cp.Key(); key != "" {
		ms.byKey[key] = cp.ID
	}

	// The creation status is audited unless the task is parked in
	// WaitingQueue; parking is not a lifecycle transition, the first fire
	// audits Queued instead.
	if cp.Status != task.StatusWaitingQueue && cp.AuditLevel.ShouldAuditStatus(cp.Status, "") {
		ms.appendStatusAuditLocked(cp.ID, cp.Status, nil)
	}
	return nil
}

func (ms *MemoryStore) UpdateTask(ctx context.Context, t *task.QueuedTask) error {
	if t == nil {
		return ErrNilTask
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	existing, ok := ms.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}

	cp := t.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.ScheduledExecution = task.UTCPtr(cp.ScheduledExecution)
	cp.NextRun = task.UTCPtr(cp.NextRun)

	if oldKey := existing.Key(); oldKey != "" && oldKey != cp.Key() {
		delete(ms.byKey, oldKey)
	}
	if key := cp.Key(); key != "" {
		if owner, exists := ms.byKey[key]; exists && owner != cp.ID {
			return ErrDuplicateTaskKey
		}
		ms.byKey[key] = cp.ID
	}
	ms.tasks[cp.ID] = cp

	if existing.Status != cp.Status && cp.AuditLevel.ShouldAuditStatus(cp.Status, "") {
		ms.appendStatusAuditLocked(cp.ID, cp.Status, nil)
	}
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*task.QueuedTask, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	t, ok := ms.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (ms *MemoryStore) GetByKey(ctx context.Context, key string) (*task.QueuedTask, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, ok := ms.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return ms.tasks[id].Clone(), nil
}

func (ms *MemoryStore) Find(ctx context.Context, f Filter) ([]*task.QueuedTask, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*task.QueuedTask
	for _, t := range ms.tasks {
		if f.QueueName != "" && t.QueueName != f.QueueName {
			continue
		}
		if f.Recurring != nil && t.IsRecurring != *f.Recurring {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	sortByCreated(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (ms *MemoryStore) GetAll(ctx context.Context) ([]*task.QueuedTask, error) {
	return ms.Find(ctx, Filter{})
}

func (ms *MemoryStore) RetrievePending(ctx context.Context, queueName string, limit int) ([]*task.QueuedTask, error) {
	return ms.Find(ctx, Filter{
		QueueName: queueName,
		Statuses:  []task.Status{task.StatusWaitingQueue, task.StatusQueued, task.StatusInProgress},
		Limit:     limit,
	})
}

func (ms *MemoryStore) ClaimForRun(ctx context.Context, id uuid.UUID) (*task.QueuedTask, error) {
	lock := ms.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, ok := ms.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != task.StatusQueued {
		return nil, ErrNotClaimable
	}

	t.Status = task.StatusInProgress
	if t.AuditLevel.ShouldAuditStatus(task.StatusInProgress, "") {
		ms.appendStatusAuditLocked(id, task.StatusInProgress, nil)
	}
	return t.Clone(), nil
}

func (ms *MemoryStore) SetStatus(ctx context.Context, id uuid.UUID, status task.Status, exception string, execMs *float64, level task.AuditLevel) error {
	lock := ms.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, ok := ms.tasks[id]
	if !ok {
		// Contract: missing rows are a logged no-op, not an error. The
		// task may have been removed by an idempotent re-registration.
		ms.logger.WarnContext(ctx, "set status on missing task",
			slog.String("task_id", id.String()),
			slog.String("status", string(status)))
		return nil
	}

	t.Status = status
	if exception != "" {
		t.Exception = &exception
	}
	if execMs != nil {
		t.ExecutionTimeMs = *execMs
	}
	if status.RecordsExecution() {
		now := ms.now().UTC()
		t.LastExecution = &now
	}

	if level.ShouldAuditStatus(status, exception) {
		ms.appendStatusAuditLocked(id, status, task.StringPtr(exception))
	}
	return nil
}

func (ms *MemoryStore) UpdateCurrentRun(ctx context.Context, id uuid.UUID, execMs float64, nextRun *time.Time, outcome task.Status, exception string, level task.AuditLevel) error {
	lock := ms.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, ok := ms.tasks[id]
	if !ok {
		ms.logger.WarnContext(ctx, "update current run on missing task",
			slog.String("task_id", id.String()))
		return nil
	}

	now := ms.now().UTC()
	count := t.RunCount() + 1
	t.CurrentRunCount = &count
	t.ExecutionTimeMs = execMs
	t.LastExecution = &now
	t.NextRun = task.UTCPtr(nextRun)
	if exception != "" {
		t.Exception = &exception
	}
	if nextRun != nil {
		t.Status = task.StatusWaitingQueue
	} else {
		t.Status = outcome
	}

	if level.ShouldAuditRun(outcome) {
		ms.auditSeq++
		ms.runsAudits[id] = append(ms.runsAudits[id], task.RunsAudit{
			ID:              ms.auditSeq,
			TaskID:          id,
			ExecutedAt:      now,
			Status:          outcome,
			Exception:       task.StringPtr(exception),
			RunUntil:        task.UTCPtr(t.RunUntil),
			ExecutionTimeMs: &execMs,
		})
	}
	if level.ShouldAuditStatus(outcome, exception) {
		ms.appendStatusAuditLocked(id, outcome, task.StringPtr(exception))
	}
	return nil
}

func (ms *MemoryStore) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error {
	if len(occurrences) == 0 {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.tasks[id]; !ok {
		return ErrNotFound
	}

	msg := SkippedOccurrencesMessage(occurrences)
	ms.auditSeq++
	ms.runsAudits[id] = append(ms.runsAudits[id], task.RunsAudit{
		ID:         ms.auditSeq,
		TaskID:     id,
		ExecutedAt: ms.now().UTC(),
		Status:     task.StatusCompleted,
		Exception:  &msg,
	})
	return nil
}

func (ms *MemoryStore) RecordInterruptedRun(ctx context.Context, id uuid.UUID, execMs float64, outcome task.Status, exception string, level task.AuditLevel) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, ok := ms.tasks[id]
	if !ok {
		ms.logger.WarnContext(ctx, "record interrupted run on missing task",
			slog.String("task_id", id.String()))
		return nil
	}
	// Interruptions audit as failures: the run happened and was cut short,
	// even though it does not count against MaxRuns.
	if !level.ShouldAuditRun(task.StatusFailed) {
		return nil
	}

	ms.auditSeq++
	ms.runsAudits[id] = append(ms.runsAudits[id], task.RunsAudit{
		ID:              ms.auditSeq,
		TaskID:          id,
		ExecutedAt:      ms.now().UTC(),
		Status:          outcome,
		Exception:       task.StringPtr(exception),
		RunUntil:        task.UTCPtr(t.RunUntil),
		ExecutionTimeMs: &execMs,
	})
	return nil
}

func (ms *MemoryStore) Remove(ctx context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, ok := ms.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if key := t.Key(); key != "" {
		delete(ms.byKey, key)
	}
	delete(ms.tasks, id)
	delete(ms.statusAudits, id)
	delete(ms.runsAudits, id)
	delete(ms.logs, id)
	delete(ms.rowLocks, id)
	return nil
}

func (ms *MemoryStore) AppendExecutionLogs(ctx context.Context, id uuid.UUID, logs []task.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.tasks[id]; !ok {
		return ErrNotFound
	}

	existing := ms.logs[id]
	seq := len(existing)
	for _, l := range logs {
		if ms.maxLogsPerTask > 0 && seq >= ms.maxLogsPerTask {
			break
		}
		l.TaskID = id
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.Timestamp = l.Timestamp.UTC()
		l.SequenceNumber = seq
		existing = append(existing, l)
		seq++
	}
	ms.logs[id] = existing
	return nil
}

func (ms *MemoryStore) GetExecutionLogs(ctx context.Context, id uuid.UUID) ([]task.ExecutionLog, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := append([]task.ExecutionLog(nil), ms.logs[id]...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (ms *MemoryStore) StatusAudits(ctx context.Context, id uuid.UUID) ([]task.StatusAudit, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]task.StatusAudit(nil), ms.statusAudits[id]...), nil
}

func (ms *MemoryStore) RunsAudits(ctx context.Context, id uuid.UUID) ([]task.RunsAudit, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]task.RunsAudit(nil), ms.runsAudits[id]...), nil
}

// appendStatusAuditLocked assumes ms.mu is held.
func (ms *MemoryStore) appendStatusAuditLocked(id uuid.UUID, status task.Status, exception *string) {
	ms.auditSeq++
	ms.statusAudits[id] = append(ms.statusAudits[id], task.StatusAudit{
		ID:        ms.auditSeq,
		TaskID:    id,
		UpdatedAt: ms.now().UTC(),
		NewStatus: status,
		Exception: exception,
	})
}

func containsStatus(statuses []task.Status, s task.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func sortByCreated(tasks []*task.QueuedTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID.String() < tasks[j].ID.String()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
