package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
)

// Store is the PostgreSQL storage backend. Atomic transitions run as
// single statements with data-modifying CTEs, so the row update and its
// audit insert commit together without an explicit transaction. Row-level
// locking serializes concurrent writers to the same task.
type Store struct {
	pool           *pgxpool.Pool
	maxLogsPerTask int
	now            func() time.Time
	logger         *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreMaxLogsPerTask bounds execution log retention per task. Zero
// keeps everything.
func WithStoreMaxLogsPerTask(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxLogsPerTask = n
		}
	}
}

// WithStoreLogger sets the logger for contract warnings.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreClock injects the time source, for deterministic tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store over an established pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) (*Store, error) {
	if pool == nil {
		return nil, ErrConnectionFailed
	}
	s := &Store{
		pool:   pool,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// querier is satisfied by both the pool and pgx.Tx, letting callers join
// store operations into an ambient transaction via WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) db(ctx context.Context) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

const taskColumns = `id, created_at_utc, last_execution_utc, scheduled_execution_utc,
	next_run_utc, run_until, type, handler, request, exception, status, queue_name,
	task_key, audit_level, is_recurring, recurring_task, recurring_info,
	current_run_count, max_runs, execution_time_ms`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) Persist(ctx context.Context, t *task.QueuedTask) error {
	if t == nil {
		return storage.ErrNilTask
	}

	recurringJSON, err := marshalRecurring(t.Recurring)
	if err != nil {
		return err
	}

	// The creation status is audited unless the task is parked in
	// WaitingQueue; parking is not a lifecycle transition, the first fire
	// audits Queued instead.
	audit := t.Status != task.StatusWaitingQueue && t.AuditLevel.ShouldAuditStatus(t.Status, "")

	_, err = s.db(ctx).Exec(ctx, `
		WITH inserted AS (
			INSERT INTO queued_tasks (`+taskColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			RETURNING id
		)
		INSERT INTO status_audits (queued_task_id, updated_at_utc, new_status, exception)
		SELECT id, $2, $11, NULL FROM inserted WHERE $21`,
		t.ID, t.CreatedAt.UTC(), task.UTCPtr(t.LastExecution), task.UTCPtr(t.ScheduledExecution),
		task.UTCPtr(t.NextRun), task.UTCPtr(t.RunUntil), t.Type, t.Handler, string(t.Request),
		t.Exception, string(t.Status), nullString(t.QueueName), t.TaskKey, int(t.AuditLevel),
		t.IsRecurring, recurringJSON, nullString(t.RecurringInfo), t.CurrentRunCount,
		t.MaxRuns, t.ExecutionTimeMs, audit)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateTaskKey
		}
		return fmt.Errorf("failed to persist task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.QueuedTask) error {
	if t == nil {
		return storage.ErrNilTask
	}

	recurringJSON, err := marshalRecurring(t.Recurring)
	if err != nil {
		return err
	}

	audit := t.AuditLevel.ShouldAuditStatus(t.Status, "")

	var updated int
	err = s.db(ctx).QueryRow(ctx, `
		WITH prev AS (
			SELECT status FROM queued_tasks WHERE id = $1
		),
		updated AS (
			UPDATE queued_tasks SET
				last_execution_utc = $2,
				scheduled_execution_utc = $3,
				next_run_utc = $4,
				run_until = $5,
				type = $6,
				handler = $7,
				request = $8,
				exception = $9,
				status = $10,
				queue_name = $11,
				task_key = $12,
				audit_level = $13,
				is_recurring = $14,
				recurring_task = $15,
				recurring_info = $16,
				current_run_count = $17,
				max_runs = $18,
				execution_time_ms = $19
			WHERE id = $1
			RETURNING id
		),
		audited AS (
			INSERT INTO status_audits (queued_task_id, updated_at_utc, new_status, exception)
			SELECT u.id, $20, $10, NULL
			FROM updated u, prev p
			WHERE $21 AND p.status IS DISTINCT FROM $10
			RETURNING id
		)
		SELECT count(*) FROM updated`,
		t.ID, task.UTCPtr(t.LastExecution), task.UTCPtr(t.ScheduledExecution),
		task.UTCPtr(t.NextRun), task.UTCPtr(t.RunUntil), t.Type, t.Handler, string(t.Request),
		t.Exception, string(t.Status), nullString(t.QueueName), t.TaskKey, int(t.AuditLevel),
		t.IsRecurring, recurringJSON, nullString(t.RecurringInfo), t.CurrentRunCount,
		t.MaxRuns, t.ExecutionTimeMs, s.now().UTC(), audit,
	).Scan(&updated)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateTaskKey
		}
		return fmt.Errorf("failed to update task: %w", err)
	}
	if updated == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*task.QueuedTask, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+taskColumns+` FROM queued_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return t, err
}

func (s *Store) GetByKey(ctx context.Context, key string) (*task.QueuedTask, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+taskColumns+` FROM queued_tasks WHERE task_key = $1`, key)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return t, err
}

func (s *Store) Find(ctx context.Context, f storage.Filter) ([]*task.QueuedTask, error) {
	var (
		conds []string
		args  []any
	)
	if f.QueueName != "" {
		args = append(args, f.QueueName)
		conds = append(conds, fmt.Sprintf("queue_name = $%d", len(args)))
	}
	if f.Recurring != nil {
		args = append(args, *f.Recurring)
		conds = append(conds, fmt.Sprintf("is_recurring = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM queued_tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_utc, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.QueuedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetAll(ctx context.Context) ([]*task.QueuedTask, error) {
	return s.Find(ctx, storage.Filter{})
}

func (s *Store) RetrievePending(ctx context.Context, queueName string, limit int) ([]*task.QueuedTask, error) {
	return s.Find(ctx, storage.Filter{
		QueueName: queueName,
		Statuses:  []task.Status{task.StatusWaitingQueue, task.StatusQueued, task.StatusInProgress},
		Limit:     limit,
	})
}

func (s *Store) ClaimForRun(ctx context.Context, id uuid.UUID) (*task.QueuedTask, error) {
	// InProgress carries no exception, so only the full level audits the
	// transition; the gate reads the row's own audit_level.
	row := s.db(ctx).QueryRow(ctx, `
		WITH claimed AS (
			UPDATE queued_tasks SET status = $2
			WHERE id = $1 AND status = $3
			RETURNING `+taskColumns+`
		),
		audited AS (
			INSERT INTO status_audits (queued_task_id, updated_at_utc, new_status, exception)
			SELECT id, $4, $2, NULL FROM claimed WHERE audit_level = $5
			RETURNING id
		)
		SELECT `+taskColumns+` FROM claimed`,
		id, string(task.StatusInProgress), string(task.StatusQueued),
		s.now().UTC(), int(task.AuditFull))
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); errors.Is(gerr, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return t, nil
}

func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status task.Status, exception string, execMs *float64, level task.AuditLevel) error {
	now := s.now().UTC()
	audit := level.ShouldAuditStatus(status, exception)

	var updated int
	err := s.db(ctx).QueryRow(ctx, `
		WITH updated AS (
			UPDATE queued_tasks SET
				status = $2,
				exception = COALESCE(NULLIF($3, ''), exception),
				execution_time_ms = COALESCE($4, execution_time_ms),
				last_execution_utc = CASE WHEN $5 THEN $6 ELSE last_execution_utc END
			WHERE id = $1
			RETURNING id
		),
		audited AS (
			INSERT INTO status_audits (queued_task_id, updated_at_utc, new_status, exception)
			SELECT id, $6, $2, NULLIF($3, '') FROM updated WHERE $7
			RETURNING id
		)
		SELECT count(*) FROM updated`,
		id, string(status), exception, execMs, status.RecordsExecution(), now, audit,
	).Scan(&updated)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	if updated == 0 {
		// Contract: missing rows are a logged no-op, not an error. The
		// task may have been removed by an idempotent re-registration.
		s.logger.WarnContext(ctx, "set status on missing task",
			slog.String("task_id", id.String()),
			slog.String("status", string(status)))
	}
	return nil
}

func (s *Store) UpdateCurrentRun(ctx context.Context, id uuid.UUID, execMs float64, nextRun *time.Time, outcome task.Status, exception string, level task.AuditLevel) error {
	now := s.now().UTC()
	auditRun := level.ShouldAuditRun(outcome)
	auditStatus := level.ShouldAuditStatus(outcome, exception)

	var updated int
	err := s.db(ctx).QueryRow(ctx, `
		WITH updated AS (
			UPDATE queued_tasks SET
				current_run_count = COALESCE(current_run_count, 0) + 1,
				execution_time_ms = $2,
				last_execution_utc = $3,
				next_run_utc = $4,
				status = CASE WHEN $4::timestamptz IS NOT NULL THEN 'waiting_queue' ELSE $5 END,
				exception = COALESCE(NULLIF($6, ''), exception)
			WHERE id = $1
			RETURNING id, run_until
		),
		run_audited AS (
			INSERT INTO runs_audits (queued_task_id, executed_at, status, exception, run_until, execution_time_ms)
			SELECT id, $3, $5, NULLIF($6, ''), run_until, $2 FROM updated WHERE $7
			RETURNING id
		),
		status_audited AS (
			INSERT INTO status_audits (queued_task_id, updated_at_utc, new_status, exception)
			SELECT id, $3, $5, NULLIF($6, '') FROM updated WHERE $8
			RETURNING id
		)
		SELECT count(*) FROM updated`,
		id, execMs, now, task.UTCPtr(nextRun), string(outcome), exception, auditRun, auditStatus,
	).Scan(&updated)
	if err != nil {
		return fmt.Errorf("failed to update current run: %w", err)
	}
	if updated == 0 {
		s.logger.WarnContext(ctx, "update current run on missing task",
			slog.String("task_id", id.String()))
	}
	return nil
}

func (s *Store) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, occurrences []time.Time) error {
	if len(occurrences) == 0 {
		return nil
	}

	msg := storage.SkippedOccurrencesMessage(occurrences)
	tag, err := s.db(ctx).Exec(ctx, `
		INSERT INTO runs_audits (queued_task_id, executed_at, status, exception)
		SELECT id, $2, $3, $4 FROM queued_tasks WHERE id = $1`,
		id, s.now().UTC(), string(task.StatusCompleted), msg)
	if err != nil {
		return fmt.Errorf("failed to record skipped occurrences: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RecordInterruptedRun(ctx context.Context, id uuid.UUID, execMs float64, outcome task.Status, exception string, level task.AuditLevel) error {
	// Interruptions audit as failures: the run happened and was cut short,
	// even though it does not count against MaxRuns.
	if !level.ShouldAuditRun(task.StatusFailed) {
		return nil
	}

	tag, err := s.db(ctx).Exec(ctx, `
		INSERT INTO runs_audits (queued_task_id, executed_at, status, exception, run_until, execution_time_ms)
		SELECT id, $2, $3, NULLIF($4, ''), run_until, $5 FROM queued_tasks WHERE id = $1`,
		id, s.now().UTC(), string(outcome), exception, execMs)
	if err != nil {
		return fmt.Errorf("failed to record interrupted run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.WarnContext(ctx, "record interrupted run on missing task",
			slog.String("task_id", id.String()))
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db(ctx).Exec(ctx, `DELETE FROM queued_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AppendExecutionLogs(ctx context.Context, id uuid.UUID, logs []task.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}

	var base int
	err := s.db(ctx).QueryRow(ctx, `
		SELECT count(*) FROM task_execution_logs WHERE task_id = $1`, id).Scan(&base)
	if err != nil {
		return fmt.Errorf("failed to count execution logs: %w", err)
	}

	batch := &pgx.Batch{}
	seq := base
	for _, l := range logs {
		if s.maxLogsPerTask > 0 && seq >= s.maxLogsPerTask {
			break
		}
		lid := l.ID
		if lid == uuid.Nil {
			lid = uuid.New()
		}
		batch.Queue(`
			INSERT INTO task_execution_logs (id, task_id, timestamp_utc, level, message, exception_details, sequence_number)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			lid, id, l.Timestamp.UTC(), l.Level, truncate(l.Message, 4000), l.ExceptionDetails, seq)
		seq++
	}
	if batch.Len() == 0 {
		return nil
	}

	var res pgx.BatchResults
	if tx, ok := TxFromContext(ctx); ok {
		res = tx.SendBatch(ctx, batch)
	} else {
		res = s.pool.SendBatch(ctx, batch)
	}
	defer func() { _ = res.Close() }()
	for i := 0; i < batch.Len(); i++ {
		if _, err := res.Exec(); err != nil {
			var pgErr *pgconn.PgError
			// 23503: the task row is gone.
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to append execution logs: %w", err)
		}
	}
	return nil
}

func (s *Store) GetExecutionLogs(ctx context.Context, id uuid.UUID) ([]task.ExecutionLog, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, task_id, timestamp_utc, level, message, exception_details, sequence_number
		FROM task_execution_logs WHERE task_id = $1 ORDER BY sequence_number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var out []task.ExecutionLog
	for rows.Next() {
		var l task.ExecutionLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Timestamp, &l.Level, &l.Message, &l.ExceptionDetails, &l.SequenceNumber); err != nil {
			return nil, err
		}
		l.Timestamp = l.Timestamp.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) StatusAudits(ctx context.Context, id uuid.UUID) ([]task.StatusAudit, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, queued_task_id, updated_at_utc, new_status, exception
		FROM status_audits WHERE queued_task_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status audits: %w", err)
	}
	defer rows.Close()

	var out []task.StatusAudit
	for rows.Next() {
		var (
			a      task.StatusAudit
			status string
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.UpdatedAt, &status, &a.Exception); err != nil {
			return nil, err
		}
		a.NewStatus = task.Status(status)
		a.UpdatedAt = a.UpdatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) RunsAudits(ctx context.Context, id uuid.UUID) ([]task.RunsAudit, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, queued_task_id, executed_at, status, exception, run_until, execution_time_ms
		FROM runs_audits WHERE queued_task_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs audits: %w", err)
	}
	defer rows.Close()

	var out []task.RunsAudit
	for rows.Next() {
		var (
			a      task.RunsAudit
			status string
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ExecutedAt, &status, &a.Exception, &a.RunUntil, &a.ExecutionTimeMs); err != nil {
			return nil, err
		}
		a.Status = task.Status(status)
		a.ExecutedAt = a.ExecutedAt.UTC()
		a.RunUntil = task.UTCPtr(a.RunUntil)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*task.QueuedTask, error) {
	var (
		t             task.QueuedTask
		status        string
		request       string
		queueName     *string
		recurringJSON *string
		recurringInfo *string
		auditLevel    *int
	)
	err := row.Scan(&t.ID, &t.CreatedAt, &t.LastExecution, &t.ScheduledExecution,
		&t.NextRun, &t.RunUntil, &t.Type, &t.Handler, &request, &t.Exception, &status,
		&queueName, &t.TaskKey, &auditLevel, &t.IsRecurring, &recurringJSON, &recurringInfo,
		&t.CurrentRunCount, &t.MaxRuns, &t.ExecutionTimeMs)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Request = json.RawMessage(request)
	if queueName != nil {
		t.QueueName = *queueName
	}
	if recurringInfo != nil {
		t.RecurringInfo = *recurringInfo
	}
	if auditLevel != nil {
		t.AuditLevel = task.AuditLevel(*auditLevel)
	}
	if recurringJSON != nil && *recurringJSON != "" {
		var spec task.RecurringTask
		if err := json.Unmarshal([]byte(*recurringJSON), &spec); err != nil {
			return nil, fmt.Errorf("failed to decode recurring spec: %w", err)
		}
		t.Recurring = &spec
	}

	t.CreatedAt = t.CreatedAt.UTC()
	t.LastExecution = task.UTCPtr(t.LastExecution)
	t.ScheduledExecution = task.UTCPtr(t.ScheduledExecution)
	t.NextRun = task.UTCPtr(t.NextRun)
	t.RunUntil = task.UTCPtr(t.RunUntil)
	return &t, nil
}

func marshalRecurring(spec *task.RecurringTask) (*string, error) {
	if spec == nil {
		return nil, nil
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recurring spec: %w", err)
	}
	s := string(b)
	return &s, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
