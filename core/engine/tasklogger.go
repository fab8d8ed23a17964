package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
)

type taskIDKey struct{}

// ContextWithTaskID tags a context with the task it belongs to. The engine
// does this before invoking a handler; log lines emitted through the task
// logger under this context are captured for that task.
func ContextWithTaskID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFromContext returns the task id the context is tagged with.
func TaskIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(taskIDKey{}).(uuid.UUID)
	return id, ok
}

// TaskLogger is a slog.Handler that buffers log lines per task and
// persists them as execution logs when the run finishes. Lines emitted
// outside a task context, or below the minimum level, pass through to the
// next handler untouched.
type TaskLogger struct {
	store    storage.Storage
	minLevel slog.Level
	next     slog.Handler
	clock    func() time.Time
	attrs    []slog.Attr

	mu  *sync.Mutex
	buf map[uuid.UUID][]task.ExecutionLog
}

// TaskLoggerOption configures a TaskLogger.
type TaskLoggerOption func(*TaskLogger)

// WithMinLevel sets the minimum level captured per task. Defaults to Info.
func WithMinLevel(l slog.Level) TaskLoggerOption {
	return func(t *TaskLogger) { t.minLevel = l }
}

// WithNextHandler chains an ordinary handler so captured lines still reach
// the process log output.
func WithNextHandler(h slog.Handler) TaskLoggerOption {
	return func(t *TaskLogger) { t.next = h }
}

// WithTaskLoggerClock overrides the time source for tests.
func WithTaskLoggerClock(clock func() time.Time) TaskLoggerOption {
	return func(t *TaskLogger) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTaskLogger creates a capturing handler bound to the given storage.
func NewTaskLogger(store storage.Storage, opts ...TaskLoggerOption) (*TaskLogger, error) {
	if store == nil {
		return nil, storage.ErrStorageNil
	}
	t := &TaskLogger{
		store:    store,
		minLevel: slog.LevelInfo,
		clock:    time.Now,
		mu:       &sync.Mutex{},
		buf:      make(map[uuid.UUID][]task.ExecutionLog),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Enabled reports whether either capture or the chained handler wants the
// record.
func (t *TaskLogger) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= t.minLevel {
		return true
	}
	if t.next != nil {
		return t.next.Enabled(ctx, level)
	}
	return false
}

// Handle captures the record for the context's task and forwards it.
func (t *TaskLogger) Handle(ctx context.Context, rec slog.Record) error {
	if id, ok := TaskIDFromContext(ctx); ok && rec.Level >= t.minLevel {
		t.capture(id, rec)
	}
	if t.next != nil && t.next.Enabled(ctx, rec.Level) {
		return t.next.Handle(ctx, rec)
	}
	return nil
}

// WithAttrs returns a handler carrying the extra attributes. Capture state
// is shared: lines logged through the derived handler land in the same
// per-task buffers.
func (t *TaskLogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *t
	cp.attrs = append(append([]slog.Attr(nil), t.attrs...), attrs...)
	if t.next != nil {
		cp.next = t.next.WithAttrs(attrs)
	}
	return &cp
}

// WithGroup forwards grouping to the chained handler; captured lines fold
// group names into the rendered message attributes.
func (t *TaskLogger) WithGroup(name string) slog.Handler {
	cp := *t
	if t.next != nil {
		cp.next = t.next.WithGroup(name)
	}
	return &cp
}

func (t *TaskLogger) capture(id uuid.UUID, rec slog.Record) {
	var exc *string
	parts := make([]string, 0, rec.NumAttrs()+len(t.attrs))
	render := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if a.Key == "error" {
			s := a.Value.String()
			exc = &s
			return
		}
		parts = append(parts, fmt.Sprintf("%s=%s", a.Key, a.Value.String()))
	}
	for _, a := range t.attrs {
		render(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		render(a)
		return true
	})

	msg := rec.Message
	if len(parts) > 0 {
		msg = msg + " " + strings.Join(parts, " ")
	}

	ts := rec.Time
	if ts.IsZero() {
		ts = t.clock()
	}
	line := task.ExecutionLog{
		ID:               uuid.New(),
		TaskID:           id,
		Timestamp:        ts.UTC(),
		Level:            rec.Level.String(),
		Message:          msg,
		ExceptionDetails: exc,
	}

	t.mu.Lock()
	t.buf[id] = append(t.buf[id], line)
	t.mu.Unlock()
}

// Flush persists and clears the captured lines for one task. Persistence
// errors are returned; the buffer is dropped either way so a failing store
// cannot grow memory without bound.
func (t *TaskLogger) Flush(ctx context.Context, id uuid.UUID) error {
	t.mu.Lock()
	lines := t.buf[id]
	delete(t.buf, id)
	t.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}
	return t.store.AppendExecutionLogs(ctx, id, lines)
}

// Buffered returns the number of lines currently held for a task.
func (t *TaskLogger) Buffered(id uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf[id])
}
