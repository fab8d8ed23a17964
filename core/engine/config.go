package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dmitrymomot/taskforge/core/queue"
	"github.com/dmitrymomot/taskforge/core/storage"
	"github.com/dmitrymomot/taskforge/core/task"
)

// Config holds engine configuration. Designed for environment-based
// loading via the config package; zero values fall back to the built-in
// defaults.
type Config struct {
	// Default queue
	QueueCapacity    int `env:"TASKFORGE_QUEUE_CAPACITY" envDefault:"500"`
	QueueParallelism int `env:"TASKFORGE_QUEUE_PARALLELISM" envDefault:"1"`

	// Recurring queue
	RecurringQueueCapacity    int `env:"TASKFORGE_RECURRING_QUEUE_CAPACITY" envDefault:"500"`
	RecurringQueueParallelism int `env:"TASKFORGE_RECURRING_QUEUE_PARALLELISM" envDefault:"1"`

	// Scheduler
	TickInterval    time.Duration `env:"TASKFORGE_TICK_INTERVAL" envDefault:"500ms"`
	SchedulerShards int           `env:"TASKFORGE_SCHEDULER_SHARDS" envDefault:"1"`

	// Handler resolution
	LazyResolution         bool          `env:"TASKFORGE_LAZY_RESOLUTION" envDefault:"false"`
	LazyDelayThreshold     time.Duration `env:"TASKFORGE_LAZY_DELAY_THRESHOLD" envDefault:"30m"`
	LazyRecurringThreshold time.Duration `env:"TASKFORGE_LAZY_RECURRING_THRESHOLD" envDefault:"5m"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"TASKFORGE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Auditing
	DefaultAuditLevel string `env:"TASKFORGE_AUDIT_LEVEL" envDefault:"full"`

	// Task log capture
	TaskLogsEnabled  bool   `env:"TASKFORGE_TASK_LOGS_ENABLED" envDefault:"false"`
	TaskLogsMinLevel string `env:"TASKFORGE_TASK_LOGS_MIN_LEVEL" envDefault:"info"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:             queue.DefaultCapacity,
		QueueParallelism:          queue.DefaultParallelism,
		RecurringQueueCapacity:    queue.DefaultCapacity,
		RecurringQueueParallelism: queue.DefaultParallelism,
		TickInterval:              500 * time.Millisecond,
		SchedulerShards:           1,
		LazyDelayThreshold:        DefaultLazyDelayThreshold,
		LazyRecurringThreshold:    DefaultLazyRecurringThreshold,
		ShutdownTimeout:           30 * time.Second,
		DefaultAuditLevel:         "full",
		TaskLogsMinLevel:          "info",
	}
}

// ParseAuditLevel maps a config string to an audit level.
func ParseAuditLevel(s string) (task.AuditLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return task.AuditFull, nil
	case "minimal":
		return task.AuditMinimal, nil
	case "errors_only", "errorsonly", "errors":
		return task.AuditErrorsOnly, nil
	case "none":
		return task.AuditNone, nil
	}
	return task.AuditFull, fmt.Errorf("unknown audit level %q", s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewFromConfig creates an engine from a parsed configuration. Extra
// options are applied after the config-derived ones and may override them.
func NewFromConfig(store storage.Storage, cfg Config, opts ...Option) (*Engine, error) {
	level, err := ParseAuditLevel(cfg.DefaultAuditLevel)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithDefaultQueue(queue.Options{
			Capacity:               cfg.QueueCapacity,
			MaxDegreeOfParallelism: cfg.QueueParallelism,
		}),
		WithRecurringQueue(queue.Options{
			Capacity:               cfg.RecurringQueueCapacity,
			MaxDegreeOfParallelism: cfg.RecurringQueueParallelism,
		}),
		WithTickInterval(cfg.TickInterval),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithLazyResolution(cfg.LazyResolution),
		WithLazyDelayThreshold(cfg.LazyDelayThreshold),
		WithLazyRecurringThreshold(cfg.LazyRecurringThreshold),
		WithDefaultAuditLevel(level),
	}
	if cfg.SchedulerShards > 1 {
		base = append(base, WithShardedScheduler(cfg.SchedulerShards))
	}
	if cfg.TaskLogsEnabled {
		tl, err := NewTaskLogger(store, WithMinLevel(parseLogLevel(cfg.TaskLogsMinLevel)))
		if err != nil {
			return nil, err
		}
		base = append(base, WithTaskLogger(tl))
	}

	return New(store, append(base, opts...)...)
}
