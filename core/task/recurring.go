package task

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrNoIntervalConfigured   = errors.New("recurring task has no interval configured")
	ErrMultipleIntervals      = errors.New("recurring task must configure exactly one interval")
	ErrInvalidInterval        = errors.New("interval step must be positive")
	ErrInvalidCron            = errors.New("invalid cron expression")
	ErrCronQuestionMark       = errors.New("cron '?' is not supported, use '*'")
	ErrInvalidDayOfMonth      = errors.New("day of month must be between 1 and 31")
	ErrInvalidMaxRuns         = errors.New("max runs must be positive")
	ErrInvalidTimeOfDay       = errors.New("time of day out of range")
	ErrRecurringSpecMissing   = errors.New("recurring task spec is missing")
)

// cronParser accepts both 5-field (minute..day-of-week) and 6-field
// (leading seconds) expressions plus @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5- or 6-field cron expression. The 6-field form
// carries seconds in the trailing position ("* * * * * */2" fires every
// two seconds); it is rotated to the leading-seconds layout the parser
// expects. The '?' placeholder is rejected before parsing; use '*'
// instead.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.Contains(expr, "?") {
		return nil, fmt.Errorf("%w: %q", ErrCronQuestionMark, expr)
	}
	if fields := strings.Fields(expr); len(fields) == 6 && !strings.HasPrefix(fields[0], "@") {
		expr = fields[5] + " " + strings.Join(fields[:5], " ")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// TimeOfDay is a wall-clock slot within a day, serialized as "HH:MM:SS".
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// At builds a TimeOfDay. Values are validated by RecurringTask.Validate.
func At(hour, minute, second int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute, Second: second}
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 &&
		t.Minute >= 0 && t.Minute < 60 &&
		t.Second >= 0 && t.Second < 60
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Duration returns the offset from midnight.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	*t = TimeOfDay{Hour: h, Minute: m, Second: sec}
	return nil
}

type (
	// SecondInterval repeats every N seconds.
	SecondInterval struct {
		Every int `json:"every"`
	}

	// MinuteInterval repeats every N minutes.
	MinuteInterval struct {
		Every int `json:"every"`
	}

	// HourInterval repeats every N hours.
	HourInterval struct {
		Every int `json:"every"`
	}

	// DayInterval repeats every N days, optionally at fixed slots within
	// the scheduled day.
	DayInterval struct {
		Every   int         `json:"every"`
		AtTimes []TimeOfDay `json:"at_times,omitempty"`
	}

	// WeekInterval repeats on an N-week cadence, optionally restricted to
	// specific weekdays and slots.
	WeekInterval struct {
		Every   int            `json:"every"`
		OnDays  []time.Weekday `json:"on_days,omitempty"`
		AtTimes []TimeOfDay    `json:"at_times,omitempty"`
	}

	// MonthInterval repeats on an N-month cadence, optionally restricted to
	// specific days of month and slots.
	MonthInterval struct {
		Every         int         `json:"every"`
		OnDaysOfMonth []int       `json:"on_days_of_month,omitempty"`
		AtTimes       []TimeOfDay `json:"at_times,omitempty"`
	}
)

// RecurringTask is the serialized recurring spec carried by a QueuedTask.
// Exactly one of CronExpression or the fixed-unit intervals must be set.
type RecurringTask struct {
	RunNow          bool            `json:"run_now,omitempty"`
	InitialDelay    *time.Duration  `json:"initial_delay,omitempty"`
	SpecificRunTime *time.Time      `json:"specific_run_time,omitempty"`
	CronExpression  string          `json:"cron_expression,omitempty"`
	SecondInterval  *SecondInterval `json:"second_interval,omitempty"`
	MinuteInterval  *MinuteInterval `json:"minute_interval,omitempty"`
	HourInterval    *HourInterval   `json:"hour_interval,omitempty"`
	DayInterval     *DayInterval    `json:"day_interval,omitempty"`
	WeekInterval    *WeekInterval   `json:"week_interval,omitempty"`
	MonthInterval   *MonthInterval  `json:"month_interval,omitempty"`
	MaxRuns         *int            `json:"max_runs,omitempty"`
	RunUntil        *time.Time      `json:"run_until,omitempty"`
}

// intervalCount returns how many interval families are configured.
func (r *RecurringTask) intervalCount() int {
	n := 0
	if r.CronExpression != "" {
		n++
	}
	if r.SecondInterval != nil {
		n++
	}
	if r.MinuteInterval != nil {
		n++
	}
	if r.HourInterval != nil {
		n++
	}
	if r.DayInterval != nil {
		n++
	}
	if r.WeekInterval != nil {
		n++
	}
	if r.MonthInterval != nil {
		n++
	}
	return n
}

// Validate checks the spec for structural errors. Cron expressions are
// fully parsed here so a bad spec fails at dispatch, never at run time.
func (r *RecurringTask) Validate() error {
	switch n := r.intervalCount(); {
	case n == 0:
		return ErrNoIntervalConfigured
	case n > 1:
		return ErrMultipleIntervals
	}

	if r.CronExpression != "" {
		if _, err := ParseCron(r.CronExpression); err != nil {
			return err
		}
	}

	every, atTimes := r.stepConfig()
	if r.CronExpression == "" && every <= 0 {
		return ErrInvalidInterval
	}
	for _, at := range atTimes {
		if !at.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidTimeOfDay, at)
		}
	}
	if r.MonthInterval != nil {
		for _, d := range r.MonthInterval.OnDaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: %d", ErrInvalidDayOfMonth, d)
			}
		}
	}
	if r.MaxRuns != nil && *r.MaxRuns <= 0 {
		return ErrInvalidMaxRuns
	}
	return nil
}

// stepConfig extracts the configured step size and slot list, whichever
// family is set.
func (r *RecurringTask) stepConfig() (every int, atTimes []TimeOfDay) {
	switch {
	case r.SecondInterval != nil:
		return r.SecondInterval.Every, nil
	case r.MinuteInterval != nil:
		return r.MinuteInterval.Every, nil
	case r.HourInterval != nil:
		return r.HourInterval.Every, nil
	case r.DayInterval != nil:
		return r.DayInterval.Every, r.DayInterval.AtTimes
	case r.WeekInterval != nil:
		return r.WeekInterval.Every, r.WeekInterval.AtTimes
	case r.MonthInterval != nil:
		return r.MonthInterval.Every, r.MonthInterval.AtTimes
	}
	return 0, nil
}

// ApproxInterval returns a rough duration between occurrences, used by the
// lazy-resolution heuristic. Cron and calendar intervals count as at least
// one day.
func (r *RecurringTask) ApproxInterval() time.Duration {
	switch {
	case r.SecondInterval != nil:
		return time.Duration(r.SecondInterval.Every) * time.Second
	case r.MinuteInterval != nil:
		return time.Duration(r.MinuteInterval.Every) * time.Minute
	case r.HourInterval != nil:
		return time.Duration(r.HourInterval.Every) * time.Hour
	case r.DayInterval != nil:
		return time.Duration(r.DayInterval.Every) * 24 * time.Hour
	case r.WeekInterval != nil:
		return time.Duration(r.WeekInterval.Every) * 7 * 24 * time.Hour
	case r.MonthInterval != nil:
		return time.Duration(r.MonthInterval.Every) * 30 * 24 * time.Hour
	case r.CronExpression != "":
		sched, err := ParseCron(r.CronExpression)
		if err != nil {
			return 0
		}
		now := time.Now()
		first := sched.Next(now)
		return sched.Next(first).Sub(first)
	}
	return 0
}

// Describe renders a human-readable summary for operators. Stored in the
// RecurringInfo column.
func (r *RecurringTask) Describe() string {
	var b strings.Builder
	switch {
	case r.CronExpression != "":
		fmt.Fprintf(&b, "cron %q", r.CronExpression)
	case r.SecondInterval != nil:
		fmt.Fprintf(&b, "every %d second(s)", r.SecondInterval.Every)
	case r.MinuteInterval != nil:
		fmt.Fprintf(&b, "every %d minute(s)", r.MinuteInterval.Every)
	case r.HourInterval != nil:
		fmt.Fprintf(&b, "every %d hour(s)", r.HourInterval.Every)
	case r.DayInterval != nil:
		fmt.Fprintf(&b, "every %d day(s)", r.DayInterval.Every)
		appendSlots(&b, r.DayInterval.AtTimes)
	case r.WeekInterval != nil:
		fmt.Fprintf(&b, "every %d week(s)", r.WeekInterval.Every)
		if len(r.WeekInterval.OnDays) > 0 {
			days := make([]string, len(r.WeekInterval.OnDays))
			for i, d := range r.WeekInterval.OnDays {
				days[i] = d.String()
			}
			fmt.Fprintf(&b, " on %s", strings.Join(days, ", "))
		}
		appendSlots(&b, r.WeekInterval.AtTimes)
	case r.MonthInterval != nil:
		fmt.Fprintf(&b, "every %d month(s)", r.MonthInterval.Every)
		if len(r.MonthInterval.OnDaysOfMonth) > 0 {
			days := append([]int(nil), r.MonthInterval.OnDaysOfMonth...)
			sort.Ints(days)
			parts := make([]string, len(days))
			for i, d := range days {
				parts[i] = fmt.Sprintf("%d", d)
			}
			fmt.Fprintf(&b, " on day(s) %s", strings.Join(parts, ", "))
		}
		appendSlots(&b, r.MonthInterval.AtTimes)
	default:
		return "no interval configured"
	}

	if r.MaxRuns != nil {
		fmt.Fprintf(&b, ", max %d run(s)", *r.MaxRuns)
	}
	if r.RunUntil != nil {
		fmt.Fprintf(&b, ", until %s", r.RunUntil.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func appendSlots(b *strings.Builder, atTimes []TimeOfDay) {
	if len(atTimes) == 0 {
		return
	}
	parts := make([]string, len(atTimes))
	for i, at := range atTimes {
		parts[i] = at.String()
	}
	fmt.Fprintf(b, " at %s", strings.Join(parts, ", "))
}
