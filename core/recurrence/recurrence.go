package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrymomot/taskforge/core/task"
)

// DefaultMaxIterations bounds the catch-up walk in NextValidRun so a spec
// that has been offline for a very long period cannot spin forever.
const DefaultMaxIterations = 1000

var ErrNilSpec = errors.New("recurring spec is nil")

// Result is the outcome of a catch-up computation. NextRun is nil when the
// spec has no future occurrence left (max runs reached, run-until passed,
// or the iteration budget was exhausted).
type Result struct {
	NextRun            *time.Time
	SkippedCount       int
	SkippedOccurrences []time.Time
}

// FirstRun returns the first occurrence for a spec dispatched at now.
// RunNow fires immediately; SpecificRunTime anchors the rhythm (possibly in
// the past, which catch-up later reports as skipped); InitialDelay offsets
// the first run only. Otherwise the first occurrence is one step from now.
func FirstRun(spec *task.RecurringTask, now time.Time) (time.Time, error) {
	if spec == nil {
		return time.Time{}, ErrNilSpec
	}
	now = now.UTC()
	switch {
	case spec.RunNow:
		return now, nil
	case spec.SpecificRunTime != nil:
		return spec.SpecificRunTime.UTC(), nil
	case spec.InitialDelay != nil:
		return now.Add(*spec.InitialDelay), nil
	}
	return step(spec, now)
}

// NextRun advances one step from base. It returns nil when the spec is
// exhausted: currentRun reached MaxRuns, or the proposed occurrence exceeds
// RunUntil.
func NextRun(spec *task.RecurringTask, base time.Time, currentRun int) (*time.Time, error) {
	if spec == nil {
		return nil, ErrNilSpec
	}
	if spec.MaxRuns != nil && currentRun >= *spec.MaxRuns {
		return nil, nil
	}
	next, err := step(spec, base.UTC())
	if err != nil {
		return nil, err
	}
	if spec.RunUntil != nil && next.After(spec.RunUntil.UTC()) {
		return nil, nil
	}
	return &next, nil
}

// NextValidRun advances from base until it finds an occurrence after now,
// recording every occurrence skipped along the way. The walk preserves the
// rhythm: each step is derived from the previous occurrence, so catch-up
// after downtime lands back on the original cadence instead of restarting
// from the current time. maxIterations <= 0 uses DefaultMaxIterations.
func NextValidRun(spec *task.RecurringTask, base time.Time, currentRun int, now time.Time, maxIterations int) (Result, error) {
	if spec == nil {
		return Result{}, ErrNilSpec
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	now = now.UTC()

	var res Result
	cur := base.UTC()
	for iter := 0; iter < maxIterations; iter++ {
		next, err := NextRun(spec, cur, currentRun)
		if err != nil {
			return Result{}, err
		}
		if next == nil {
			return res, nil
		}
		if next.After(now) {
			res.NextRun = next
			return res, nil
		}
		res.SkippedOccurrences = append(res.SkippedOccurrences, *next)
		res.SkippedCount++
		cur = *next
	}
	// Iteration budget exhausted without reaching the present.
	return res, nil
}

// step computes the single next occurrence strictly after base.
func step(spec *task.RecurringTask, base time.Time) (time.Time, error) {
	switch {
	case spec.CronExpression != "":
		sched, err := task.ParseCron(spec.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(base).UTC(), nil
	case spec.SecondInterval != nil:
		return base.Add(time.Duration(spec.SecondInterval.Every) * time.Second), nil
	case spec.MinuteInterval != nil:
		return base.Add(time.Duration(spec.MinuteInterval.Every) * time.Minute), nil
	case spec.HourInterval != nil:
		return base.Add(time.Duration(spec.HourInterval.Every) * time.Hour), nil
	case spec.DayInterval != nil:
		return nextDaily(base, spec.DayInterval.Every, spec.DayInterval.AtTimes), nil
	case spec.WeekInterval != nil:
		return nextWeekly(base, spec.WeekInterval.Every, spec.WeekInterval.OnDays, spec.WeekInterval.AtTimes), nil
	case spec.MonthInterval != nil:
		return nextMonthly(base, spec.MonthInterval.Every, spec.MonthInterval.OnDaysOfMonth, spec.MonthInterval.AtTimes), nil
	}
	return time.Time{}, fmt.Errorf("%w", task.ErrNoIntervalConfigured)
}

// sortedSlots returns the configured slots in ascending order, or the base
// time-of-day when no slots are configured. Configured slots win over the
// anchor's own time-of-day.
func sortedSlots(base time.Time, atTimes []task.TimeOfDay) []task.TimeOfDay {
	if len(atTimes) == 0 {
		return []task.TimeOfDay{task.At(base.Hour(), base.Minute(), base.Second())}
	}
	slots := append([]task.TimeOfDay(nil), atTimes...)
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Duration() < slots[j].Duration()
	})
	return slots
}

// atSlot places a slot on the given date.
func atSlot(day time.Time, slot task.TimeOfDay) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		slot.Hour, slot.Minute, slot.Second, 0, time.UTC)
}

func nextDaily(base time.Time, every int, atTimes []task.TimeOfDay) time.Time {
	slots := sortedSlots(base, atTimes)

	// Remaining slot later on the base day.
	if len(atTimes) > 0 {
		for _, slot := range slots {
			if c := atSlot(base, slot); c.After(base) {
				return c
			}
		}
	}
	next := base.AddDate(0, 0, every)
	return atSlot(next, slots[0])
}

func nextWeekly(base time.Time, every int, onDays []time.Weekday, atTimes []task.TimeOfDay) time.Time {
	slots := sortedSlots(base, atTimes)
	days := onDays
	if len(days) == 0 {
		days = []time.Weekday{base.Weekday()}
	}

	baseWeek := weekStart(base)
	// Bounded scan: the next match is always within two cadence periods.
	limit := every*14 + 7
	for i := 0; i < limit; i++ {
		day := base.AddDate(0, 0, i)
		if !containsWeekday(days, day.Weekday()) {
			continue
		}
		weeks := int(weekStart(day).Sub(baseWeek).Hours() / (24 * 7))
		if weeks%every != 0 {
			continue
		}
		for _, slot := range slots {
			if c := atSlot(day, slot); c.After(base) {
				return c
			}
		}
	}
	// Unreachable for validated specs; fall back to a plain cadence jump.
	return atSlot(base.AddDate(0, 0, 7*every), slots[0])
}

func nextMonthly(base time.Time, every int, onDaysOfMonth []int, atTimes []task.TimeOfDay) time.Time {
	slots := sortedSlots(base, atTimes)
	days := append([]int(nil), onDaysOfMonth...)
	if len(days) == 0 {
		days = []int{base.Day()}
	}
	sort.Ints(days)

	// Scan month by month on the cadence; skip days that do not exist in a
	// given month (e.g. the 31st in February).
	for m := 0; m <= every*24+12; m += every {
		month := addMonths(base, m)
		for _, d := range days {
			if d > daysInMonth(month.Year(), month.Month()) {
				continue
			}
			day := time.Date(month.Year(), month.Month(), d, 0, 0, 0, 0, time.UTC)
			for _, slot := range slots {
				if c := atSlot(day, slot); c.After(base) {
					return c
				}
			}
		}
	}
	return atSlot(base.AddDate(0, every, 0), slots[0])
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

// weekStart returns midnight of the Monday of t's week.
func weekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// addMonths advances by whole months anchored to the first of the month to
// avoid time.AddDate's day-overflow normalization.
func addMonths(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, months, 0)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
