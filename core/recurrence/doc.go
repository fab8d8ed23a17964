// Package recurrence computes occurrence times for recurring tasks.
//
// Every function here is pure and deterministic: given a spec, a base time
// and a run count it returns the same answer regardless of wall clock.
// Subsequent occurrences are always derived from the prior scheduled time,
// never from "now", so per-run drift does not accumulate with handler
// latency. Catch-up after downtime walks the rhythm forward step by step,
// reporting every occurrence that fell in the past.
package recurrence
