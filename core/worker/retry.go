package worker

import "time"

// Retry defaults: three linear retries half a second apart.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
)

// RetryPolicy decides whether a failed attempt is retried. attempt is
// 1-based (the first retry gets attempt=1). Returning ok=false stops the
// retry loop; the aggregate of all attempt errors becomes the task's
// failure.
type RetryPolicy func(attempt int, err error) (delay time.Duration, ok bool)

// LinearRetry retries up to maxRetries times with a fixed delay.
func LinearRetry(maxRetries int, delay time.Duration) RetryPolicy {
	return func(attempt int, _ error) (time.Duration, bool) {
		if attempt > maxRetries {
			return 0, false
		}
		return delay, true
	}
}

// NoRetry fails on the first error.
func NoRetry() RetryPolicy {
	return func(int, error) (time.Duration, bool) { return 0, false }
}

// DefaultRetryPolicy is applied when a handler does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return LinearRetry(DefaultMaxRetries, DefaultRetryDelay)
}
