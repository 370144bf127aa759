package runner

import (
	"context"
	"fmt"
	"time"

	"formrunner/internal/progress"
)

// Retry policy defaults: two attempts per item with a fixed two-second
// wait between them
const (
	DefaultMaxAttempts = 2
	DefaultRetryDelay  = 2 * time.Second
)

// Retrier wraps a single-item execution attempt with a bounded retry
// policy. It does not cover session establishment; that is handled once by
// the runner and never retried.
type Retrier struct {
	MaxAttempts int
	Delay       time.Duration
	Hub         *progress.Hub
	Stop        <-chan struct{} // closed when the run is stopping; aborts waits between attempts
}

// Do invokes op until it succeeds or the attempt budget is exhausted,
// waiting the fixed delay between attempts. The first success returns
// immediately. On exhaustion the returned error carries the last attempt's
// failure. One log line is published per attempt.
func (rt *Retrier) Do(ctx context.Context, ref string, op func(context.Context) (string, error)) (string, error) {
	maxAttempts := rt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := rt.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		note, err := op(ctx)
		if err == nil {
			rt.logf(progress.LevelSuccess, "%s: attempt %d/%d succeeded", ref, attempt, maxAttempts)
			return note, nil
		}

		lastErr = err
		rt.logf(progress.LevelError, "%s: attempt %d/%d failed: %v", ref, attempt, maxAttempts, err)

		if attempt == maxAttempts {
			break
		}

		// Wait out the backoff, but begin no further attempts once a stop
		// has been requested
		select {
		case <-time.After(delay):
		case <-rt.Stop:
			return "", &ItemExecutionError{Reference: ref, Attempts: attempts, Err: lastErr}
		case <-ctx.Done():
			return "", &ItemExecutionError{Reference: ref, Attempts: attempts, Err: lastErr}
		}

		if rt.stopped() {
			break
		}
	}

	return "", &ItemExecutionError{Reference: ref, Attempts: attempts, Err: lastErr}
}

func (rt *Retrier) stopped() bool {
	select {
	case <-rt.Stop:
		return true
	default:
		return false
	}
}

func (rt *Retrier) logf(level, format string, args ...interface{}) {
	if rt.Hub == nil {
		return
	}
	rt.Hub.PublishLog(level, fmt.Sprintf(format, args...))
}
