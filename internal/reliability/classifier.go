// Package reliability classifies failures and retries the calls that can
// recover from them.
package reliability

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"
)

var retryableStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Relay error_event codes a client can recover from with a fresh session.
var retryableCodes = []string{
	"connect_timeout",
	"transport_error",
	"rate_limited",
	"resource_exhausted",
	"unavailable",
}

func IsRetryableHTTPStatus(code int) bool { return slices.Contains(retryableStatuses, code) }

func IsRetryableErrorCode(code string) bool { return slices.Contains(retryableCodes, code) }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryFixed calls fn up to attempts times with a constant wait between
// failures and returns the last error. onRetry sees every failure that is
// followed by another attempt. The wait runs through sleep so callers control
// the clock; a failed wait ends the loop with the last error, and a cancelled
// ctx ends it with ctx.Err().
func RetryFixed(ctx context.Context, attempts int, backoff time.Duration, sleep SleepFunc, fn func(context.Context, int) error, onRetry func(attempt int, err error)) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts = max(attempts, 1)
	policy := retry.WithMaxRetries(uint64(attempts-1), retry.BackoffFunc(func() (time.Duration, bool) { return 0, false }))

	attempt := 0
	var last error
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if onRetry != nil {
				onRetry(attempt-1, last)
			}
			if sleep(ctx, backoff) != nil {
				return last
			}
		}
		if last = fn(ctx, attempt); last != nil {
			return retry.RetryableError(last)
		}
		return nil
	})
}
