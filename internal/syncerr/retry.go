package syncerr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures local retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when callers do not override retry behaviour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether the error may be retried under the policy.
// Non-retryable kinds are terminal regardless of remaining attempts.
func ShouldRetry(err *SyncError, policy RetryPolicy, attempt int) bool {
	if err == nil {
		return false
	}
	if !err.Retryable {
		return false
	}
	return attempt < policy.MaxAttempts
}

// Backoff computes the delay before the given 1-based attempt.
func Backoff(attempt int, policy RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= policy.Multiplier
	}
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Retry runs op, classifying failures and retrying retryable ones with
// exponential backoff until the policy's attempt budget is exhausted or the
// context ends. The returned error is always a *SyncError.
func Retry(ctx context.Context, policy RetryPolicy, phase Phase, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = policy.MaxDelay
	bo.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		typed := Classify(err, phase)
		if !typed.Retryable {
			return backoff.Permanent(typed)
		}
		return typed
	}

	retries := uint64(0)
	if policy.MaxAttempts > 1 {
		retries = uint64(policy.MaxAttempts - 1)
	}

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	if err == nil {
		return nil
	}
	return Classify(err, phase)
}
