package dbwriter

import "time"

// RetryPolicy implements spec §4.2's exact deterministic backoff schedule:
// the wait after failed attempt k (1-indexed), before attempt k+1, is
// min(base * 2^(k-1), max_delay).
// Adapted from postgres.RetryExecutor and core/resilience.WithRetry, but
// without their jitter — the spec gives an exact formula, so jitter is
// dropped here (see DESIGN.md).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches spec §4.2's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// DelayForAttempt returns the delay waited after failed attempt k
// (1-indexed), before the next attempt.
func (p RetryPolicy) DelayForAttempt(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	delay := p.BaseDelay
	for i := 1; i < k; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
