package queue

import "time"

// RetryPolicy is the explicit retry/backoff policy applied to failed jobs:
// a fixed attempt cap with delays growing exponentially in the attempt
// number, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// HasAttemptsLeft reports whether a job that just finished the given
// attempt (1-based) may run again.
func (p RetryPolicy) HasAttemptsLeft(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Backoff returns the re-enqueue delay after the given attempt (1-based):
// BaseDelay doubled per completed attempt beyond the first.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
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
