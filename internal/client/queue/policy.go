package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is the single retry policy of the sync engine: exponential
// backoff with jitter, doubling per attempt and capped at MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the number of failed attempts after which an item is
	// terminal.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
	}
}

// NewBackOff returns a fresh backoff following p.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Delay returns the wait before retrying after the given number of failed
// attempts (1-based).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	b := p.NewBackOff()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
