package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides how long a failed task waits before re-entering its band.
type RetryPolicy interface {
	// Delay returns the wait before retry number attempt (1-based).
	Delay(attempt int) time.Duration
}

// ImmediateRetry re-enqueues failed tasks at once.
type ImmediateRetry struct{}

// Delay always returns 0.
func (ImmediateRetry) Delay(int) time.Duration { return 0 }

// ExponentialRetry doubles the delay on each attempt starting from Initial,
// capped at Max.
type ExponentialRetry struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay computes the deterministic exponential delay for attempt.
func (p ExponentialRetry) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Initial <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
