package webhook

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var _ backoff.BackOff = (*LinearBackOff)(nil)

// LinearBackOff waits Delay*k after the k-th failed attempt and stops once
// MaxAttempts attempts have been made.
type LinearBackOff struct {
	Delay       time.Duration
	MaxAttempts int

	attempt int
}

// NewLinearBackOff returns a policy allowing maxAttempts attempts in total.
func NewLinearBackOff(delay time.Duration, maxAttempts int) *LinearBackOff {
	return &LinearBackOff{Delay: delay, MaxAttempts: maxAttempts}
}

// NextBackOff is called after a failed attempt and returns how long to wait
// before the next one, or backoff.Stop when no attempts remain.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	return b.Delay * time.Duration(b.attempt)
}

// Reset restarts the sequence.
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// Sleeper blocks for d. The context is honoured so shutdown is not held up by
// a pending retry.
type Sleeper func(ctx context.Context, d time.Duration)

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
