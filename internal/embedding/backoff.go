package embedding

import (
	"context"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff tracks the retry state of one batch: how many attempts were made
// and how long to wait before the next one. The delay doubles after every
// failure and is capped at MaxDelay.
type Backoff struct {
	policy   RetryPolicy
	attempts int
	next     time.Duration
}

func NewBackoff(p RetryPolicy) *Backoff {
	return &Backoff{policy: p, next: p.BaseDelay}
}

// Next records a failed attempt. It returns the delay before the following
// attempt, or false once MaxAttempts attempts have been made.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempts++
	if b.attempts >= b.policy.MaxAttempts {
		return 0, false
	}

	d := b.capped(b.next)
	b.next = b.capped(b.next * 2)
	return d, true
}

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Reset() {
	b.attempts = 0
	b.next = b.policy.BaseDelay
}

func (b *Backoff) capped(d time.Duration) time.Duration {
	if b.policy.MaxDelay > 0 && d > b.policy.MaxDelay {
		return b.policy.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
