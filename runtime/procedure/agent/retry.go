package agent

import (
	"context"
	"time"
)

// RetryPolicy bounds the retry loop around transient provider failures.
type RetryPolicy struct {
	// Base is the first backoff delay. Defaults to 500ms.
	Base time.Duration
	// Cap bounds the exponential growth. Defaults to 30s.
	Cap time.Duration
	// MaxAttempts counts total tries including the first. Defaults to 5.
	MaxAttempts int
	// Sleep overrides the wait, letting tests run without a clock.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// backoff returns the delay before retry number n (n starts at 1).
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
