package llm

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy controls how rate-limited provider calls are retried. The
// delay doubles after every attempt.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s initial delay, 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry returns true if the error is a rate limit and the attempt count
// has not reached MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isRetryable(err)
}

// NextDelay returns the backoff delay after the given attempt (1-indexed):
// InitialDelay * 2^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// Execute runs fn up to MaxAttempts times, backing off between rate-limited
// attempts. Any other error is returned immediately.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(p.InitialDelay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
	)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
