package services

import (
	"context"
	"time"

	"embedbase/internal/apperrors"
)

// RetryPolicy retries retryable provider errors with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes at most 3 attempts: 200ms, then 400ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(ctx); err == nil {
			return attempt + 1, nil
		}
		if !apperrors.IsRetryable(err) || attempt == attempts-1 {
			return attempt + 1, err
		}

		timer := time.NewTimer(p.delay(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, err
		case <-timer.C:
		}
	}
	return attempts, err
}

// delay is BaseDelay doubled per attempt, capped at MaxDelay. A provider
// Retry-After hint wins when it is longer.
func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if hint := apperrors.From(err).RetryAfter; hint > d {
		d = hint
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}
