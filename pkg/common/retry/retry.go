package retry

import (
	"context"
	"time"
)

// Policy bounds an exponential backoff loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Delay returns the wait before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
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

// Do runs fn until it succeeds, returns an error retryable rejects, or attempts run out.
// It returns the number of attempts made alongside the last error.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	policy = policy.normalized()

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(err) {
			return attempt, err
		}

		// Do not sleep after last attempt
		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}

	return policy.MaxAttempts, err
}
