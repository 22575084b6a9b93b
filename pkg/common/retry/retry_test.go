package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
		func(err error) bool { return errors.Is(err, errFlaky) },
		func(context.Context) error {
			calls++
			return fatal
		})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: time.Hour}, nil, func(context.Context) error {
		cancel()
		return errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(8))
}
