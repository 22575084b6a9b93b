package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatientLockWaitsAndHonoursContext(t *testing.T) {
	locks := newPatientLocks()
	release, err := locks.acquire(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.acquire(context.Background(), "q")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := locks.acquire(context.Background(), "p")
	require.NoError(t, err)
	again()
	assert.Empty(t, locks.locks)
}

func TestSessionsPurge(t *testing.T) {
	s := newSessions()
	ctx, done := s.begin(context.Background(), "p")
	assert.Equal(t, 0, s.purge("q"))
	assert.Equal(t, 1, s.purge("p"))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), ErrSessionPurged)
	done()
	assert.Equal(t, 0, s.purge("p"))
}
