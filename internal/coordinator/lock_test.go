package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/logging"
	apperrors "gridfleet/pkg/errors"
)

func TestStrategyLock_MutualExclusion(t *testing.T) {
	kv := NewMemoryKV()
	logger := logging.GetGlobalLogger()
	ctx := context.Background()

	first := NewStrategyLock(kv, 7, "task-a", logger)
	second := NewStrategyLock(kv, 7, "task-b", logger)

	require.NoError(t, first.Acquire(ctx))

	err := second.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLockContention)

	// A redelivered task retrying its own lock is not contention.
	require.NoError(t, first.Acquire(ctx))

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
}

func TestStrategyLock_ReleaseIgnoresForeignHolder(t *testing.T) {
	kv := NewMemoryKV()
	logger := logging.GetGlobalLogger()
	ctx := context.Background()

	owner := NewStrategyLock(kv, 9, "task-a", logger)
	intruder := NewStrategyLock(kv, 9, "task-b", logger)

	require.NoError(t, owner.Acquire(ctx))
	require.NoError(t, intruder.Release(ctx))

	held, err := kv.Get(ctx, lockKey(9))
	require.NoError(t, err)
	assert.Equal(t, "task-a", held)
}

func TestStrategyLock_ExpiresWithTTL(t *testing.T) {
	kv := NewMemoryKV()
	clock := newFakeClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	kv.SetClock(clock)
	logger := logging.GetGlobalLogger()
	ctx := context.Background()

	crashed := NewStrategyLock(kv, 3, "task-a", logger)
	require.NoError(t, crashed.Acquire(ctx))

	// Before expiry the strategy stays pinned.
	replacement := NewStrategyLock(kv, 3, "task-b", logger)
	assert.ErrorIs(t, replacement.Acquire(ctx), apperrors.ErrLockContention)

	clock.Advance(LockTTL + time.Minute)
	require.NoError(t, replacement.Acquire(ctx))
}
