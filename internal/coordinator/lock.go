package coordinator

import (
	"context"
	"fmt"
	"time"

	"gridfleet/internal/core"
	apperrors "gridfleet/pkg/errors"
)

// LockTTL bounds how long a crashed worker can pin a strategy. A lock that
// was never released expires after this and the strategy becomes startable
// again.
const LockTTL = 24 * time.Hour

// StrategyLock is the fleet-wide mutual exclusion for one strategy. The lock
// value is the task id, so only the task that took the lock can free it.
type StrategyLock struct {
	kv         KV
	strategyID int64
	taskID     string
	logger     core.ILogger
}

func NewStrategyLock(kv KV, strategyID int64, taskID string, logger core.ILogger) *StrategyLock {
	return &StrategyLock{
		kv:         kv,
		strategyID: strategyID,
		taskID:     taskID,
		logger:     logger.WithField("strategy_id", strategyID),
	}
}

// Acquire takes the lock or fails with ErrLockContention. Acquiring a lock
// this task already holds succeeds without touching the TTL, so a redelivered
// task cannot deadlock against itself.
func (l *StrategyLock) Acquire(ctx context.Context) error {
	ok, err := l.kv.SetNX(ctx, lockKey(l.strategyID), l.taskID, LockTTL)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if ok {
		l.logger.Info("Strategy lock acquired", "task_id", l.taskID)
		return nil
	}

	holder, err := l.kv.Get(ctx, lockKey(l.strategyID))
	if err != nil {
		return fmt.Errorf("lock holder read: %w", err)
	}
	if holder == l.taskID {
		return nil
	}
	return fmt.Errorf("%w: strategy %d held by task %s",
		apperrors.ErrLockContention, l.strategyID, holder)
}

// Release frees the lock only while this task still holds it. Releasing a
// lock that expired or moved to another task is a silent no-op.
func (l *StrategyLock) Release(ctx context.Context) error {
	released, err := l.kv.CompareAndDelete(ctx, lockKey(l.strategyID), l.taskID)
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	if released {
		l.logger.Info("Strategy lock released", "task_id", l.taskID)
	}
	return nil
}
