package coordinator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"gridfleet/internal/core"
)

// statusInterval coalesces running-state writes. Snapshots arriving faster
// than this collapse into one hash write; lifecycle transitions always land.
const statusInterval = time.Second

// StatusWriter renders engine status snapshots into the running hash the
// management API polls. It implements core.IStatusSink.
//
// The hash fields are an external contract: every numeric field is a base-10
// string and every timestamp is unix seconds.
type StatusWriter struct {
	kv         KV
	strategyID int64
	logger     core.ILogger

	mu        sync.Mutex
	clock     core.Clock
	lastWrite time.Time
}

func NewStatusWriter(kv KV, strategyID int64, logger core.ILogger) *StatusWriter {
	return &StatusWriter{
		kv:         kv,
		strategyID: strategyID,
		logger:     logger.WithField("strategy_id", strategyID),
		clock:      core.RealClock{},
	}
}

// SetClock substitutes the coalescing clock for tests.
func (w *StatusWriter) SetClock(clock core.Clock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock = clock
}

// Publish writes the snapshot to the running hash. Steady-state snapshots
// are rate limited to one write per statusInterval; any snapshot that is not
// plain running bypasses the limiter so stop and error transitions are never
// swallowed.
func (w *StatusWriter) Publish(ctx context.Context, snap *core.StatusSnapshot) error {
	w.mu.Lock()
	now := w.clock.Now()
	if snap.Status == core.RunStatusRunning && now.Sub(w.lastWrite) < statusInterval {
		w.mu.Unlock()
		return nil
	}
	w.lastWrite = now
	w.mu.Unlock()

	key := runningKey(w.strategyID)
	if err := w.kv.HSet(ctx, key, renderSnapshot(snap)); err != nil {
		return err
	}
	// The hash dies with the lock if nobody cleans up after a crash.
	return w.kv.Expire(ctx, key, LockTTL)
}

// Clear removes the running record. The task runner calls it once the
// strategy has fully stopped.
func (w *StatusWriter) Clear(ctx context.Context) error {
	return w.kv.Del(ctx, runningKey(w.strategyID))
}

func renderSnapshot(snap *core.StatusSnapshot) map[string]string {
	fields := map[string]string{
		"task_id":         snap.TaskID,
		"worker_ip":       snap.WorkerIP,
		"worker_hostname": snap.WorkerHost,
		"status":          string(snap.Status),
		"started_at":      strconv.FormatInt(snap.StartedAt.Unix(), 10),
		"current_price":   snap.CurrentPrice.String(),
		"pending_buys":    strconv.Itoa(snap.PendingBuys),
		"pending_sells":   strconv.Itoa(snap.PendingSells),
		"position_count":  strconv.Itoa(snap.PositionCount),
		"last_error":      snap.LastError,
		"updated_at":      strconv.FormatInt(snap.UpdatedAt.Unix(), 10),
	}
	// Adapter and strategy extras ride along without displacing the
	// contract fields.
	for k, v := range snap.Extra {
		if _, reserved := fields[k]; !reserved {
			fields[k] = v
		}
	}
	return fields
}
