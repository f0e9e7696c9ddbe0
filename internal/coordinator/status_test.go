package coordinator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/core"
	"gridfleet/internal/logging"
)

func TestStatusWriter_RendersContractFields(t *testing.T) {
	kv := NewMemoryKV()
	writer := NewStatusWriter(kv, 42, logging.GetGlobalLogger())
	ctx := context.Background()

	started := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	updated := started.Add(90 * time.Second)
	require.NoError(t, writer.Publish(ctx, &core.StatusSnapshot{
		StrategyID:    42,
		TaskID:        "task-1",
		WorkerIP:      "10.0.0.5",
		WorkerHost:    "worker-1",
		Status:        core.RunStatusRunning,
		StartedAt:     started,
		UpdatedAt:     updated,
		CurrentPrice:  decimal.RequireFromString("104.25"),
		PendingBuys:   3,
		PendingSells:  2,
		PositionCount: 1,
		Extra:         map[string]string{"strategy": "grid-long", "status": "overwritten"},
	}))

	rec, err := kv.HGetAll(ctx, runningKey(42))
	require.NoError(t, err)
	assert.Equal(t, "task-1", rec["task_id"])
	assert.Equal(t, "10.0.0.5", rec["worker_ip"])
	assert.Equal(t, "worker-1", rec["worker_hostname"])
	assert.Equal(t, "running", rec["status"])
	assert.Equal(t, strconv.FormatInt(started.Unix(), 10), rec["started_at"])
	assert.Equal(t, "104.25", rec["current_price"])
	assert.Equal(t, "3", rec["pending_buys"])
	assert.Equal(t, "2", rec["pending_sells"])
	assert.Equal(t, "1", rec["position_count"])
	assert.Equal(t, "", rec["last_error"])
	assert.Equal(t, strconv.FormatInt(updated.Unix(), 10), rec["updated_at"])

	// Extras ride along but never displace contract fields.
	assert.Equal(t, "grid-long", rec["strategy"])
}

func TestStatusWriter_CoalescesSteadyState(t *testing.T) {
	kv := NewMemoryKV()
	writer := NewStatusWriter(kv, 1, logging.GetGlobalLogger())
	clock := newFakeClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	writer.SetClock(clock)
	ctx := context.Background()

	snap := func(buys int) *core.StatusSnapshot {
		return &core.StatusSnapshot{Status: core.RunStatusRunning, PendingBuys: buys}
	}

	require.NoError(t, writer.Publish(ctx, snap(1)))
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, writer.Publish(ctx, snap(2)))

	rec, err := kv.HGetAll(ctx, runningKey(1))
	require.NoError(t, err)
	assert.Equal(t, "1", rec["pending_buys"], "write inside the interval must coalesce")

	clock.Advance(time.Second)
	require.NoError(t, writer.Publish(ctx, snap(3)))

	rec, err = kv.HGetAll(ctx, runningKey(1))
	require.NoError(t, err)
	assert.Equal(t, "3", rec["pending_buys"])
}

func TestStatusWriter_LifecycleBypassesCoalescing(t *testing.T) {
	kv := NewMemoryKV()
	writer := NewStatusWriter(kv, 1, logging.GetGlobalLogger())
	clock := newFakeClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	writer.SetClock(clock)
	ctx := context.Background()

	require.NoError(t, writer.Publish(ctx, &core.StatusSnapshot{Status: core.RunStatusRunning}))
	require.NoError(t, writer.Publish(ctx, &core.StatusSnapshot{Status: core.RunStatusStopping}))

	rec, err := kv.HGetAll(ctx, runningKey(1))
	require.NoError(t, err)
	assert.Equal(t, "stopping", rec["status"])
}

func TestStatusWriter_ClearRemovesRecord(t *testing.T) {
	kv := NewMemoryKV()
	writer := NewStatusWriter(kv, 1, logging.GetGlobalLogger())
	ctx := context.Background()

	require.NoError(t, writer.Publish(ctx, &core.StatusSnapshot{Status: core.RunStatusRunning}))
	require.NoError(t, writer.Clear(ctx))

	rec, err := kv.HGetAll(ctx, runningKey(1))
	require.NoError(t, err)
	assert.Empty(t, rec)
}
