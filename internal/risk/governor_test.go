package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/core"
	"gridfleet/internal/logging"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGovernor(cfg GovernorConfig) (*Governor, *fakeClock) {
	g := NewGovernor(cfg, "BTCUSDT", logging.GetGlobalLogger())
	clk := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	g.SetClock(clk)
	return g, clk
}

func TestGovernor_PositionCap(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{MaxPositions: 2})

	ok, _ := g.CanOpenPosition(0)
	assert.True(t, ok)
	ok, _ = g.CanOpenPosition(1)
	assert.True(t, ok)

	ok, reason := g.CanOpenPosition(2)
	assert.False(t, ok)
	assert.Contains(t, reason, "position cap")
}

func TestGovernor_LossStreakCooldown(t *testing.T) {
	g, clk := newTestGovernor(GovernorConfig{
		MaxLossCount: 3,
		LossWindow:   300 * time.Second,
		Cooldown:     60 * time.Second,
	})

	// Three losing trades inside 200s
	g.RecordTrade(decimal.NewFromInt(-1))
	clk.Advance(100 * time.Second)
	g.RecordTrade(decimal.NewFromInt(-1))
	clk.Advance(100 * time.Second)
	g.RecordTrade(decimal.NewFromInt(-1))

	ok, reason := g.CanOpenPosition(0)
	require.False(t, ok)
	assert.Contains(t, reason, "cooldown")

	// Still blocked just before the cooldown ends
	clk.Advance(59 * time.Second)
	ok, _ = g.CanOpenPosition(0)
	assert.False(t, ok)

	// After the cooldown the streak clears and opens resume
	clk.Advance(2 * time.Second)
	ok, reason = g.CanOpenPosition(0)
	assert.True(t, ok, "reason: %s", reason)

	// The cleared streak needs three fresh losses to trip again
	g.RecordTrade(decimal.NewFromInt(-1))
	ok, _ = g.CanOpenPosition(0)
	assert.True(t, ok)
}

func TestGovernor_LossesOutsideWindowDoNotTrip(t *testing.T) {
	g, clk := newTestGovernor(GovernorConfig{
		MaxLossCount: 3,
		LossWindow:   300 * time.Second,
		Cooldown:     time.Hour,
	})

	g.RecordTrade(decimal.NewFromInt(-1))
	clk.Advance(301 * time.Second)
	g.RecordTrade(decimal.NewFromInt(-1))
	clk.Advance(301 * time.Second)
	g.RecordTrade(decimal.NewFromInt(-1))

	ok, _ := g.CanOpenPosition(0)
	assert.True(t, ok)
}

func TestGovernor_WinsDoNotCountAsLosses(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{
		MaxLossCount: 2,
		LossWindow:   300 * time.Second,
		Cooldown:     time.Hour,
	})

	g.RecordTrade(decimal.NewFromInt(-1))
	g.RecordTrade(decimal.NewFromInt(5))
	g.RecordTrade(decimal.NewFromInt(0))

	ok, _ := g.CanOpenPosition(0)
	assert.True(t, ok)
}

func TestGovernor_DailyLossCeiling(t *testing.T) {
	g, clk := newTestGovernor(GovernorConfig{
		MaxDailyLoss: decimal.NewFromInt(10),
	})

	g.RecordTrade(decimal.NewFromInt(-6))
	ok, _ := g.CanOpenPosition(0)
	assert.True(t, ok)

	g.RecordTrade(decimal.NewFromInt(-5))
	ok, reason := g.CanOpenPosition(0)
	require.False(t, ok)
	assert.Contains(t, reason, "daily loss")

	// Ceiling resets when the calendar date changes
	clk.Advance(24 * time.Hour)
	ok, _ = g.CanOpenPosition(0)
	assert.True(t, ok)
}

func TestGovernor_PriceStopLoss(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{
		StopLossPercent: decimal.NewFromInt(2),
	})

	long := &core.PositionEntry{
		OpeningOrderID: 1,
		EntryPrice:     decimal.RequireFromString("99.5"),
		Quantity:       decimal.RequireFromString("0.01"),
		GridIndex:      1,
	}

	// ~2.01% below entry triggers
	hit, reason := g.CheckStopLoss(long, decimal.RequireFromString("97.5"))
	assert.True(t, hit)
	assert.Contains(t, reason, "price stop")

	// 1% below entry does not
	hit, _ = g.CheckStopLoss(long, decimal.RequireFromString("98.5"))
	assert.False(t, hit)

	// Profitable moves never trigger the price stop
	hit, _ = g.CheckStopLoss(long, decimal.RequireFromString("105"))
	assert.False(t, hit)

	short := &core.PositionEntry{
		OpeningOrderID: 2,
		EntryPrice:     decimal.NewFromInt(100),
		Quantity:       decimal.RequireFromString("0.01"),
		GridIndex:      -1,
	}
	hit, _ = g.CheckStopLoss(short, decimal.NewFromInt(103))
	assert.True(t, hit)
	hit, _ = g.CheckStopLoss(short, decimal.NewFromInt(98))
	assert.False(t, hit)
}

func TestGovernor_TimeStopLoss(t *testing.T) {
	g, clk := newTestGovernor(GovernorConfig{
		StopLossDelay: time.Hour,
	})

	pos := &core.PositionEntry{
		OpeningOrderID: 1,
		EntryPrice:     decimal.NewFromInt(100),
		Quantity:       decimal.NewFromInt(1),
		GridIndex:      1,
		CreatedAt:      clk.Now(),
	}

	hit, _ := g.CheckStopLoss(pos, decimal.NewFromInt(100))
	assert.False(t, hit)

	clk.Advance(61 * time.Minute)
	hit, reason := g.CheckStopLoss(pos, decimal.NewFromInt(100))
	assert.True(t, hit)
	assert.Contains(t, reason, "time stop")
}

func TestGovernor_DisabledChecksAllowEverything(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{})

	ok, _ := g.CanOpenPosition(10000)
	assert.True(t, ok)

	pos := &core.PositionEntry{EntryPrice: decimal.NewFromInt(100), GridIndex: 1}
	hit, _ := g.CheckStopLoss(pos, decimal.NewFromInt(1))
	assert.False(t, hit)
}
