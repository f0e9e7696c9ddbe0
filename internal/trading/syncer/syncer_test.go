package syncer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/core"
)

func longPosition(id int64) *core.PositionEntry {
	return &core.PositionEntry{
		OpeningOrderID: id,
		Symbol:         "BTCUSDT",
		Quantity:       decimal.RequireFromString("0.01"),
		EntryPrice:     decimal.NewFromInt(100),
		GridIndex:      1,
		CreatedAt:      time.Now(),
	}
}

func shortPosition(id int64) *core.PositionEntry {
	p := longPosition(id)
	p.GridIndex = -1
	return p
}

func sellCounter(id, opener int64) *core.Order {
	return &core.Order{
		ID:             id,
		Symbol:         "BTCUSDT",
		Side:           core.SideSell,
		Price:          decimal.NewFromInt(101),
		Quantity:       decimal.RequireFromString("0.01"),
		GridIndex:      1,
		State:          core.OrderPlaced,
		RelatedOrderID: opener,
	}
}

func buyCounter(id, opener int64) *core.Order {
	o := sellCounter(id, opener)
	o.Side = core.SideBuy
	o.GridIndex = -1
	return o
}

func openingBuy(id int64) *core.Order {
	return &core.Order{
		ID:        id,
		Symbol:    "BTCUSDT",
		Side:      core.SideBuy,
		Price:     decimal.NewFromInt(99),
		Quantity:  decimal.RequireFromString("0.01"),
		GridIndex: 1,
		State:     core.OrderPlaced,
	}
}

func openSet(ids ...int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestPlan_AllPairedNothingToDo(t *testing.T) {
	s := New(nil)
	positions := []*core.PositionEntry{longPosition(100)}
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}

	plan := s.Plan(positions, map[int64]*core.Order{}, sells, openSet(200))
	assert.True(t, plan.Empty())
}

func TestPlan_UnpairedLongPosition(t *testing.T) {
	s := New(nil)
	positions := []*core.PositionEntry{longPosition(100), longPosition(101)}
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}

	plan := s.Plan(positions, map[int64]*core.Order{}, sells, openSet(200))
	require.Len(t, plan.Unpaired, 1)
	assert.Equal(t, int64(101), plan.Unpaired[0].OpeningOrderID)
	assert.Empty(t, plan.Orphans)
}

func TestPlan_UnpairedShortPosition(t *testing.T) {
	s := New(nil)
	positions := []*core.PositionEntry{shortPosition(100)}
	// the close side for a short is a buy; pendingBuys holds no counter for it
	plan := s.Plan(positions, map[int64]*core.Order{}, map[int64]*core.Order{}, openSet())
	require.Len(t, plan.Unpaired, 1)
	assert.Equal(t, int64(100), plan.Unpaired[0].OpeningOrderID)
}

func TestPlan_ShortPairedByBuyCounter(t *testing.T) {
	s := New(nil)
	positions := []*core.PositionEntry{shortPosition(100)}
	buys := map[int64]*core.Order{300: buyCounter(300, 100)}

	plan := s.Plan(positions, buys, map[int64]*core.Order{}, openSet(300))
	assert.True(t, plan.Empty())
}

func TestPlan_OrphanCounterOrder(t *testing.T) {
	s := New(nil)
	sells := map[int64]*core.Order{
		200: sellCounter(200, 100), // position 100 no longer held
	}

	plan := s.Plan(nil, map[int64]*core.Order{}, sells, openSet(200))
	require.Len(t, plan.Orphans, 1)
	assert.Equal(t, int64(200), plan.Orphans[0].ID)
	assert.Empty(t, plan.Unpaired)
}

func TestPlan_OpeningOrdersAreNeverOrphans(t *testing.T) {
	s := New(nil)
	buys := map[int64]*core.Order{500: openingBuy(500)}

	plan := s.Plan(nil, buys, map[int64]*core.Order{}, openSet(500))
	assert.Empty(t, plan.Orphans)
}

func TestPlan_MissingOnceIsNotEvicted(t *testing.T) {
	s := New(nil)
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}
	positions := []*core.PositionEntry{longPosition(100)}

	plan := s.Plan(positions, map[int64]*core.Order{}, sells, openSet())
	assert.Empty(t, plan.Evict, "one missing observation must not evict")
	// the counter still pairs its position
	assert.Empty(t, plan.Unpaired)
}

func TestPlan_MissingTwiceEvictsAndUnpairs(t *testing.T) {
	s := New(nil)
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}
	positions := []*core.PositionEntry{longPosition(100)}

	_ = s.Plan(positions, map[int64]*core.Order{}, sells, openSet())
	plan := s.Plan(positions, map[int64]*core.Order{}, sells, openSet())

	require.Equal(t, []int64{200}, plan.Evict)
	// the evicted sell no longer counts as a pair, so the position needs repair
	require.Len(t, plan.Unpaired, 1)
	assert.Equal(t, int64(100), plan.Unpaired[0].OpeningOrderID)
	// and it is not also reported as an orphan to cancel
	assert.Empty(t, plan.Orphans)
}

func TestPlan_PresenceResetsMissingCount(t *testing.T) {
	s := New(nil)
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}
	positions := []*core.PositionEntry{longPosition(100)}

	_ = s.Plan(positions, map[int64]*core.Order{}, sells, openSet())    // missing once
	_ = s.Plan(positions, map[int64]*core.Order{}, sells, openSet(200)) // seen again
	plan := s.Plan(positions, map[int64]*core.Order{}, sells, openSet())

	assert.Empty(t, plan.Evict, "presence in between must reset the count")
}

func TestPlan_CountsPrunedWhenOrderLeavesPending(t *testing.T) {
	s := New(nil)
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}
	positions := []*core.PositionEntry{longPosition(100)}

	_ = s.Plan(positions, map[int64]*core.Order{}, sells, openSet())
	assert.Len(t, s.missingCounts, 1)

	// order filled between passes; next plan no longer sees it pending
	plan := s.Plan(nil, map[int64]*core.Order{}, map[int64]*core.Order{}, openSet())
	assert.Empty(t, plan.Evict)
	assert.Empty(t, s.missingCounts)
}

func TestPlan_ThresholdClamp(t *testing.T) {
	s := New(nil)
	s.SetMissingThreshold(0)

	sells := map[int64]*core.Order{200: sellCounter(200, 100)}
	plan := s.Plan(nil, map[int64]*core.Order{}, sells, openSet())
	assert.Equal(t, []int64{200}, plan.Evict)
}

func TestReset_ClearsObservationState(t *testing.T) {
	s := New(nil)
	sells := map[int64]*core.Order{200: sellCounter(200, 100)}

	_ = s.Plan(nil, map[int64]*core.Order{}, sells, openSet())
	s.Reset()
	plan := s.Plan(nil, map[int64]*core.Order{}, sells, openSet())
	assert.Empty(t, plan.Evict, "reset must restart the debounce")
}
