package position

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridfleet/internal/core"
)

func entry(id int64, price string) *core.PositionEntry {
	return &core.PositionEntry{
		OpeningOrderID: id,
		Symbol:         "BTCUSDT",
		Quantity:       decimal.RequireFromString("0.01"),
		EntryPrice:     decimal.RequireFromString(price),
		GridIndex:      1,
		CreatedAt:      time.Now(),
	}
}

func TestTracker_AddGetRemove(t *testing.T) {
	tr := NewTracker()

	tr.Add(entry(100, "99.5"))
	tr.Add(entry(101, "99.0"))
	assert.Equal(t, 2, tr.Count())

	got := tr.Get(100)
	assert.NotNil(t, got)
	assert.Equal(t, "99.5", got.EntryPrice.String())

	removed := tr.Remove(100)
	assert.NotNil(t, removed)
	assert.Equal(t, int64(100), removed.OpeningOrderID)
	assert.Equal(t, 1, tr.Count())
	assert.Nil(t, tr.Get(100))

	// removing twice is a nil no-op
	assert.Nil(t, tr.Remove(100))
}

func TestTracker_AddOverwritesSameID(t *testing.T) {
	tr := NewTracker()
	tr.Add(entry(100, "99.5"))
	tr.Add(entry(100, "98.0"))

	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, "98", tr.Get(100).EntryPrice.String())
}

func TestTracker_ListOrderedByOpeningID(t *testing.T) {
	tr := NewTracker()
	tr.Add(entry(300, "99"))
	tr.Add(entry(100, "97"))
	tr.Add(entry(200, "98"))

	list := tr.List()
	assert.Len(t, list, 3)
	assert.Equal(t, int64(100), list[0].OpeningOrderID)
	assert.Equal(t, int64(200), list[1].OpeningOrderID)
	assert.Equal(t, int64(300), list[2].OpeningOrderID)
}

func TestTracker_Totals(t *testing.T) {
	tr := NewTracker()
	tr.Add(entry(1, "100"))
	tr.Add(entry(2, "200"))

	assert.True(t, tr.TotalQuantity().Equal(decimal.RequireFromString("0.02")))
	// 0.01*100 + 0.01*200 = 3
	assert.True(t, tr.TotalCost().Equal(decimal.NewFromInt(3)))
}

func TestTracker_Clear(t *testing.T) {
	tr := NewTracker()
	tr.Add(entry(1, "100"))
	tr.Add(entry(2, "101"))
	tr.Clear()

	assert.Equal(t, 0, tr.Count())
	assert.Empty(t, tr.List())
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 50; j++ {
				id := base*1000 + j
				tr.Add(entry(id, "100"))
				tr.Get(id)
				tr.List()
				tr.Remove(id)
			}
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Count())
}
