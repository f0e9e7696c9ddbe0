package stream

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/core"
)

func TestPriceCache_FreshAndStale(t *testing.T) {
	c := NewPriceCache()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Update("BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(102))

	mid, ok := c.Mid("BTCUSDT")
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromInt(101)))

	// 5s old is still fresh
	now = now.Add(5 * time.Second)
	_, ok = c.Mid("BTCUSDT")
	assert.True(t, ok)

	// beyond the window the cache declines to answer
	now = now.Add(time.Second)
	_, ok = c.Mid("BTCUSDT")
	assert.False(t, ok)

	_, ok = c.Mid("ETHUSDT")
	assert.False(t, ok, "unknown symbol has no value")
}

func TestPriceCache_OneSidedQuote(t *testing.T) {
	c := NewPriceCache()
	c.Update("BTCUSDT", decimal.NewFromInt(100), decimal.Zero)

	mid, ok := c.Mid("BTCUSDT")
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromInt(100)))
}

func cachedOrder(id int64, status core.OrderState) *core.ExchangeOrder {
	return &core.ExchangeOrder{
		OrderID:      id,
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		Price:        decimal.NewFromInt(100),
		OrigQuantity: decimal.NewFromInt(1),
		Status:       status,
		UpdatedAt:    time.Now(),
	}
}

func TestOrderCache_PutGetActive(t *testing.T) {
	c := NewOrderCache(10)
	c.Put(cachedOrder(1, core.OrderPlaced))
	c.Put(cachedOrder(2, core.OrderFilled))
	c.Put(cachedOrder(3, core.OrderPartiallyFilled))

	got, ok := c.Get(2)
	require.True(t, ok)
	assert.Equal(t, core.OrderFilled, got.Status)

	active := c.Active()
	require.Len(t, active, 2)
	assert.Equal(t, int64(1), active[0].OrderID)
	assert.Equal(t, int64(3), active[1].OrderID)
}

func TestOrderCache_UpdateDoesNotGrowFifo(t *testing.T) {
	c := NewOrderCache(10)
	c.Put(cachedOrder(1, core.OrderPlaced))
	c.Put(cachedOrder(1, core.OrderFilled))

	assert.Equal(t, 1, c.Len())
	got, _ := c.Get(1)
	assert.Equal(t, core.OrderFilled, got.Status)
}

func TestOrderCache_EvictsHalfOfTerminalFIFO(t *testing.T) {
	c := NewOrderCache(10)
	// 6 terminal then 4 active fills the cache
	for i := int64(1); i <= 6; i++ {
		c.Put(cachedOrder(i, core.OrderFilled))
	}
	for i := int64(7); i <= 10; i++ {
		c.Put(cachedOrder(i, core.OrderPlaced))
	}
	require.Equal(t, 10, c.Len())

	// the 11th entry trips eviction of half the terminals, oldest first
	c.Put(cachedOrder(11, core.OrderPlaced))

	assert.Equal(t, 8, c.Len())
	for _, id := range []int64{1, 2, 3} {
		_, ok := c.Get(id)
		assert.False(t, ok, "terminal order %d should be evicted", id)
	}
	for _, id := range []int64{4, 5, 6, 7, 8, 9, 10, 11} {
		_, ok := c.Get(id)
		assert.True(t, ok, "order %d should survive", id)
	}
}

func TestOrderCache_NeverEvictsActives(t *testing.T) {
	c := NewOrderCache(5)
	for i := int64(1); i <= 6; i++ {
		c.Put(cachedOrder(i, core.OrderPlaced))
	}
	// nothing terminal to evict; cache runs over cap rather than dropping
	assert.Equal(t, 6, c.Len())
	assert.Len(t, c.Active(), 6)
}

func TestOrderCache_Remove(t *testing.T) {
	c := NewOrderCache(10)
	c.Put(cachedOrder(1, core.OrderPlaced))
	c.Remove(1)
	c.Remove(1)

	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.fifo)
}

func TestReconcileGate_NthCall(t *testing.T) {
	g := NewReconcileGate(3, time.Hour)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	g.last = now

	assert.False(t, g.Due())
	assert.False(t, g.Due())
	assert.True(t, g.Due(), "third call reconciles")
	assert.False(t, g.Due(), "counter restarts after firing")
}

func TestReconcileGate_AgeTrigger(t *testing.T) {
	g := NewReconcileGate(1000, 30*time.Second)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	assert.True(t, g.Due(), "first call fires because last reconcile is zero")
	assert.False(t, g.Due())

	now = now.Add(31 * time.Second)
	assert.True(t, g.Due())
}

type fakeHandle struct {
	started  int
	stopped  int
	startErr error
}

func (h *fakeHandle) Start() error { h.started++; return h.startErr }
func (h *fakeHandle) Stop()        { h.stopped++ }

func TestRegistry_SharesSingleton(t *testing.T) {
	r := NewRegistry(nil)
	key := Key{Venue: "binance", APIKey: "abcdef123456", Testnet: false}

	built := 0
	handle := &fakeHandle{}
	build := func() (Handle, error) {
		built++
		return handle, nil
	}

	h1, err := r.Acquire(key, build)
	require.NoError(t, err)
	h2, err := r.Acquire(key, build)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, built, "second acquire must reuse the stream")
	assert.Equal(t, 1, handle.started)
	assert.Equal(t, 2, r.Refs(key))

	r.Release(key)
	assert.Equal(t, 0, handle.stopped, "stream lives while references remain")

	r.Release(key)
	assert.Equal(t, 1, handle.stopped, "last release tears down")
	assert.Equal(t, 0, r.Refs(key))

	// releasing again is a no-op
	r.Release(key)
	assert.Equal(t, 1, handle.stopped)
}

func TestRegistry_DistinctKeysDistinctStreams(t *testing.T) {
	r := NewRegistry(nil)
	built := 0
	build := func() (Handle, error) {
		built++
		return &fakeHandle{}, nil
	}

	_, err := r.Acquire(Key{Venue: "binance", APIKey: "k1"}, build)
	require.NoError(t, err)
	_, err = r.Acquire(Key{Venue: "binance", APIKey: "k1", Testnet: true}, build)
	require.NoError(t, err)
	_, err = r.Acquire(Key{Venue: "prediction", APIKey: "k1"}, build)
	require.NoError(t, err)

	assert.Equal(t, 3, built)
}

func TestRegistry_StartFailureDoesNotRegister(t *testing.T) {
	r := NewRegistry(nil)
	key := Key{Venue: "binance", APIKey: "k1"}

	_, err := r.Acquire(key, func() (Handle, error) {
		return &fakeHandle{startErr: errors.New("dial failed")}, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, r.Refs(key))

	// a later acquire can try again
	_, err = r.Acquire(key, func() (Handle, error) {
		return &fakeHandle{}, nil
	})
	assert.NoError(t, err)
}

func TestKeyString_RedactsAPIKey(t *testing.T) {
	k := Key{Venue: "binance", APIKey: "abcdefuvwxyz-super-secret", Testnet: true}
	s := k.String()
	assert.Equal(t, "binance/abcdef/testnet", s)
	assert.NotContains(t, fmt.Sprint(s), "secret")
}
