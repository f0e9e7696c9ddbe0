package stream

import (
	"sync"

	"gridfleet/internal/core"
)

// DefaultOrderCacheCap bounds the per-stream order cache.
const DefaultOrderCacheCap = 1000

// OrderCache keeps the venue-side view of orders received over the user
// stream. When the cap is exceeded, half of the terminal entries are evicted
// in insertion order; active orders are never evicted.
type OrderCache struct {
	mu     sync.RWMutex
	orders map[int64]*core.ExchangeOrder
	fifo   []int64
	cap    int
}

func NewOrderCache(capacity int) *OrderCache {
	if capacity <= 0 {
		capacity = DefaultOrderCacheCap
	}
	return &OrderCache{
		orders: make(map[int64]*core.ExchangeOrder),
		cap:    capacity,
	}
}

// Merge stores an update, carrying forward identity fields the new message
// omits. Stream pushes are often partial and must not wipe REST-seeded data.
func (c *OrderCache) Merge(order *core.ExchangeOrder) {
	if order == nil {
		return
	}
	if prev, ok := c.Get(order.OrderID); ok {
		if order.OrigQuantity.IsZero() {
			order.OrigQuantity = prev.OrigQuantity
		}
		if order.Price.IsZero() {
			order.Price = prev.Price
		}
		if order.ClientOrderID == "" {
			order.ClientOrderID = prev.ClientOrderID
		}
		if order.FeeAmount.IsZero() && !prev.FeeAmount.IsZero() {
			order.FeeAmount = prev.FeeAmount
			order.FeeAsset = prev.FeeAsset
		}
	}
	c.Put(order)
}

// Put inserts or updates an order. Updates keep the original insertion slot.
func (c *OrderCache) Put(order *core.ExchangeOrder) {
	if order == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.orders[order.OrderID]; !exists {
		c.fifo = append(c.fifo, order.OrderID)
	}
	c.orders[order.OrderID] = order

	if len(c.orders) > c.cap {
		c.evictLocked()
	}
}

// evictLocked drops the oldest half of the terminal entries.
func (c *OrderCache) evictLocked() {
	terminal := 0
	for _, id := range c.fifo {
		if o, ok := c.orders[id]; ok && o.Status.IsTerminal() {
			terminal++
		}
	}
	toEvict := (terminal + 1) / 2
	if toEvict == 0 {
		return
	}

	kept := c.fifo[:0]
	for _, id := range c.fifo {
		o, ok := c.orders[id]
		if !ok {
			continue
		}
		if toEvict > 0 && o.Status.IsTerminal() {
			delete(c.orders, id)
			toEvict--
			continue
		}
		kept = append(kept, id)
	}
	c.fifo = kept
}

func (c *OrderCache) Get(id int64) (*core.ExchangeOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	return o, ok
}

// Active returns the cached orders still working on the venue.
func (c *OrderCache) Active() []*core.ExchangeOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*core.ExchangeOrder, 0, len(c.orders))
	for _, id := range c.fifo {
		if o, ok := c.orders[id]; ok && o.Status.IsActive() {
			out = append(out, o)
		}
	}
	return out
}

func (c *OrderCache) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[id]; !ok {
		return
	}
	delete(c.orders, id)
	for i, fid := range c.fifo {
		if fid == id {
			c.fifo = append(c.fifo[:i], c.fifo[i+1:]...)
			break
		}
	}
}

func (c *OrderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = make(map[int64]*core.ExchangeOrder)
	c.fifo = nil
}

func (c *OrderCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}
