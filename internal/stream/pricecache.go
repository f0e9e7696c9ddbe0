// Package stream holds the caches and sharing machinery behind the
// per-credential venue streams.
package stream

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFreshFor is how old a quote may be and still be served.
const DefaultFreshFor = 5 * time.Second

// Quote is one best-bid/ask observation.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
	At  time.Time
}

// Mid returns the bid/ask midpoint, or the one populated side when the other
// is missing.
func (q Quote) Mid() decimal.Decimal {
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	case q.Bid.IsPositive():
		return q.Bid
	default:
		return q.Ask
	}
}

// PriceCache keeps the last quote per symbol. Reads older than the freshness
// window return no value; the caller falls back to REST.
type PriceCache struct {
	mu       sync.RWMutex
	quotes   map[string]Quote
	freshFor time.Duration
	now      func() time.Time
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		quotes:   make(map[string]Quote),
		freshFor: DefaultFreshFor,
		now:      time.Now,
	}
}

func (c *PriceCache) Update(symbol string, bid, ask decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = Quote{Bid: bid, Ask: ask, At: c.now()}
}

// Get returns the quote for symbol if it is fresh.
func (c *PriceCache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok || c.now().Sub(q.At) > c.freshFor {
		return Quote{}, false
	}
	return q, true
}

// Mid returns the fresh midpoint for symbol, or false when stale or unknown.
func (c *PriceCache) Mid(symbol string) (decimal.Decimal, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return decimal.Zero, false
	}
	mid := q.Mid()
	if !mid.IsPositive() {
		return decimal.Zero, false
	}
	return mid, true
}

func (c *PriceCache) Remove(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotes, symbol)
}

func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[string]Quote)
}

func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
