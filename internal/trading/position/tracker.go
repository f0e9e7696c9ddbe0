// Package position tracks the open entries owned by a single engine.
package position

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
)

// Tracker is an in-memory map of open positions keyed by the opening order id.
// One tracker belongs to exactly one engine; the mutex exists because status
// snapshots and the stream callbacks may read while the tick mutates.
type Tracker struct {
	mu      sync.RWMutex
	entries map[int64]*core.PositionEntry
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[int64]*core.PositionEntry),
	}
}

// Add registers an entry. Re-adding the same opening order id overwrites,
// which only happens when a recovery pass rebuilds a position it already knew.
func (t *Tracker) Add(pos *core.PositionEntry) {
	if pos == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pos.OpeningOrderID] = pos
}

// Remove deletes and returns the entry, or nil when absent.
func (t *Tracker) Remove(openingOrderID int64) *core.PositionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.entries[openingOrderID]
	if !ok {
		return nil
	}
	delete(t.entries, openingOrderID)
	return pos
}

func (t *Tracker) Get(openingOrderID int64) *core.PositionEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[openingOrderID]
}

// List returns the entries ordered by opening order id so the sell and
// stop-loss passes walk positions in a stable order.
func (t *Tracker) List() []*core.PositionEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.PositionEntry, 0, len(t.entries))
	for _, pos := range t.entries {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpeningOrderID < out[j].OpeningOrderID
	})
	return out
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clear drops every entry. Used by stop() and by the market-switch handler.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[int64]*core.PositionEntry)
}

// TotalQuantity sums the held quantity across entries, longs and shorts alike.
func (t *Tracker) TotalQuantity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range t.entries {
		total = total.Add(pos.Quantity)
	}
	return total
}

// TotalCost sums quantity times entry price across entries.
func (t *Tracker) TotalCost() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range t.entries {
		total = total.Add(pos.Cost())
	}
	return total
}

var _ core.IPositionTracker = (*Tracker)(nil)
