// Package syncer reconciles the engine's position tracker against its
// pending-order maps and the venue's reported open orders.
package syncer

import (
	"sort"

	"gridfleet/internal/core"
)

// DefaultMissingThreshold is how many consecutive repair passes an order may
// be absent from the venue's open-order list before it is evicted.
const DefaultMissingThreshold = 2

// RepairPlan is the outcome of one repair pass. The engine applies it:
// evictions purge pending-map entries, orphans get cancelled on the venue,
// unpaired positions get a fresh counter-order from the strategy.
type RepairPlan struct {
	Unpaired []*core.PositionEntry
	Orphans  []*core.Order
	Evict    []int64
}

func (p *RepairPlan) Empty() bool {
	return len(p.Unpaired) == 0 && len(p.Orphans) == 0 && len(p.Evict) == 0
}

// Syncer holds the missing-observation counts between repair passes. It never
// talks to the venue itself; the engine feeds it state and applies the plan.
type Syncer struct {
	missingThreshold int
	missingCounts    map[int64]int
	logger           core.ILogger
}

func New(logger core.ILogger) *Syncer {
	return &Syncer{
		missingThreshold: DefaultMissingThreshold,
		missingCounts:    make(map[int64]int),
		logger:           logger,
	}
}

// SetMissingThreshold overrides the eviction debounce. Values below 1 are
// clamped to 1.
func (s *Syncer) SetMissingThreshold(n int) {
	if n < 1 {
		n = 1
	}
	s.missingThreshold = n
}

// Plan computes one repair pass. openIDs is the venue's view of open order
// ids; pendingBuys/pendingSells are the engine's maps; positions is the
// tracker's current list. Orders absent from openIDs accumulate a missing
// count and are evicted once the count reaches the threshold, so a single
// stale read never purges a live order. Orders evicted in this pass are
// treated as gone when pairing positions against counter-orders.
func (s *Syncer) Plan(positions []*core.PositionEntry, pendingBuys, pendingSells map[int64]*core.Order, openIDs map[int64]struct{}) *RepairPlan {
	plan := &RepairPlan{}

	evicted := make(map[int64]struct{})
	observe := func(pending map[int64]*core.Order) {
		for id := range pending {
			if _, open := openIDs[id]; open {
				delete(s.missingCounts, id)
				continue
			}
			s.missingCounts[id]++
			if s.missingCounts[id] >= s.missingThreshold {
				delete(s.missingCounts, id)
				evicted[id] = struct{}{}
				plan.Evict = append(plan.Evict, id)
			}
		}
	}
	observe(pendingBuys)
	observe(pendingSells)
	s.prune(pendingBuys, pendingSells)

	// Index live counter-orders by the position they close.
	counters := make(map[int64]struct{})
	collect := func(pending map[int64]*core.Order) {
		for id, order := range pending {
			if _, gone := evicted[id]; gone {
				continue
			}
			if order.IsOpening() || order.RelatedOrderID == 0 {
				continue
			}
			counters[order.RelatedOrderID] = struct{}{}
		}
	}
	collect(pendingBuys)
	collect(pendingSells)

	held := make(map[int64]struct{}, len(positions))
	for _, pos := range positions {
		held[pos.OpeningOrderID] = struct{}{}
		if _, paired := counters[pos.OpeningOrderID]; !paired {
			plan.Unpaired = append(plan.Unpaired, pos)
		}
	}

	orphan := func(pending map[int64]*core.Order) {
		for id, order := range pending {
			if _, gone := evicted[id]; gone {
				continue
			}
			if order.IsOpening() || order.RelatedOrderID == 0 {
				continue
			}
			if _, ok := held[order.RelatedOrderID]; !ok {
				plan.Orphans = append(plan.Orphans, order)
			}
		}
	}
	orphan(pendingBuys)
	orphan(pendingSells)

	sort.Slice(plan.Orphans, func(i, j int) bool { return plan.Orphans[i].ID < plan.Orphans[j].ID })
	sort.Slice(plan.Evict, func(i, j int) bool { return plan.Evict[i] < plan.Evict[j] })

	if !plan.Empty() && s.logger != nil {
		s.logger.Info("Repair plan computed",
			"unpaired", len(plan.Unpaired),
			"orphans", len(plan.Orphans),
			"evictions", len(plan.Evict))
	}
	return plan
}

// prune drops missing counts for ids that left the pending maps through the
// normal fill/cancel paths between repair passes.
func (s *Syncer) prune(pendingBuys, pendingSells map[int64]*core.Order) {
	for id := range s.missingCounts {
		_, inBuys := pendingBuys[id]
		_, inSells := pendingSells[id]
		if !inBuys && !inSells {
			delete(s.missingCounts, id)
		}
	}
}

// Reset clears the missing-observation state. Called on market switch and on
// engine stop.
func (s *Syncer) Reset() {
	s.missingCounts = make(map[int64]int)
}
