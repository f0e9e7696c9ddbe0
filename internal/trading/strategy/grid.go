package strategy

import (
	"strconv"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
)

// LongGrid keeps up to Levels buy orders laddered below the mark price and
// answers each fill with a sell at the configured profit offset.
type LongGrid struct {
	cfg    Config
	logger core.ILogger
}

var _ core.IStrategy = (*LongGrid)(nil)

func NewLongGrid(cfg Config, logger core.ILogger) *LongGrid {
	return &LongGrid{
		cfg:    cfg,
		logger: logger.WithField("strategy", "grid-long"),
	}
}

// ShouldBuyBatch proposes buys for every unoccupied positive level. A level
// is occupied while a pending order or a live position claims its index,
// which keeps the open count bounded by Levels.
func (g *LongGrid) ShouldBuyBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*core.Order, positions []*core.PositionEntry) []core.OrderRequest {
	if !price.IsPositive() {
		return nil
	}

	occupied := make(map[int]bool, g.cfg.Levels)
	for _, ord := range pendingBuys {
		if ord.GridIndex > 0 {
			occupied[ord.GridIndex] = true
		}
	}
	for _, ord := range pendingSells {
		if ord.GridIndex > 0 {
			occupied[ord.GridIndex] = true
		}
	}
	for _, pos := range positions {
		if pos.GridIndex > 0 {
			occupied[pos.GridIndex] = true
		}
	}

	var reqs []core.OrderRequest
	for level := 1; level <= g.cfg.Levels; level++ {
		if occupied[level] {
			continue
		}
		target := g.cfg.levelPrice(price, level)
		if !target.IsPositive() {
			continue
		}
		reqs = append(reqs, core.OrderRequest{
			ClientOrderID: core.NewClientOrderID("g", level),
			Symbol:        g.cfg.Symbol,
			Side:          core.SideBuy,
			Price:         target,
			Quantity:      g.cfg.Quantity,
			GridIndex:     level,
		})
	}
	return reqs
}

// ShouldSell pairs a filled entry with its profit-taking counter-order.
func (g *LongGrid) ShouldSell(pos *core.PositionEntry, sellable decimal.Decimal) *core.OrderRequest {
	if pos == nil || pos.GridIndex <= 0 || !sellable.IsPositive() {
		return nil
	}
	return &core.OrderRequest{
		ClientOrderID:  core.NewClientOrderID("gc", pos.GridIndex),
		Symbol:         g.cfg.Symbol,
		Side:           core.SideSell,
		Price:          g.cfg.counterPrice(pos.EntryPrice, pos.GridIndex),
		Quantity:       sellable,
		GridIndex:      pos.GridIndex,
		RelatedOrderID: pos.OpeningOrderID,
		ReduceOnly:     true,
	}
}

// ShouldReprice tracks opening buys toward the mark. Counter-orders are
// anchored to their entry price and never move.
func (g *LongGrid) ShouldReprice(order *core.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	if order == nil || order.GridIndex <= 0 || order.Side != core.SideBuy || !price.IsPositive() {
		return decimal.Zero, false
	}

	target := g.cfg.levelPrice(price, order.GridIndex)
	if !g.cfg.drifted(order.Price, target) {
		return decimal.Zero, false
	}
	return target, true
}

func (g *LongGrid) StatusExtra() map[string]string {
	return map[string]string{
		"strategy":       "grid-long",
		"levels":         strconv.Itoa(g.cfg.Levels),
		"offset_percent": g.cfg.OffsetPercent.String(),
	}
}
