package strategy

import (
	"strconv"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
)

// ShortGrid is the mirror of LongGrid: sells laddered above the mark open
// short positions (negative grid indices), buys close them below entry.
// It satisfies core.IStrategy with an inert long side so short-only
// configurations slot into the same engine.
type ShortGrid struct {
	cfg    Config
	logger core.ILogger
}

var (
	_ core.IStrategy      = (*ShortGrid)(nil)
	_ core.IShortStrategy = (*ShortGrid)(nil)
)

func NewShortGrid(cfg Config, logger core.ILogger) *ShortGrid {
	return &ShortGrid{
		cfg:    cfg,
		logger: logger.WithField("strategy", "grid-short"),
	}
}

func (g *ShortGrid) ShouldBuyBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*core.Order, positions []*core.PositionEntry) []core.OrderRequest {
	return nil
}

func (g *ShortGrid) ShouldSell(pos *core.PositionEntry, sellable decimal.Decimal) *core.OrderRequest {
	return nil
}

func (g *ShortGrid) ShouldReprice(order *core.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

// ShouldShortBatch proposes sells for every unoccupied negative level.
func (g *ShortGrid) ShouldShortBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*core.Order, positions []*core.PositionEntry) []core.OrderRequest {
	if !price.IsPositive() {
		return nil
	}

	occupied := make(map[int]bool, g.cfg.Levels)
	for _, ord := range pendingSells {
		if ord.GridIndex < 0 {
			occupied[-ord.GridIndex] = true
		}
	}
	for _, ord := range pendingBuys {
		if ord.GridIndex < 0 {
			occupied[-ord.GridIndex] = true
		}
	}
	for _, pos := range positions {
		if pos.GridIndex < 0 {
			occupied[-pos.GridIndex] = true
		}
	}

	var reqs []core.OrderRequest
	for level := 1; level <= g.cfg.Levels; level++ {
		if occupied[level] {
			continue
		}
		target := g.cfg.levelPrice(price, -level)
		if !target.IsPositive() {
			continue
		}
		reqs = append(reqs, core.OrderRequest{
			ClientOrderID: core.NewClientOrderID("s", -level),
			Symbol:        g.cfg.Symbol,
			Side:          core.SideSell,
			Price:         target,
			Quantity:      g.cfg.Quantity,
			GridIndex:     -level,
		})
	}
	return reqs
}

// ShouldCloseShort pairs a filled short entry with its buy-back below entry.
func (g *ShortGrid) ShouldCloseShort(pos *core.PositionEntry, buyable decimal.Decimal) *core.OrderRequest {
	if pos == nil || pos.GridIndex >= 0 || !buyable.IsPositive() {
		return nil
	}
	return &core.OrderRequest{
		ClientOrderID:  core.NewClientOrderID("sc", pos.GridIndex),
		Symbol:         g.cfg.Symbol,
		Side:           core.SideBuy,
		Price:          g.cfg.counterPrice(pos.EntryPrice, pos.GridIndex),
		Quantity:       buyable,
		GridIndex:      pos.GridIndex,
		RelatedOrderID: pos.OpeningOrderID,
		ReduceOnly:     true,
	}
}

// ShouldRepriceShort tracks opening sells toward the mark.
func (g *ShortGrid) ShouldRepriceShort(order *core.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	if order == nil || order.GridIndex >= 0 || order.Side != core.SideSell || !price.IsPositive() {
		return decimal.Zero, false
	}

	target := g.cfg.levelPrice(price, order.GridIndex)
	if !g.cfg.drifted(order.Price, target) {
		return decimal.Zero, false
	}
	return target, true
}

func (g *ShortGrid) StatusExtra() map[string]string {
	return map[string]string{
		"strategy":       "grid-short",
		"levels":         strconv.Itoa(g.cfg.Levels),
		"offset_percent": g.cfg.OffsetPercent.String(),
	}
}
