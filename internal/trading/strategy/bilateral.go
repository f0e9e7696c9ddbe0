package strategy

import (
	"strconv"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
)

// BilateralGrid runs the long and short ladders together around the mark.
type BilateralGrid struct {
	cfg   Config
	long  *LongGrid
	short *ShortGrid
}

var (
	_ core.IStrategy      = (*BilateralGrid)(nil)
	_ core.IShortStrategy = (*BilateralGrid)(nil)
)

func NewBilateralGrid(cfg Config, logger core.ILogger) *BilateralGrid {
	return &BilateralGrid{
		cfg:   cfg,
		long:  NewLongGrid(cfg, logger),
		short: NewShortGrid(cfg, logger),
	}
}

func (g *BilateralGrid) ShouldBuyBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*core.Order, positions []*core.PositionEntry) []core.OrderRequest {
	return g.long.ShouldBuyBatch(price, pendingBuys, pendingSells, positions)
}

func (g *BilateralGrid) ShouldSell(pos *core.PositionEntry, sellable decimal.Decimal) *core.OrderRequest {
	return g.long.ShouldSell(pos, sellable)
}

func (g *BilateralGrid) ShouldReprice(order *core.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	return g.long.ShouldReprice(order, price)
}

func (g *BilateralGrid) ShouldShortBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*core.Order, positions []*core.PositionEntry) []core.OrderRequest {
	return g.short.ShouldShortBatch(price, pendingBuys, pendingSells, positions)
}

func (g *BilateralGrid) ShouldCloseShort(pos *core.PositionEntry, buyable decimal.Decimal) *core.OrderRequest {
	return g.short.ShouldCloseShort(pos, buyable)
}

func (g *BilateralGrid) ShouldRepriceShort(order *core.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	return g.short.ShouldRepriceShort(order, price)
}

func (g *BilateralGrid) StatusExtra() map[string]string {
	return map[string]string{
		"strategy":       "grid-bilateral",
		"levels":         strconv.Itoa(g.cfg.Levels),
		"offset_percent": g.cfg.OffsetPercent.String(),
	}
}
