package core

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridfleet/pkg/tradingutils"
)

// TradingRules carries the per-symbol precision and size constraints the
// venue enforces. Engines never submit raw values; every price and quantity
// passes through the Align methods first.
type TradingRules struct {
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	TickSize      decimal.Decimal
	PriceDecimals int
	StepSize      decimal.Decimal
	QtyDecimals   int
	MinNotional   decimal.Decimal
}

// AlignPrice floors the price to the tick grid, then rounds to the venue's
// price precision. Idempotent: AlignPrice(AlignPrice(p)) == AlignPrice(p).
func (r *TradingRules) AlignPrice(p decimal.Decimal) decimal.Decimal {
	aligned := tradingutils.FloorToStep(p, r.TickSize)
	return tradingutils.RoundPrice(aligned, r.PriceDecimals)
}

// AlignQuantity floors the quantity to the step grid, then rounds to the
// venue's quantity precision
func (r *TradingRules) AlignQuantity(q decimal.Decimal) decimal.Decimal {
	aligned := tradingutils.FloorToStep(q, r.StepSize)
	return tradingutils.RoundQuantity(aligned, r.QtyDecimals)
}

// ValidateOrder rejects orders the venue would bounce: non-positive legs
// and notional below the minimum.
func (r *TradingRules) ValidateOrder(price, qty decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", price)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", qty)
	}
	if r.MinNotional.IsPositive() {
		if notional := price.Mul(qty); notional.LessThan(r.MinNotional) {
			return fmt.Errorf("notional %s below minimum %s", notional, r.MinNotional)
		}
	}
	return nil
}
