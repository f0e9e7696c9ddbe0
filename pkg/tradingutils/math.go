package tradingutils

import (
	"github.com/shopspring/decimal"
)

// FloorToStep floors a value to an exact multiple of step. A zero or
// negative step returns the value unchanged.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// PercentBelow returns price reduced by pct percent
func PercentBelow(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(100).Sub(pct)).Div(decimal.NewFromInt(100))
}

// PercentAbove returns price raised by pct percent
func PercentAbove(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(100).Add(pct)).Div(decimal.NewFromInt(100))
}

// PercentDiff returns the absolute difference between a and b as a percent
// of b. Zero b yields zero.
func PercentDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(b).Mul(decimal.NewFromInt(100))
}

// CalculateNetProfit computes profit after trading fees
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

// NetOfFee shrinks a fill quantity by the internally deducted fee rate
func NetOfFee(qty, feeRate decimal.Decimal) decimal.Decimal {
	return qty.Mul(decimal.NewFromInt(1).Sub(feeRate))
}

// Clamp bounds value into [lo, hi]
func Clamp(value, lo, hi decimal.Decimal) decimal.Decimal {
	if value.LessThan(lo) {
		return lo
	}
	if value.GreaterThan(hi) {
		return hi
	}
	return value
}
