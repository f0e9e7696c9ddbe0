// Package strategy holds the reference grid order logic: a ladder of
// resting opens below (or above, for the short side) the mark price, each
// fill answered with a mirrored counter-order off the entry price.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/pkg/tradingutils"
)

// Config is the shared parameter set for every grid variant. Offsets and
// the reprice threshold are in percent.
type Config struct {
	Symbol            string
	Levels            int
	Quantity          decimal.Decimal
	OffsetPercent     decimal.Decimal
	SellOffsetPercent decimal.Decimal
	RepriceThreshold  decimal.Decimal
}

func (c Config) validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("strategy symbol is required")
	}
	if c.Levels <= 0 {
		return fmt.Errorf("grid levels must be positive, got %d", c.Levels)
	}
	if !c.Quantity.IsPositive() {
		return fmt.Errorf("grid quantity must be positive, got %s", c.Quantity)
	}
	if !c.OffsetPercent.IsPositive() {
		return fmt.Errorf("grid offset percent must be positive, got %s", c.OffsetPercent)
	}
	if !c.SellOffsetPercent.IsPositive() {
		return fmt.Errorf("grid sell offset percent must be positive, got %s", c.SellOffsetPercent)
	}
	return nil
}

// levelPrice is the target price for one grid level at the given mark.
// Positive levels ladder down from the mark, negative levels ladder up.
func (c Config) levelPrice(mark decimal.Decimal, level int) decimal.Decimal {
	if level > 0 {
		depth := c.OffsetPercent.Mul(decimal.NewFromInt(int64(level)))
		return tradingutils.PercentBelow(mark, depth)
	}
	depth := c.OffsetPercent.Mul(decimal.NewFromInt(int64(-level)))
	return tradingutils.PercentAbove(mark, depth)
}

// counterPrice is the profit target for a filled entry at the given level.
func (c Config) counterPrice(entry decimal.Decimal, level int) decimal.Decimal {
	if level > 0 {
		return tradingutils.PercentAbove(entry, c.SellOffsetPercent)
	}
	return tradingutils.PercentBelow(entry, c.SellOffsetPercent)
}

// drifted reports whether target is further than the reprice threshold from
// the resting price.
func (c Config) drifted(resting, target decimal.Decimal) bool {
	if !resting.IsPositive() || c.RepriceThreshold.IsZero() {
		return false
	}
	return tradingutils.PercentDiff(target, resting).GreaterThan(c.RepriceThreshold)
}

// New builds the variant named by mode: long, short or bilateral. The
// returned value always satisfies core.IStrategy; short-capable variants
// additionally satisfy core.IShortStrategy.
func New(mode string, cfg Config, logger core.ILogger) (core.IStrategy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	switch mode {
	case "", "long":
		return NewLongGrid(cfg, logger), nil
	case "short":
		return NewShortGrid(cfg, logger), nil
	case "bilateral":
		return NewBilateralGrid(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown grid mode %q", mode)
}
