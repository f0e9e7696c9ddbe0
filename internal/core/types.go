package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the matching counter side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// MarketType identifies the venue family an adapter trades on
type MarketType string

const (
	MarketSpot       MarketType = "spot"
	MarketFutures    MarketType = "futures"
	MarketPrediction MarketType = "prediction"
)

// OrderState is the lifecycle state of an order
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderPlaced          OrderState = "placed"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderFailed          OrderState = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// IsActive reports whether the order is resting on the venue
func (s OrderState) IsActive() bool {
	return s == OrderPlaced || s == OrderPartiallyFilled
}

// FeeAccounting describes where the venue debited the fee for a fill
type FeeAccounting int

const (
	// FeeInternalQuote: fee taken from the quote (or base) amount of the
	// fill itself. Counter-order sizing must shrink by the fee.
	FeeInternalQuote FeeAccounting = iota
	// FeeExternalToken: fee debited in a separate token (venue native
	// token, rebate token). The full fill quantity remains sellable.
	FeeExternalToken
)

// RunStatus is the coordinator-visible state of a running strategy
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusStopping RunStatus = "stopping"
	RunStatusError    RunStatus = "error"
)

// Order is the engine-local order record. Identity fields are set once at
// creation; mutable fields change only through TryTransition and the
// fill bookkeeping guarded by the engine mutex.
type Order struct {
	ID             int64
	ClientOrderID  string
	Symbol         string
	Side           Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	GridIndex      int
	RelatedOrderID int64

	State          OrderState
	FilledQuantity decimal.Decimal
	FilledPrice    decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsOpening reports whether the order establishes a position rather than
// flattening one. Positive grid indices are long levels, negative short.
func (o *Order) IsOpening() bool {
	if o.GridIndex > 0 {
		return o.Side == SideBuy
	}
	if o.GridIndex < 0 {
		return o.Side == SideSell
	}
	return false
}

// PositionEntry is one open position keyed by its opening order
type PositionEntry struct {
	OpeningOrderID int64
	Symbol         string
	Quantity       decimal.Decimal
	EntryPrice     decimal.Decimal
	GridIndex      int
	CreatedAt      time.Time
}

// Cost returns quantity times entry price
func (p *PositionEntry) Cost() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// IsShort reports whether the position was opened on the short side
func (p *PositionEntry) IsShort() bool {
	return p.GridIndex < 0
}

// UnrealizedPnl values the position at the mark price. The sign inverts on
// the short side.
func (p *PositionEntry) UnrealizedPnl(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.IsShort() {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// TradeRecord is one append-only row bound for the trade sink. FillCursor
// carries the cumulative filled quantity at record time and deduplicates
// retried submissions.
type TradeRecord struct {
	StrategyID     int64
	OrderID        int64
	ClientOrderID  string
	Symbol         string
	Side           Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Pnl            *decimal.Decimal
	GridIndex      int
	RelatedOrderID int64
	RawOrderInfo   string
	FillCursor     string
	CreatedAt      time.Time
}

// OrderRequest is the adapter-bound intent to place one order
type OrderRequest struct {
	ClientOrderID  string
	Symbol         string
	Side           Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	GridIndex      int
	RelatedOrderID int64
	ReduceOnly     bool
}

// EditOrderRequest reprices one resting order
type EditOrderRequest struct {
	OrderID  int64
	NewPrice decimal.Decimal
}

// OrderResult is the per-element outcome of a batch operation, preserving
// input order. NewOrderID is set when the venue satisfied an edit by
// cancel+replace under a fresh id.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	NewOrderID    int64
	State         OrderState
	Err           error
	// SilenceNotify suppresses the order-failure notification, for
	// rejections the venue makes routinely (duplicate client ids, closing
	// markets).
	SilenceNotify bool
}

// ExchangeOrder is the venue-side view of an order
type ExchangeOrder struct {
	OrderID           int64
	ClientOrderID     string
	Symbol            string
	Side              Side
	Price             decimal.Decimal
	OrigQuantity      decimal.Decimal
	CumFilledQuantity decimal.Decimal
	AvgFillPrice      decimal.Decimal
	Status            OrderState
	FeeAsset          string
	FeeAmount         decimal.Decimal
	FeePaidExternally bool
	UpdatedAt         time.Time
}

// FeeMode maps the fee fields onto a FeeAccounting variant. quoteAsset and
// baseAsset are the symbol legs the venue settles fills in.
func (e *ExchangeOrder) FeeMode(baseAsset, quoteAsset string) FeeAccounting {
	if e.FeePaidExternally {
		return FeeExternalToken
	}
	if e.FeeAsset != "" && e.FeeAsset != baseAsset && e.FeeAsset != quoteAsset {
		return FeeExternalToken
	}
	return FeeInternalQuote
}

// ExchangeInfo identifies an adapter for its whole lifetime
type ExchangeInfo struct {
	ID   string
	Name string
	Type MarketType
}

// StatusSnapshot is one engine status publication. The coordinator renders
// numeric fields as base-10 strings and timestamps as unix seconds.
type StatusSnapshot struct {
	StrategyID    int64
	TaskID        string
	WorkerIP      string
	WorkerHost    string
	Status        RunStatus
	StartedAt     time.Time
	UpdatedAt     time.Time
	CurrentPrice  decimal.Decimal
	PendingBuys   int
	PendingSells  int
	PositionCount int
	LastError     string
	Extra         map[string]string
}
