package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the uniform venue adapter consumed by the engine. All calls
// are synchronous from the engine's viewpoint; the adapter owns whatever
// concurrency it needs internally and bounds every blocking call with a
// timeout, surfacing apperrors.ErrTimeout on expiry.
type IExchange interface {
	// ExchangeInfo is stable for the lifetime of the adapter
	ExchangeInfo() ExchangeInfo

	// TradingRules is lazy and cached on first success
	TradingRules(ctx context.Context) (*TradingRules, error)

	// FeeRate returns the taker rate, falling back to a conservative
	// default when the venue exposes nothing
	FeeRate(ctx context.Context) (decimal.Decimal, error)

	// TickerPrice returns a single positive price
	TickerPrice(ctx context.Context) (decimal.Decimal, error)

	// Batch operations return one result per input, preserving order.
	// Partial per-element failure is normal and reported in the element.
	PlaceBatchOrders(ctx context.Context, reqs []OrderRequest) ([]OrderResult, error)
	CancelBatchOrders(ctx context.Context, orderIDs []int64) ([]OrderResult, error)
	EditBatchOrders(ctx context.Context, edits []EditOrderRequest) ([]OrderResult, error)

	// GetOrder returns nil, nil when the venue does not know the id
	GetOrder(ctx context.Context, orderID int64) (*ExchangeOrder, error)

	// OpenOrders returns only active orders for the adapter's bound symbol
	OpenOrders(ctx context.Context) ([]*ExchangeOrder, error)

	AlignPrice(p decimal.Decimal) decimal.Decimal
	AlignQuantity(q decimal.Decimal) decimal.Decimal

	// StatusExtra is merged into the engine status snapshot
	StatusExtra() map[string]string

	// Close is an idempotent teardown
	Close() error
}

// IMarketSwitcher is implemented by adapters whose underlying contract rolls
// over periodically. The callback fires after the adapter has swapped tokens
// and cleared its own caches; the engine must drop its per-contract state.
type IMarketSwitcher interface {
	SetOnMarketSwitch(fn func(oldToken, newToken string))
}

// IStrategy supplies the order decisions for the long (buy-opening) side.
// Implementations are pure over their inputs plus their own config.
type IStrategy interface {
	// ShouldBuyBatch proposes opening orders given the current book of
	// pending orders and positions. Prices and quantities are raw; the
	// engine aligns them before submission.
	ShouldBuyBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*Order, positions []*PositionEntry) []OrderRequest

	// ShouldSell proposes the counter-order for a filled opening order.
	// sellable is the fill quantity already net of internally deducted fees.
	ShouldSell(pos *PositionEntry, sellable decimal.Decimal) *OrderRequest

	// ShouldReprice returns the replacement price for a resting order and
	// whether a reprice is wanted at all
	ShouldReprice(order *Order, price decimal.Decimal) (decimal.Decimal, bool)

	// StatusExtra is merged into the engine status snapshot
	StatusExtra() map[string]string
}

// IShortStrategy is the optional short-side analogue. Grid indices on this
// side are negative; opening orders are sells, closes are buys.
type IShortStrategy interface {
	ShouldShortBatch(price decimal.Decimal, pendingBuys, pendingSells map[int64]*Order, positions []*PositionEntry) []OrderRequest
	ShouldCloseShort(pos *PositionEntry, buyable decimal.Decimal) *OrderRequest
	ShouldRepriceShort(order *Order, price decimal.Decimal) (decimal.Decimal, bool)
}

// IRiskGovernor gates position opens and drives forced closes
type IRiskGovernor interface {
	// CanOpenPosition returns the decision and a human-readable reason
	// when blocked. Atomic with respect to RecordTrade.
	CanOpenPosition(currentPositions int) (bool, string)

	// CheckStopLoss evaluates price and time stops for one position
	CheckStopLoss(pos *PositionEntry, mark decimal.Decimal) (bool, string)

	// RecordTrade feeds a realized pnl into the loss-streak and daily-loss
	// accounting
	RecordTrade(pnl decimal.Decimal)
}

// ITradeSink persists fills. Implementations must be idempotent under
// duplicate submission and must never be load-bearing for the engine loop:
// a failed save is logged and dropped.
type ITradeSink interface {
	Save(ctx context.Context, rec *TradeRecord) (int64, error)
}

// IPositionTracker owns the open positions of one engine
type IPositionTracker interface {
	Add(pos *PositionEntry)
	Remove(openingOrderID int64) *PositionEntry
	Get(openingOrderID int64) *PositionEntry
	List() []*PositionEntry
	Count() int
	Clear()
}

// IStatusSink receives engine status snapshots. The coordinator-backed
// implementation coalesces writes; the standalone one logs.
type IStatusSink interface {
	Publish(ctx context.Context, snap *StatusSnapshot) error
}

// StopProbe reports whether an external stop has been requested. Probed at
// the top of every tick and inside every sleep slice, so implementations
// must be cheap; coordinator-backed probes throttle their reads.
type StopProbe func() bool

// INotifier emits typed user-facing events. Delivery is best effort and
// rate limited per (user, event, strategy).
type INotifier interface {
	Notify(ctx context.Context, event NotifyEvent, title, body string)
}

// NotifyEvent enumerates the user-facing event types
type NotifyEvent string

const (
	NotifyOrderFill       NotifyEvent = "order-fill"
	NotifyOrderFailure    NotifyEvent = "order-failure"
	NotifyStopLoss        NotifyEvent = "stop-loss-triggered"
	NotifyStrategyError   NotifyEvent = "strategy-error"
	NotifyStrategyStarted NotifyEvent = "strategy-started"
	NotifyStrategyStopped NotifyEvent = "strategy-stopped"
)

// ILogger is the leveled structured logger used across the codebase
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})

	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
