// Package mock provides an in-memory venue for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	apperrors "gridfleet/pkg/errors"
)

// Exchange implements core.IExchange against in-memory state. Tests script
// it through SetPrice, FailNextPlace and SimulateFill.
type Exchange struct {
	info   core.ExchangeInfo
	symbol string
	logger core.ILogger

	mu             sync.RWMutex
	price          decimal.Decimal
	feeRate        decimal.Decimal
	rules          *core.TradingRules
	orders         map[int64]*core.ExchangeOrder
	clientOrderMap map[string]int64
	nextID         int64

	failNextPlace error
	placeCalls    int
	cancelCalls   int

	onSwitch func(oldToken, newToken string)
}

var (
	_ core.IExchange       = (*Exchange)(nil)
	_ core.IMarketSwitcher = (*Exchange)(nil)
)

func New(symbol string, logger core.ILogger) *Exchange {
	return &Exchange{
		info:    core.ExchangeInfo{ID: "mock", Name: "Mock", Type: core.MarketSpot},
		symbol:  symbol,
		logger:  logger,
		price:   decimal.NewFromInt(100),
		feeRate: decimal.RequireFromString("0.001"),
		rules: &core.TradingRules{
			Symbol:        symbol,
			BaseAsset:     "BTC",
			QuoteAsset:    "USDT",
			TickSize:      decimal.RequireFromString("0.01"),
			PriceDecimals: 2,
			StepSize:      decimal.RequireFromString("0.00001"),
			QtyDecimals:   5,
			MinNotional:   decimal.NewFromInt(1),
		},
		orders:         make(map[int64]*core.ExchangeOrder),
		clientOrderMap: make(map[string]int64),
		nextID:         1000,
	}
}

// SetPrice scripts the ticker. A zero price makes TickerPrice fail, which
// is how tests exercise the skip-tick path.
func (m *Exchange) SetPrice(p decimal.Decimal) {
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
}

func (m *Exchange) SetFeeRate(r decimal.Decimal) {
	m.mu.Lock()
	m.feeRate = r
	m.mu.Unlock()
}

func (m *Exchange) SetRules(r *core.TradingRules) {
	m.mu.Lock()
	m.rules = r
	m.mu.Unlock()
}

// FailNextPlace makes the next PlaceBatchOrders report err for every order.
func (m *Exchange) FailNextPlace(err error) {
	m.mu.Lock()
	m.failNextPlace = err
	m.mu.Unlock()
}

func (m *Exchange) ExchangeInfo() core.ExchangeInfo { return m.info }

func (m *Exchange) TradingRules(ctx context.Context) (*core.TradingRules, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules, nil
}

func (m *Exchange) FeeRate(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feeRate, nil
}

func (m *Exchange) TickerPrice(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrPriceUnavailable, m.symbol)
	}
	return m.price, nil
}

func (m *Exchange) AlignPrice(p decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules.AlignPrice(p)
}

func (m *Exchange) AlignQuantity(q decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules.AlignQuantity(q)
}

func (m *Exchange) PlaceBatchOrders(ctx context.Context, reqs []core.OrderRequest) ([]core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++
	results := make([]core.OrderResult, len(reqs))

	for i := range reqs {
		req := &reqs[i]

		if m.failNextPlace != nil {
			results[i] = core.OrderResult{
				ClientOrderID: req.ClientOrderID,
				State:         core.OrderFailed,
				Err:           m.failNextPlace,
			}
			continue
		}

		// replays of the same client order id return the original order
		if req.ClientOrderID != "" {
			if existing, ok := m.clientOrderMap[req.ClientOrderID]; ok {
				results[i] = core.OrderResult{
					OrderID:       existing,
					ClientOrderID: req.ClientOrderID,
					State:         m.orders[existing].Status,
				}
				continue
			}
		}

		m.nextID++
		id := m.nextID
		m.orders[id] = &core.ExchangeOrder{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Price:         req.Price,
			OrigQuantity:  req.Quantity,
			Status:        core.OrderPlaced,
			UpdatedAt:     time.Now(),
		}
		if req.ClientOrderID != "" {
			m.clientOrderMap[req.ClientOrderID] = id
		}
		results[i] = core.OrderResult{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			State:         core.OrderPlaced,
		}
	}

	m.failNextPlace = nil
	return results, nil
}

func (m *Exchange) CancelBatchOrders(ctx context.Context, orderIDs []int64) ([]core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls++
	results := make([]core.OrderResult, len(orderIDs))

	for i, id := range orderIDs {
		ord, ok := m.orders[id]
		if !ok {
			results[i] = core.OrderResult{
				OrderID: id,
				Err:     fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, id),
			}
			continue
		}
		if ord.Status.IsTerminal() {
			results[i] = core.OrderResult{
				OrderID: id,
				Err:     fmt.Errorf("%w: order %d already %s", apperrors.ErrOrderRejected, id, ord.Status),
			}
			continue
		}
		ord.Status = core.OrderCancelled
		ord.UpdatedAt = time.Now()
		results[i] = core.OrderResult{OrderID: id, State: core.OrderCancelled}
	}
	return results, nil
}

func (m *Exchange) EditBatchOrders(ctx context.Context, edits []core.EditOrderRequest) ([]core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]core.OrderResult, len(edits))
	for i, edit := range edits {
		ord, ok := m.orders[edit.OrderID]
		if !ok || ord.Status.IsTerminal() {
			results[i] = core.OrderResult{
				OrderID: edit.OrderID,
				Err:     fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, edit.OrderID),
			}
			continue
		}

		ord.Status = core.OrderCancelled
		ord.UpdatedAt = time.Now()

		m.nextID++
		id := m.nextID
		m.orders[id] = &core.ExchangeOrder{
			OrderID:      id,
			Symbol:       ord.Symbol,
			Side:         ord.Side,
			Price:        edit.NewPrice,
			OrigQuantity: ord.OrigQuantity.Sub(ord.CumFilledQuantity),
			Status:       core.OrderPlaced,
			UpdatedAt:    time.Now(),
		}
		results[i] = core.OrderResult{
			OrderID:    edit.OrderID,
			NewOrderID: id,
			State:      core.OrderPlaced,
		}
	}
	return results, nil
}

func (m *Exchange) GetOrder(ctx context.Context, orderID int64) (*core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ord, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	c := *ord
	return &c, nil
}

func (m *Exchange) OpenOrders(ctx context.Context) ([]*core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	open := make([]*core.ExchangeOrder, 0, len(m.orders))
	for _, ord := range m.orders {
		if ord.Status.IsActive() {
			c := *ord
			open = append(open, &c)
		}
	}
	return open, nil
}

func (m *Exchange) StatusExtra() map[string]string {
	return map[string]string{"venue": m.info.ID}
}

func (m *Exchange) Close() error { return nil }

func (m *Exchange) SetOnMarketSwitch(fn func(oldToken, newToken string)) {
	m.mu.Lock()
	m.onSwitch = fn
	m.mu.Unlock()
}

// TriggerMarketSwitch fires the market-switch callback as a rollover would.
func (m *Exchange) TriggerMarketSwitch(oldToken, newToken string) {
	m.mu.RLock()
	fn := m.onSwitch
	m.mu.RUnlock()
	if fn != nil {
		fn(oldToken, newToken)
	}
}

// SimulateFill marks an order (fully or partially) filled and records the
// average price, the way a user-stream push would.
func (m *Exchange) SimulateFill(orderID int64, filledQty, avgPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.orders[orderID]
	if !ok {
		return
	}

	ord.CumFilledQuantity = filledQty
	ord.AvgFillPrice = avgPrice
	if filledQty.GreaterThanOrEqual(ord.OrigQuantity) {
		ord.Status = core.OrderFilled
	} else if filledQty.IsPositive() {
		ord.Status = core.OrderPartiallyFilled
	}
	ord.UpdatedAt = time.Now()
}

// SimulateFillWithFee is SimulateFill plus venue fee fields.
func (m *Exchange) SimulateFillWithFee(orderID int64, filledQty, avgPrice, fee decimal.Decimal, feeAsset string, external bool) {
	m.SimulateFill(orderID, filledQty, avgPrice)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.orders[orderID]; ok {
		ord.FeeAmount = fee
		ord.FeeAsset = feeAsset
		ord.FeePaidExternally = external
	}
}

// Forget erases an order entirely, as a venue whose order history expired
// would: GetOrder starts returning nil for it.
func (m *Exchange) Forget(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.orders[orderID]; ok {
		delete(m.clientOrderMap, ord.ClientOrderID)
		delete(m.orders, orderID)
	}
}

// SimulateRestore re-registers an order as resting, as a venue whose
// open-orders view flapped would.
func (m *Exchange) SimulateRestore(ord *core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := core.OrderPlaced
	if ord.FilledQuantity.IsPositive() {
		status = core.OrderPartiallyFilled
	}
	m.orders[ord.ID] = &core.ExchangeOrder{
		OrderID:           ord.ID,
		ClientOrderID:     ord.ClientOrderID,
		Symbol:            ord.Symbol,
		Side:              ord.Side,
		Price:             ord.Price,
		OrigQuantity:      ord.Quantity,
		CumFilledQuantity: ord.FilledQuantity,
		Status:            status,
		UpdatedAt:         time.Now(),
	}
	if ord.ClientOrderID != "" {
		m.clientOrderMap[ord.ClientOrderID] = ord.ID
	}
}

// SimulateCancel marks an order cancelled out from under the engine.
func (m *Exchange) SimulateCancel(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.orders[orderID]; ok && !ord.Status.IsTerminal() {
		ord.Status = core.OrderCancelled
		ord.UpdatedAt = time.Now()
	}
}

// Order returns a copy of one order regardless of state.
func (m *Exchange) Order(orderID int64) (core.ExchangeOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ord, ok := m.orders[orderID]
	if !ok {
		return core.ExchangeOrder{}, false
	}
	return *ord, true
}

// PlaceCalls reports how many batch place calls have been made.
func (m *Exchange) PlaceCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.placeCalls
}

func (m *Exchange) CancelCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelCalls
}
