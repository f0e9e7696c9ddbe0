package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTickDuration      = "gridfleet_tick_duration_seconds"
	MetricOrdersPlaced      = "gridfleet_orders_placed_total"
	MetricOrdersCancelled   = "gridfleet_orders_cancelled_total"
	MetricOrdersFilled      = "gridfleet_orders_filled_total"
	MetricPnLRealizedTotal  = "gridfleet_pnl_realized_total"
	MetricCurrentPrice      = "gridfleet_current_price"
	MetricPendingOrders     = "gridfleet_pending_orders"
	MetricPositionCount     = "gridfleet_position_count"
	MetricRiskBlocked       = "gridfleet_risk_blocked"
	MetricStreamReconnects  = "gridfleet_stream_reconnects_total"
	MetricReconcileEvicted  = "gridfleet_reconcile_evictions_total"
	MetricTradeSinkFailures = "gridfleet_trade_sink_failures_total"
)

// MetricsHolder holds initialized instruments plus the state backing the
// observable gauges
type MetricsHolder struct {
	TickDuration      metric.Float64Histogram
	OrdersPlaced      metric.Int64Counter
	OrdersCancelled   metric.Int64Counter
	OrdersFilled      metric.Int64Counter
	PnLRealizedTotal  metric.Float64Counter
	CurrentPrice      metric.Float64ObservableGauge
	PendingOrders     metric.Int64ObservableGauge
	PositionCount     metric.Int64ObservableGauge
	RiskBlocked       metric.Int64ObservableGauge
	StreamReconnects  metric.Int64Counter
	ReconcileEvicted  metric.Int64Counter
	TradeSinkFailures metric.Int64Counter

	mu               sync.RWMutex
	currentPriceMap  map[string]float64
	pendingBuysMap   map[string]int64
	pendingSellsMap  map[string]int64
	positionCountMap map[string]int64
	riskBlockedMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			currentPriceMap:  make(map[string]float64),
			pendingBuysMap:   make(map[string]int64),
			pendingSellsMap:  make(map[string]int64),
			positionCountMap: make(map[string]int64),
			riskBlockedMap:   make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TickDuration, err = meter.Float64Histogram(MetricTickDuration,
		metric.WithDescription("Engine tick duration"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.OrdersPlaced, err = meter.Int64Counter(MetricOrdersPlaced, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersCancelled, err = meter.Int64Counter(MetricOrdersCancelled, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}

	m.OrdersFilled, err = meter.Int64Counter(MetricOrdersFilled, metric.WithDescription("Total fills observed"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.StreamReconnects, err = meter.Int64Counter(MetricStreamReconnects, metric.WithDescription("Stream reconnect attempts"))
	if err != nil {
		return err
	}

	m.ReconcileEvicted, err = meter.Int64Counter(MetricReconcileEvicted, metric.WithDescription("Orders evicted by reconcile"))
	if err != nil {
		return err
	}

	m.TradeSinkFailures, err = meter.Int64Counter(MetricTradeSinkFailures, metric.WithDescription("Trade records dropped on sink failure"))
	if err != nil {
		return err
	}

	m.CurrentPrice, err = meter.Float64ObservableGauge(MetricCurrentPrice, metric.WithDescription("Latest mark price"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.currentPriceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PendingOrders, err = meter.Int64ObservableGauge(MetricPendingOrders, metric.WithDescription("Resting orders by side"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.pendingBuysMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym), attribute.String("side", "buy")))
			}
			for sym, val := range m.pendingSellsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym), attribute.String("side", "sell")))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionCount, err = meter.Int64ObservableGauge(MetricPositionCount, metric.WithDescription("Open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionCountMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskBlocked, err = meter.Int64ObservableGauge(MetricRiskBlocked, metric.WithDescription("Risk governor blocking opens (1=blocked)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.riskBlockedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetCurrentPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPriceMap[symbol] = price
}

func (m *MetricsHolder) SetPendingOrders(symbol string, buys, sells int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingBuysMap[symbol] = buys
	m.pendingSellsMap[symbol] = sells
}

func (m *MetricsHolder) SetPositionCount(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionCountMap[symbol] = count
}

func (m *MetricsHolder) SetRiskBlocked(symbol string, blocked bool) {
	val := int64(0)
	if blocked {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskBlockedMap[symbol] = val
}

// Counter helpers are nil-safe so code paths exercised before InitMetrics
// (unit tests, early boot) do not panic.

func (m *MetricsHolder) IncOrdersPlaced(ctx context.Context, symbol string, n int64) {
	if m.OrdersPlaced == nil {
		return
	}
	m.OrdersPlaced.Add(ctx, n, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) IncOrdersCancelled(ctx context.Context, symbol string, n int64) {
	if m.OrdersCancelled == nil {
		return
	}
	m.OrdersCancelled.Add(ctx, n, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) IncOrdersFilled(ctx context.Context, symbol string, n int64) {
	if m.OrdersFilled == nil {
		return
	}
	m.OrdersFilled.Add(ctx, n, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) AddRealizedPnL(ctx context.Context, symbol string, pnl float64) {
	if m.PnLRealizedTotal == nil {
		return
	}
	m.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) IncStreamReconnects(ctx context.Context, venue string) {
	if m.StreamReconnects == nil {
		return
	}
	m.StreamReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

func (m *MetricsHolder) IncReconcileEvicted(ctx context.Context, symbol string, n int64) {
	if m.ReconcileEvicted == nil {
		return
	}
	m.ReconcileEvicted.Add(ctx, n, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) IncTradeSinkFailures(ctx context.Context, symbol string) {
	if m.TradeSinkFailures == nil {
		return
	}
	m.TradeSinkFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) ObserveTickDuration(ctx context.Context, symbol string, seconds float64) {
	if m.TickDuration == nil {
		return
	}
	m.TickDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("symbol", symbol)))
}
