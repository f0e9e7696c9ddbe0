// Package engine runs the per-strategy control loop: it keeps the grid of
// resting orders in sync with the strategy's targets, reacts to fills with
// counter-orders, enforces the risk policy, and persists every fill. One
// Engine instance serves exactly one (account, symbol) pair; the runtime
// coordinator guarantees at most one live instance per strategy id.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/internal/trading/position"
	"gridfleet/internal/trading/syncer"
	"gridfleet/pkg/events"
	"gridfleet/pkg/telemetry"
)

// Deps are the collaborators injected at construction. Exchange, Strategy,
// Risk and Logger are required; everything else falls back to a no-op.
type Deps struct {
	Exchange core.IExchange
	Strategy core.IStrategy
	Risk     core.IRiskGovernor
	Sink     core.ITradeSink
	Status   core.IStatusSink
	Notifier core.INotifier
	Bus      *events.Bus
	Logger   core.ILogger
	Probe    core.StopProbe
	Clock    core.Clock
}

// Engine is one running strategy. The main loop is single-goroutine; mu
// protects the order maps, tracker and error bookkeeping against the status
// readers, the market-switch callback and Stop. Adapter calls are never made
// while holding mu.
type Engine struct {
	cfg      Config
	exchange core.IExchange
	strategy core.IStrategy
	short    core.IShortStrategy
	risk     core.IRiskGovernor
	sink     core.ITradeSink
	status   core.IStatusSink
	notifier core.INotifier
	bus      *events.Bus
	logger   core.ILogger
	probe    core.StopProbe
	clock    core.Clock

	mu           sync.Mutex
	pendingBuys  map[int64]*core.Order
	pendingSells map[int64]*core.Order
	positions    *position.Tracker
	repair       *syncer.Syncer

	processedFills *core.RingSet
	stopLossFired  *core.RingSet

	currentPrice decimal.Decimal
	lastError    string
	lastErrorAt  time.Time
	riskBlock    string

	recovered     bool
	rules         *core.TradingRules
	feeRate       decimal.Decimal
	feeRateSet    bool
	startedAt     time.Time
	lastReconcile time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an engine from its configuration and collaborators.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.applyDefaults()

	if deps.Exchange == nil {
		return nil, fmt.Errorf("engine requires an exchange adapter")
	}
	if deps.Strategy == nil {
		return nil, fmt.Errorf("engine requires a strategy")
	}
	if deps.Risk == nil {
		return nil, fmt.Errorf("engine requires a risk governor")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("engine requires a logger")
	}

	e := &Engine{
		cfg:            cfg,
		exchange:       deps.Exchange,
		strategy:       deps.Strategy,
		risk:           deps.Risk,
		sink:           deps.Sink,
		status:         deps.Status,
		notifier:       deps.Notifier,
		bus:            deps.Bus,
		logger:         deps.Logger.WithField("component", "engine").WithField("strategy_id", cfg.StrategyID),
		probe:          deps.Probe,
		clock:          deps.Clock,
		pendingBuys:    make(map[int64]*core.Order),
		pendingSells:   make(map[int64]*core.Order),
		positions:      position.NewTracker(),
		processedFills: core.NewRingSet(cfg.ProcessedRingSize),
		stopLossFired:  core.NewRingSet(cfg.StopLossRingSize),
		feeRate:        decimal.NewFromFloat(0.001),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	if s, ok := deps.Strategy.(core.IShortStrategy); ok {
		e.short = s
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	if e.clock == nil {
		e.clock = core.RealClock{}
	}
	if e.probe == nil {
		e.probe = func() bool { return false }
	}
	e.repair = syncer.New(e.logger)
	if cfg.MissingThreshold > 0 {
		e.repair.SetMissingThreshold(cfg.MissingThreshold)
	}

	// Adapters with rolling contracts tell us when the market swaps out
	// from under the strategy.
	if sw, ok := deps.Exchange.(core.IMarketSwitcher); ok {
		sw.SetOnMarketSwitch(e.onMarketSwitch)
	}

	return e, nil
}

// Run executes the control loop until Stop, the probe, or ctx cancellation.
// The returned error is nil on a clean stop; loop-internal failures are
// absorbed into lastError and never terminate the engine.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.doneCh)

	e.mu.Lock()
	e.startedAt = e.clock.Now()
	e.mu.Unlock()

	e.logger.Info("Engine starting",
		"symbol", e.cfg.Symbol,
		"poll_interval", e.cfg.PollInterval,
		"reconcile_interval", e.cfg.ReconcileInterval)
	e.notify(ctx, core.NotifyStrategyStarted, "Strategy started",
		fmt.Sprintf("strategy %d on %s", e.cfg.StrategyID, e.cfg.Symbol))
	e.bus.Publish(events.TopicEngineStarted, e.cfg.StrategyID)

	for {
		if e.stopRequested(ctx) {
			break
		}

		start := e.clock.Now()
		err := e.safeTick(ctx)
		telemetry.GetGlobalMetrics().ObserveTickDuration(ctx, e.cfg.Symbol, e.clock.Now().Sub(start).Seconds())

		if e.stopRequested(ctx) {
			break
		}
		if err != nil {
			e.sliceSleep(ctx, errorPause)
			continue
		}
		e.sliceSleep(ctx, e.cfg.PollInterval)
	}

	return e.shutdown()
}

// Stop requests a cooperative stop. Safe to call from any goroutine and any
// number of times; the loop observes it within one sleep slice and runs the
// stop discipline exactly once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Done is closed once the loop has fully shut down.
func (e *Engine) Done() <-chan struct{} { return e.doneCh }

// safeTick runs one tick with a panic guard. A panic is downgraded to a
// tick failure: logged with the stack, surfaced via lastError, notified.
func (e *Engine) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			e.logger.Error("Tick panicked", "panic", r, "stack", string(debug.Stack()))
			e.noteError(err)
			e.notify(ctx, core.NotifyStrategyError, "Strategy error", fmt.Sprint(r))
			e.bus.Publish(events.TopicEngineError, r)
			e.publishSnapshot(ctx, core.RunStatusRunning)
		}
	}()
	return e.tick(ctx)
}

func (e *Engine) stopRequested(ctx context.Context) bool {
	select {
	case <-e.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
	}
	return e.probe()
}

// sliceSleep sleeps for total in sleepSlice chunks, returning early when a
// stop is requested.
func (e *Engine) sliceSleep(ctx context.Context, total time.Duration) {
	deadline := e.clock.Now().Add(total)
	for {
		if e.stopRequested(ctx) {
			return
		}
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return
		}
		step := sleepSlice
		if remaining < step {
			step = remaining
		}
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
	}
}

// shutdown is the stop discipline: cancel everything in one batch, clear all
// per-contract state, publish the final stopping snapshot, close the adapter.
func (e *Engine) shutdown() error {
	// The run context may already be cancelled; teardown gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout*2)
	defer cancel()

	e.mu.Lock()
	ids := make([]int64, 0, len(e.pendingBuys)+len(e.pendingSells))
	for id := range e.pendingBuys {
		ids = append(ids, id)
	}
	for id := range e.pendingSells {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	if len(ids) > 0 {
		if _, err := e.exchange.CancelBatchOrders(ctx, ids); err != nil {
			e.logger.Warn("Failed to cancel pending orders on stop", "count", len(ids), "error", err)
		} else {
			e.logger.Info("Cancelled pending orders on stop", "count", len(ids))
			telemetry.GetGlobalMetrics().IncOrdersCancelled(ctx, e.cfg.Symbol, int64(len(ids)))
		}
	}

	e.mu.Lock()
	e.pendingBuys = make(map[int64]*core.Order)
	e.pendingSells = make(map[int64]*core.Order)
	e.positions.Clear()
	e.processedFills.Clear()
	e.stopLossFired.Clear()
	e.repair.Reset()
	e.mu.Unlock()

	e.publishSnapshot(ctx, core.RunStatusStopping)
	e.notify(ctx, core.NotifyStrategyStopped, "Strategy stopped",
		fmt.Sprintf("strategy %d on %s", e.cfg.StrategyID, e.cfg.Symbol))
	e.bus.Publish(events.TopicEngineStopped, e.cfg.StrategyID)

	if err := e.exchange.Close(); err != nil {
		e.logger.Warn("Adapter close failed", "error", err)
	}
	e.logger.Info("Engine stopped")
	return nil
}

// onMarketSwitch drops every piece of per-contract state. Fired by rolling
// adapters after they swapped tokens; the next tick starts from a clean
// book on the new contract.
func (e *Engine) onMarketSwitch(oldToken, newToken string) {
	e.mu.Lock()
	dropped := len(e.pendingBuys) + len(e.pendingSells)
	e.pendingBuys = make(map[int64]*core.Order)
	e.pendingSells = make(map[int64]*core.Order)
	e.positions.Clear()
	e.processedFills.Clear()
	e.stopLossFired.Clear()
	e.repair.Reset()
	e.recovered = true // the retired contract's orders must not be re-adopted
	e.mu.Unlock()

	e.logger.Info("Market switched, per-contract state cleared",
		"old_token", oldToken, "new_token", newToken, "dropped_orders", dropped)
	e.bus.Publish(events.TopicMarketSwitch, newToken)
}

// callCtx bounds one adapter call.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// noteError records err into the lastError slot with its retention window.
func (e *Engine) noteError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.lastError = err.Error()
	e.lastErrorAt = e.clock.Now()
	e.mu.Unlock()
}

// visibleError returns lastError while it is inside the retention window.
// Callers hold mu.
func (e *Engine) visibleError() string {
	if e.lastError == "" {
		return ""
	}
	if e.clock.Now().Sub(e.lastErrorAt) > errorRetention {
		return ""
	}
	return e.lastError
}

func (e *Engine) notify(ctx context.Context, event core.NotifyEvent, title, body string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, event, title, body)
}

// publishSnapshot renders the engine state after all mutations of the tick
// and hands it to the status sink.
func (e *Engine) publishSnapshot(ctx context.Context, status core.RunStatus) {
	e.mu.Lock()
	snap := &core.StatusSnapshot{
		StrategyID:    e.cfg.StrategyID,
		TaskID:        e.cfg.TaskID,
		WorkerIP:      e.cfg.WorkerIP,
		WorkerHost:    e.cfg.WorkerHost,
		Status:        status,
		StartedAt:     e.startedAt,
		UpdatedAt:     e.clock.Now(),
		CurrentPrice:  e.currentPrice,
		PendingBuys:   len(e.pendingBuys),
		PendingSells:  len(e.pendingSells),
		PositionCount: e.positions.Count(),
		LastError:     e.visibleError(),
		Extra:         map[string]string{},
	}
	riskBlock := e.riskBlock
	e.mu.Unlock()

	for k, v := range e.strategy.StatusExtra() {
		snap.Extra[k] = v
	}
	for k, v := range e.exchange.StatusExtra() {
		snap.Extra[k] = v
	}
	if rs, ok := e.risk.(interface{ Snapshot() map[string]string }); ok {
		for k, v := range rs.Snapshot() {
			snap.Extra[k] = v
		}
	}
	if riskBlock != "" {
		snap.Extra["risk_block"] = riskBlock
	}

	metrics := telemetry.GetGlobalMetrics()
	price, _ := snap.CurrentPrice.Float64()
	metrics.SetCurrentPrice(e.cfg.Symbol, price)
	metrics.SetPendingOrders(e.cfg.Symbol, int64(snap.PendingBuys), int64(snap.PendingSells))
	metrics.SetPositionCount(e.cfg.Symbol, int64(snap.PositionCount))

	if e.status == nil {
		return
	}
	pctx, cancel := e.callCtx(ctx)
	defer cancel()
	if err := e.status.Publish(pctx, snap); err != nil {
		e.logger.Warn("Status publish failed", "error", err)
	}
}

// pendingMapFor returns the map an order of the given side lives in.
// Callers hold mu.
func (e *Engine) pendingMapFor(side core.Side) map[int64]*core.Order {
	if side == core.SideBuy {
		return e.pendingBuys
	}
	return e.pendingSells
}

// removePending drops an order id from whichever map holds it. Callers
// hold mu.
func (e *Engine) removePending(id int64) {
	delete(e.pendingBuys, id)
	delete(e.pendingSells, id)
}

// snapshotPending copies both maps for strategy and syncer consumption
// outside the mutex.
func (e *Engine) snapshotPending() (buys, sells map[int64]*core.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buys = make(map[int64]*core.Order, len(e.pendingBuys))
	for id, ord := range e.pendingBuys {
		buys[id] = ord
	}
	sells = make(map[int64]*core.Order, len(e.pendingSells))
	for id, ord := range e.pendingSells {
		sells[id] = ord
	}
	return buys, sells
}

// PendingCounts reports the current sizes of the order maps.
func (e *Engine) PendingCounts() (buys, sells int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingBuys), len(e.pendingSells)
}

// Positions returns the engine's open positions.
func (e *Engine) Positions() []*core.PositionEntry {
	return e.positions.List()
}

// CurrentPrice returns the last good mark price.
func (e *Engine) CurrentPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPrice
}

// LastError returns the retained error string, empty once it expired.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleError()
}

// parseGridIndex recovers the signed grid index from a client order id of
// the form <tag><signedIndex>-<nonce>. Returns 0 for foreign ids.
func parseGridIndex(clientOrderID string) int {
	i := 0
	for i < len(clientOrderID) {
		c := clientOrderID[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			i++
			continue
		}
		break
	}
	if i == 0 || i >= len(clientOrderID) {
		return 0
	}
	rest := clientOrderID[i:]
	end := strings.IndexByte(rest[1:], '-')
	if end < 0 {
		return 0
	}
	idx, err := strconv.Atoi(rest[:end+1])
	if err != nil {
		return 0
	}
	return idx
}
