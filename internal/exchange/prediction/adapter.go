package prediction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/internal/stream"
	apperrors "gridfleet/pkg/errors"
	"gridfleet/pkg/tradingutils"
)

// rolloverState tracks where the adapter is in the contract cycle.
type rolloverState int

const (
	stateActive rolloverState = iota
	stateClosingSoon
	stateSwitching
)

func (s rolloverState) String() string {
	switch s {
	case stateClosingSoon:
		return "closing_soon"
	case stateSwitching:
		return "switching"
	default:
		return "active"
	}
}

const (
	slugRetryCount    = 6
	slugRetryInterval = 2 * time.Second
	rolloverPollEvery = time.Second
	callTimeout       = 10 * time.Second
)

// The venue only quotes inside this band; orders outside it are rejected.
var (
	priceFloor = decimal.RequireFromString("0.01")
	priceCeil  = decimal.RequireFromString("0.99")
)

// Options configures one prediction adapter.
type Options struct {
	Symbol     string // "<asset>-<Outcome>", outcome Up or Down
	Period     string // 5m, 15m, 1h or 1d; empty means 15m
	APIKey     string
	APISecret  string
	Passphrase string
	Logger     core.ILogger
	Registry   *stream.Registry
}

// Adapter implements core.IExchange over time-bounded up/down contracts.
// The underlying token changes every period; the rollover loop flattens and
// re-targets the adapter, then tells the engine to forget its book.
type Adapter struct {
	info    core.ExchangeInfo
	symbol  string
	asset   string
	outcome string
	period  Period
	logger  core.ILogger

	rest     *restClient
	registry *stream.Registry
	key      stream.Key
	stream   *marketStream
	gate     *stream.ReconcileGate

	// rolloverMu serialises the whole rollover procedure; stateMu guards
	// the fields below and is never held across venue calls.
	rolloverMu sync.Mutex
	stateMu    sync.Mutex
	market     *MarketInfo
	token      string
	state      rolloverState
	rules      *core.TradingRules

	idMap        map[int64]string   // venue order id by folded id
	periodOrders map[int64]struct{} // folded ids created on the current token

	onSwitch func(oldToken, newToken string)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	now        func() time.Time
	retryEvery time.Duration
}

var (
	_ core.IExchange       = (*Adapter)(nil)
	_ core.IMarketSwitcher = (*Adapter)(nil)
)

// New resolves the current contract period and joins the credential's
// stream. Resolution failure is fatal: without a token there is nothing to
// trade.
func New(opts Options) (*Adapter, error) {
	asset, outcome, err := parseSymbol(opts.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSymbol, err)
	}
	period, err := ParsePeriod(opts.Period)
	if err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		registry = stream.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		info: core.ExchangeInfo{
			ID:   "polymarket-" + string(period),
			Name: "Polymarket",
			Type: core.MarketPrediction,
		},
		symbol:       opts.Symbol,
		asset:        asset,
		outcome:      outcome,
		period:       period,
		logger:       opts.Logger,
		rest:         newRESTClient(opts.APIKey, opts.APISecret, opts.Passphrase, opts.Logger),
		registry:     registry,
		key:          streamKey(opts.APIKey),
		gate:         stream.NewReconcileGate(0, 0),
		idMap:        make(map[int64]string),
		periodOrders: make(map[int64]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
		retryEvery:   slugRetryInterval,
	}

	resolveCtx, resolveCancel := context.WithTimeout(ctx, callTimeout)
	market, err := a.resolveMarket(resolveCtx, period.alignStart(a.now()))
	resolveCancel()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to resolve %s market: %w", opts.Symbol, err)
	}
	a.adoptMarket(market)

	handle, err := registry.Acquire(a.key, func() (stream.Handle, error) {
		return newMarketStream(opts.APIKey, opts.APISecret, opts.Passphrase, opts.Logger), nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start venue stream: %w", err)
	}
	ms, ok := handle.(*marketStream)
	if !ok {
		registry.Release(a.key)
		cancel()
		return nil, fmt.Errorf("stream registry returned a foreign handle for %s", a.key)
	}
	a.stream = ms
	ms.Subscribe(a.token, a.symbol, market.ConditionID)

	a.wg.Add(1)
	go a.rolloverLoop()

	return a, nil
}

// resolveMarket fetches metadata for the period starting at start and
// verifies the configured outcome has a token.
func (a *Adapter) resolveMarket(ctx context.Context, start time.Time) (*MarketInfo, error) {
	slug := marketSlug(a.asset, a.period, start)
	market, err := a.rest.MarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if market.Token(a.outcome) == "" {
		return nil, fmt.Errorf("market %s has no %s token", slug, a.outcome)
	}
	if market.EndDate.IsZero() {
		market.EndDate = a.period.periodEnd(start)
	}
	return market, nil
}

// adoptMarket installs market as the active contract. Callers hold
// rolloverMu or are the constructor.
func (a *Adapter) adoptMarket(market *MarketInfo) {
	tickDecimals := 0
	for x := market.TickSize; !x.Equal(x.Truncate(0)) && tickDecimals < 6; x = x.Mul(decimal.NewFromInt(10)) {
		tickDecimals++
	}

	a.stateMu.Lock()
	a.market = market
	a.token = market.Token(a.outcome)
	a.rules = &core.TradingRules{
		Symbol:        a.symbol,
		BaseAsset:     a.symbol,
		QuoteAsset:    "USDC",
		TickSize:      market.TickSize,
		PriceDecimals: tickDecimals,
		StepSize:      decimal.RequireFromString("0.01"),
		QtyDecimals:   2,
		MinNotional:   decimal.NewFromInt(1),
	}
	a.state = stateActive
	a.stateMu.Unlock()
}

func (a *Adapter) currentToken() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.token
}

func (a *Adapter) currentState() rolloverState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *Adapter) setState(s rolloverState) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

func (a *Adapter) ExchangeInfo() core.ExchangeInfo { return a.info }

// SetOnMarketSwitch installs the engine callback fired after every token
// swap.
func (a *Adapter) SetOnMarketSwitch(fn func(oldToken, newToken string)) {
	a.stateMu.Lock()
	a.onSwitch = fn
	a.stateMu.Unlock()
}

func (a *Adapter) TradingRules(ctx context.Context) (*core.TradingRules, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.rules == nil {
		return nil, fmt.Errorf("trading rules not resolved for %s", a.symbol)
	}
	return a.rules, nil
}

// FeeRate is zero: the venue settles its fee outside the share balance.
func (a *Adapter) FeeRate(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// AlignPrice snaps to the tick grid and clamps into the venue's quote band.
func (a *Adapter) AlignPrice(p decimal.Decimal) decimal.Decimal {
	a.stateMu.Lock()
	rules := a.rules
	a.stateMu.Unlock()

	if rules != nil {
		p = rules.AlignPrice(p)
	}
	return tradingutils.Clamp(p, priceFloor, priceCeil)
}

func (a *Adapter) AlignQuantity(q decimal.Decimal) decimal.Decimal {
	a.stateMu.Lock()
	rules := a.rules
	a.stateMu.Unlock()
	if rules != nil {
		return rules.AlignQuantity(q)
	}
	return q
}

func (a *Adapter) TickerPrice(ctx context.Context) (decimal.Decimal, error) {
	token := a.currentToken()
	if mid, ok := a.stream.Prices().Mid(token); ok {
		return mid, nil
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	mid, err := a.rest.Midpoint(cctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	if !mid.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrPriceUnavailable, a.symbol)
	}
	a.stream.Prices().Update(token, mid, mid)
	return mid, nil
}

// isOpening mirrors the engine's view: positive grid levels open with buys,
// negative with sells.
func isOpening(req *core.OrderRequest) bool {
	if req.GridIndex > 0 {
		return req.Side == core.SideBuy
	}
	if req.GridIndex < 0 {
		return req.Side == core.SideSell
	}
	return false
}

// rememberOrder binds a venue id to its folded engine id for the current
// period.
func (a *Adapter) rememberOrder(folded int64, venueID string) {
	a.stateMu.Lock()
	a.idMap[folded] = venueID
	a.periodOrders[folded] = struct{}{}
	a.stateMu.Unlock()
}

func (a *Adapter) venueID(folded int64) (string, bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	id, ok := a.idMap[folded]
	return id, ok
}

// PlaceBatchOrders submits sequentially; the venue's rate budget is small.
// Opening orders are refused while the contract is closing out.
func (a *Adapter) PlaceBatchOrders(ctx context.Context, reqs []core.OrderRequest) ([]core.OrderResult, error) {
	results := make([]core.OrderResult, len(reqs))
	token := a.currentToken()

	for i := range reqs {
		req := &reqs[i]

		if a.currentState() != stateActive && isOpening(req) {
			results[i] = core.OrderResult{
				ClientOrderID: req.ClientOrderID,
				State:         core.OrderFailed,
				Err:           fmt.Errorf("%w: %s", apperrors.ErrMarketClosing, a.symbol),
				SilenceNotify: true,
			}
			continue
		}

		price := a.AlignPrice(req.Price)
		qty := a.AlignQuantity(req.Quantity)

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := a.rest.PlaceOrder(cctx, token, req.Side, price, qty, "GTC", req.ClientOrderID)
		cancel()
		if err != nil {
			results[i] = core.OrderResult{
				ClientOrderID: req.ClientOrderID,
				State:         core.OrderFailed,
				Err:           err,
			}
			continue
		}

		folded := venueOrderID(resp.OrderID)
		status := mapVenueStatus(resp.Status, qty, decimal.Zero)
		a.rememberOrder(folded, resp.OrderID)
		a.stream.Orders().Merge(&core.ExchangeOrder{
			OrderID:           folded,
			ClientOrderID:     req.ClientOrderID,
			Symbol:            a.symbol,
			Side:              req.Side,
			Price:             price,
			OrigQuantity:      qty,
			Status:            status,
			FeePaidExternally: true,
			UpdatedAt:         a.now(),
		})
		results[i] = core.OrderResult{
			OrderID:       folded,
			ClientOrderID: req.ClientOrderID,
			State:         status,
		}
	}
	return results, nil
}

func (a *Adapter) markCancelled(folded int64) {
	if cached, ok := a.stream.Orders().Get(folded); ok {
		c := *cached
		c.Status = core.OrderCancelled
		c.UpdatedAt = a.now()
		a.stream.Orders().Put(&c)
	}
}

func (a *Adapter) CancelBatchOrders(ctx context.Context, orderIDs []int64) ([]core.OrderResult, error) {
	results := make([]core.OrderResult, len(orderIDs))

	for i, folded := range orderIDs {
		venueID, ok := a.venueID(folded)
		if !ok {
			results[i] = core.OrderResult{
				OrderID: folded,
				Err:     fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, folded),
			}
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := a.rest.CancelOrder(cctx, venueID)
		cancel()
		if err != nil {
			results[i] = core.OrderResult{OrderID: folded, Err: err}
			continue
		}
		a.markCancelled(folded)
		results[i] = core.OrderResult{OrderID: folded, State: core.OrderCancelled}
	}
	return results, nil
}

// EditBatchOrders is cancel+replace; the book has no amend.
func (a *Adapter) EditBatchOrders(ctx context.Context, edits []core.EditOrderRequest) ([]core.OrderResult, error) {
	results := make([]core.OrderResult, len(edits))
	token := a.currentToken()

	for i, edit := range edits {
		results[i] = a.editOne(ctx, token, edit)
	}
	return results, nil
}

func (a *Adapter) editOne(ctx context.Context, token string, edit core.EditOrderRequest) core.OrderResult {
	result := core.OrderResult{OrderID: edit.OrderID}

	cached, ok := a.stream.Orders().Get(edit.OrderID)
	if !ok {
		result.Err = fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, edit.OrderID)
		return result
	}
	remaining := cached.OrigQuantity.Sub(cached.CumFilledQuantity)
	if !remaining.IsPositive() {
		result.Err = fmt.Errorf("%w: order %d has no remaining quantity", apperrors.ErrOrderNotFound, edit.OrderID)
		return result
	}

	venueID, ok := a.venueID(edit.OrderID)
	if !ok {
		result.Err = fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, edit.OrderID)
		return result
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	err := a.rest.CancelOrder(cctx, venueID)
	cancel()
	if err != nil {
		result.Err = err
		return result
	}
	a.markCancelled(edit.OrderID)

	price := a.AlignPrice(edit.NewPrice)
	cctx, cancel = context.WithTimeout(ctx, callTimeout)
	resp, err := a.rest.PlaceOrder(cctx, token, cached.Side, price, remaining, "GTC", "")
	cancel()
	if err != nil {
		result.Err = err
		return result
	}

	folded := venueOrderID(resp.OrderID)
	a.rememberOrder(folded, resp.OrderID)
	a.stream.Orders().Merge(&core.ExchangeOrder{
		OrderID:           folded,
		Symbol:            a.symbol,
		Side:              cached.Side,
		Price:             price,
		OrigQuantity:      remaining,
		Status:            core.OrderPlaced,
		FeePaidExternally: true,
		UpdatedAt:         a.now(),
	})
	result.NewOrderID = folded
	result.State = core.OrderPlaced
	return result
}

func (a *Adapter) GetOrder(ctx context.Context, orderID int64) (*core.ExchangeOrder, error) {
	venueID, ok := a.venueID(orderID)
	if !ok {
		if cached, hit := a.stream.Orders().Get(orderID); hit {
			return cached, nil
		}
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	ord, err := a.rest.QueryOrder(cctx, venueID)
	cancel()
	if err != nil {
		if cached, hit := a.stream.Orders().Get(orderID); hit {
			a.logger.Debug("Serving cached order after query failure",
				"order_id", orderID, "error", err)
			return cached, nil
		}
		return nil, err
	}
	if ord == nil {
		return nil, nil
	}

	converted := ord.toExchangeOrder(a.symbol)
	a.stream.Orders().Merge(converted)
	return converted, nil
}

func (a *Adapter) OpenOrders(ctx context.Context) ([]*core.ExchangeOrder, error) {
	a.stateMu.Lock()
	conditionID := ""
	if a.market != nil {
		conditionID = a.market.ConditionID
	}
	a.stateMu.Unlock()

	if a.gate.Due() && conditionID != "" {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		raw, err := a.rest.OpenOrders(cctx, conditionID)
		cancel()
		if err != nil {
			return nil, err
		}

		orders := make([]*core.ExchangeOrder, 0, len(raw))
		for i := range raw {
			ord := raw[i].toExchangeOrder(a.symbol)
			a.rememberOrder(ord.OrderID, raw[i].ID)
			a.stream.Orders().Merge(ord)
			orders = append(orders, ord)
		}
		return orders, nil
	}

	active := a.stream.Orders().Active()
	filtered := make([]*core.ExchangeOrder, 0, len(active))
	for _, ord := range active {
		if ord.Symbol == a.symbol {
			filtered = append(filtered, ord)
		}
	}
	return filtered, nil
}

func (a *Adapter) StatusExtra() map[string]string {
	a.stateMu.Lock()
	slug := ""
	if a.market != nil {
		slug = a.market.Slug
	}
	token := a.token
	state := a.state
	a.stateMu.Unlock()

	return map[string]string{
		"venue":          a.info.ID,
		"market_slug":    slug,
		"token":          token,
		"rollover_state": state.String(),
		"stream_up":      fmt.Sprintf("%t", a.stream != nil && a.stream.Connected()),
	}
}

func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.wg.Wait()

		a.stateMu.Lock()
		token := a.token
		conditionID := ""
		if a.market != nil {
			conditionID = a.market.ConditionID
		}
		a.stateMu.Unlock()

		if a.stream != nil {
			a.stream.Unsubscribe(token, conditionID)
			a.registry.Release(a.key)
		}
	})
	return nil
}

func (a *Adapter) rolloverLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(rolloverPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.maybeRollover()
		}
	}
}

// maybeRollover fires the rollover once the contract is inside its close
// buffer. Failures leave the adapter Active on the freshest market it can
// resolve; the next poll retries.
func (a *Adapter) maybeRollover() {
	a.stateMu.Lock()
	market := a.market
	state := a.state
	a.stateMu.Unlock()

	if state != stateActive || market == nil {
		return
	}
	if market.EndDate.Sub(a.now()) > a.period.CloseBuffer() {
		return
	}

	a.performRollover()
}

func (a *Adapter) performRollover() {
	a.rolloverMu.Lock()
	defer a.rolloverMu.Unlock()

	a.stateMu.Lock()
	oldMarket := a.market
	oldToken := a.token
	a.stateMu.Unlock()
	if oldMarket == nil {
		return
	}

	a.setState(stateClosingSoon)
	a.logger.Info("Contract closing, starting rollover",
		"slug", oldMarket.Slug, "end", oldMarket.EndDate)

	a.cancelOpenBuys(oldMarket.ConditionID)
	a.liquidate(oldToken)

	next, err := a.resolveNext()
	if err != nil {
		// fall back to refreshing the current period, it may have just begun
		a.logger.Warn("Next contract unresolved, refreshing current period",
			"error", err)
		a.refreshCurrent()
		return
	}

	a.setState(stateSwitching)
	a.swapTo(oldMarket, oldToken, next)
}

// cancelOpenBuys cancels every resting buy on the retiring market.
func (a *Adapter) cancelOpenBuys(conditionID string) {
	cctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	open, err := a.rest.OpenOrders(cctx, conditionID)
	cancel()
	if err != nil {
		a.logger.Warn("Failed to list open orders for rollover", "error", err)
		return
	}

	for i := range open {
		if !strings.EqualFold(open[i].Side, "BUY") {
			continue
		}
		cctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		err := a.rest.CancelOrder(cctx, open[i].ID)
		cancel()
		if err != nil {
			a.logger.Warn("Failed to cancel order during rollover",
				"venue_order", open[i].ID, "error", err)
			continue
		}
		a.markCancelled(venueOrderID(open[i].ID))
	}
}

// liquidate flattens the held share balance with a crossing fill-and-kill
// sell at the quote floor.
func (a *Adapter) liquidate(token string) {
	cctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	balance, err := a.rest.Balance(cctx, token)
	cancel()
	if err != nil {
		a.logger.Warn("Failed to read balance for liquidation", "error", err)
		return
	}
	if !balance.IsPositive() {
		return
	}

	cctx, cancel = context.WithTimeout(a.ctx, callTimeout)
	_, err = a.rest.PlaceOrder(cctx, token, core.SideSell, priceFloor, balance, "FAK", "")
	cancel()
	if err != nil {
		a.logger.Error("Liquidation order failed",
			"balance", balance.String(), "error", err)
		return
	}
	a.logger.Info("Liquidated expiring position", "quantity", balance.String())
}

// resolveNext discovers the next period's market with bounded retries.
func (a *Adapter) resolveNext() (*MarketInfo, error) {
	nextStart := a.period.nextStart(a.now())

	var lastErr error
	for attempt := 1; attempt <= slugRetryCount; attempt++ {
		cctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		market, err := a.resolveMarket(cctx, nextStart)
		cancel()
		if err == nil {
			return market, nil
		}
		lastErr = err
		a.logger.Debug("Next contract not resolvable yet",
			"attempt", attempt, "error", err)

		select {
		case <-a.ctx.Done():
			return nil, a.ctx.Err()
		case <-time.After(a.retryEvery):
		}
	}
	return nil, fmt.Errorf("%w: %v", apperrors.ErrRolloverFailed, lastErr)
}

// refreshCurrent re-resolves whatever period contains now and returns to
// Active on it.
func (a *Adapter) refreshCurrent() {
	cctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	market, err := a.resolveMarket(cctx, a.period.alignStart(a.now()))
	cancel()
	if err != nil {
		a.logger.Error("Failed to refresh current contract", "error", err)
		a.setState(stateActive)
		return
	}

	a.stateMu.Lock()
	oldToken := a.token
	oldCondition := ""
	if a.market != nil {
		oldCondition = a.market.ConditionID
	}
	a.stateMu.Unlock()

	if market.Token(a.outcome) != oldToken {
		a.swapTo(&MarketInfo{ConditionID: oldCondition}, oldToken, market)
		return
	}

	a.adoptMarket(market)
}

// swapTo retires oldToken and makes next the active contract, dropping
// every cache entry tied to the retired period and firing the engine
// callback.
func (a *Adapter) swapTo(oldMarket *MarketInfo, oldToken string, next *MarketInfo) {
	newToken := next.Token(a.outcome)

	a.stateMu.Lock()
	for folded := range a.periodOrders {
		a.stream.Orders().Remove(folded)
		delete(a.idMap, folded)
	}
	a.periodOrders = make(map[int64]struct{})
	onSwitch := a.onSwitch
	a.stateMu.Unlock()

	if a.stream != nil {
		a.stream.Swap(oldToken, oldMarket.ConditionID, newToken, a.symbol, next.ConditionID)
	}
	a.adoptMarket(next)

	a.logger.Info("Rolled over to next contract",
		"slug", next.Slug, "token", newToken, "end", next.EndDate)

	if onSwitch != nil {
		onSwitch(oldToken, newToken)
	}
}
