package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gridfleet/internal/core"
	"gridfleet/internal/stream"
	apperrors "gridfleet/pkg/errors"
)

const (
	callTimeout        = 10 * time.Second
	rulesRetryCooldown = 5 * time.Second
)

// defaultTakerFee covers accounts whose commission endpoint is not readable.
var defaultTakerFee = decimal.NewFromFloat(0.001)

// Options configures one adapter instance, bound to a single symbol.
type Options struct {
	MarketType core.MarketType
	Symbol     string
	APIKey     string
	APISecret  string
	Testnet    bool
	Logger     core.ILogger
	Registry   *stream.Registry
}

// Adapter implements core.IExchange for the spot and futures APIs. Reads are
// served from the shared stream caches when fresh; writes go straight to
// REST, batched on futures and fanned out on spot.
type Adapter struct {
	info   core.ExchangeInfo
	symbol string
	logger core.ILogger

	rest     *restClient
	registry *stream.Registry
	key      stream.Key
	stream   *venueStream
	gate     *stream.ReconcileGate

	rulesMu        sync.Mutex
	rules          *core.TradingRules
	rulesAttemptAt time.Time

	feeMu   sync.Mutex
	feeRate decimal.Decimal
	feeSet  bool

	closeOnce sync.Once
}

var _ core.IExchange = (*Adapter)(nil)

// New builds the adapter and joins the per-credential stream singleton.
func New(opts Options) (*Adapter, error) {
	if opts.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", apperrors.ErrInvalidSymbol)
	}
	if opts.MarketType != core.MarketSpot && opts.MarketType != core.MarketFutures {
		return nil, fmt.Errorf("unsupported market type %q", opts.MarketType)
	}

	registry := opts.Registry
	if registry == nil {
		registry = stream.Default()
	}

	key := streamKey(opts.MarketType, opts.APIKey, opts.Testnet)
	handle, err := registry.Acquire(key, func() (stream.Handle, error) {
		return newVenueStream(opts.MarketType, opts.APIKey, opts.APISecret, opts.Testnet, opts.Logger), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start venue stream: %w", err)
	}
	vs, ok := handle.(*venueStream)
	if !ok {
		registry.Release(key)
		return nil, fmt.Errorf("stream registry returned a foreign handle for %s", key)
	}
	vs.Subscribe(opts.Symbol)

	return &Adapter{
		info: core.ExchangeInfo{
			ID:   "binance-" + string(opts.MarketType),
			Name: "Binance",
			Type: opts.MarketType,
		},
		symbol:   opts.Symbol,
		logger:   opts.Logger,
		rest:     newRESTClient(opts.MarketType, opts.APIKey, opts.APISecret, opts.Testnet, opts.Logger),
		registry: registry,
		key:      key,
		stream:   vs,
		gate:     stream.NewReconcileGate(0, 0),
	}, nil
}

func (a *Adapter) ExchangeInfo() core.ExchangeInfo { return a.info }

func callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

func wrapTimeout(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	return err
}

// TradingRules loads the symbol filters on first use. Failed fetches are not
// retried within rulesRetryCooldown so a down venue cannot be hammered from
// the tick loop.
func (a *Adapter) TradingRules(ctx context.Context) (*core.TradingRules, error) {
	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()

	if a.rules != nil {
		return a.rules, nil
	}
	if !a.rulesAttemptAt.IsZero() && time.Since(a.rulesAttemptAt) < rulesRetryCooldown {
		return nil, fmt.Errorf("trading rules for %s unavailable, last fetch failed", a.symbol)
	}
	a.rulesAttemptAt = time.Now()

	cctx, cancel := callContext(ctx)
	defer cancel()
	rules, err := a.rest.TradingRules(cctx, a.symbol)
	if err != nil {
		return nil, wrapTimeout(err)
	}

	a.rules = rules
	a.logger.Info("Trading rules loaded",
		"tick_size", rules.TickSize.String(),
		"step_size", rules.StepSize.String(),
		"min_notional", rules.MinNotional.String(),
	)
	return rules, nil
}

func (a *Adapter) cachedRules() *core.TradingRules {
	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()
	return a.rules
}

func (a *Adapter) AlignPrice(p decimal.Decimal) decimal.Decimal {
	if r := a.cachedRules(); r != nil {
		return r.AlignPrice(p)
	}
	return p
}

func (a *Adapter) AlignQuantity(q decimal.Decimal) decimal.Decimal {
	if r := a.cachedRules(); r != nil {
		return r.AlignQuantity(q)
	}
	return q
}

// FeeRate reads the account taker rate once and caches it. Accounts that
// cannot read their commission fall back to defaultTakerFee.
func (a *Adapter) FeeRate(ctx context.Context) (decimal.Decimal, error) {
	a.feeMu.Lock()
	defer a.feeMu.Unlock()

	if a.feeSet {
		return a.feeRate, nil
	}

	cctx, cancel := callContext(ctx)
	defer cancel()
	rate, err := a.rest.TakerFeeRate(cctx, a.symbol)
	if err != nil {
		a.logger.Warn("Fee rate lookup failed, using default",
			"default", defaultTakerFee.String(), "error", wrapTimeout(err))
		return defaultTakerFee, nil
	}

	a.feeRate = rate
	a.feeSet = true
	return rate, nil
}

// TickerPrice serves from the stream cache when the quote is fresh and falls
// back to the REST book ticker otherwise.
func (a *Adapter) TickerPrice(ctx context.Context) (decimal.Decimal, error) {
	if mid, ok := a.stream.Prices().Mid(a.symbol); ok {
		return mid, nil
	}

	cctx, cancel := callContext(ctx)
	defer cancel()
	bid, ask, err := a.rest.BookTicker(cctx, a.symbol)
	if err != nil {
		return decimal.Zero, wrapTimeout(err)
	}

	mid := stream.Quote{Bid: bid, Ask: ask}.Mid()
	if !mid.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrPriceUnavailable, a.symbol)
	}
	a.stream.Prices().Update(a.symbol, bid, ask)
	return mid, nil
}

// seedCache stores a REST-derived order in the stream cache, tagging futures
// orders with margin-settled fees.
func (a *Adapter) seedCache(ord *core.ExchangeOrder) {
	if ord == nil {
		return
	}
	if a.info.Type == core.MarketFutures {
		ord.FeePaidExternally = true
	}
	a.stream.Orders().Merge(ord)
}

// PlaceBatchOrders submits the whole batch, chunked through the futures
// batch endpoint or fanned out over single-order calls on spot. One result
// per request, input order preserved.
func (a *Adapter) PlaceBatchOrders(ctx context.Context, reqs []core.OrderRequest) ([]core.OrderResult, error) {
	results := make([]core.OrderResult, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	if a.info.Type == core.MarketFutures {
		a.placeFutures(ctx, reqs, results)
	} else {
		a.placeSpot(ctx, reqs, results)
	}
	return results, nil
}

func (a *Adapter) placeFutures(ctx context.Context, reqs []core.OrderRequest, results []core.OrderResult) {
	for start := 0; start < len(reqs); start += batchChunkSize {
		end := min(start+batchChunkSize, len(reqs))

		chunk := make([]*core.OrderRequest, 0, end-start)
		for i := start; i < end; i++ {
			chunk = append(chunk, &reqs[i])
		}

		cctx, cancel := callContext(ctx)
		orders, errs, err := a.rest.PlaceBatch(cctx, chunk)
		cancel()
		if err != nil {
			err = wrapTimeout(err)
			for i := start; i < end; i++ {
				results[i] = core.OrderResult{
					ClientOrderID: reqs[i].ClientOrderID,
					State:         core.OrderFailed,
					Err:           err,
				}
			}
			continue
		}

		for j := range orders {
			i := start + j
			if errs[j] != nil {
				results[i] = core.OrderResult{
					ClientOrderID: reqs[i].ClientOrderID,
					State:         core.OrderFailed,
					Err:           errs[j],
				}
				continue
			}
			a.seedCache(orders[j])
			results[i] = core.OrderResult{
				OrderID:       orders[j].OrderID,
				ClientOrderID: orders[j].ClientOrderID,
				State:         orders[j].Status,
			}
		}
	}
}

func (a *Adapter) placeSpot(ctx context.Context, reqs []core.OrderRequest, results []core.OrderResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchChunkSize)

	for i := range reqs {
		i := i
		g.Go(func() error {
			cctx, cancel := callContext(gctx)
			defer cancel()

			ord, err := a.rest.PlaceOrder(cctx, &reqs[i])
			if err != nil {
				results[i] = core.OrderResult{
					ClientOrderID: reqs[i].ClientOrderID,
					State:         core.OrderFailed,
					Err:           wrapTimeout(err),
				}
				return nil
			}
			a.seedCache(ord)
			results[i] = core.OrderResult{
				OrderID:       ord.OrderID,
				ClientOrderID: ord.ClientOrderID,
				State:         ord.Status,
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CancelBatchOrders cancels by id. Not-found rejections stay in the element
// error so the engine can resolve the true terminal state via GetOrder.
func (a *Adapter) CancelBatchOrders(ctx context.Context, orderIDs []int64) ([]core.OrderResult, error) {
	results := make([]core.OrderResult, len(orderIDs))
	if len(orderIDs) == 0 {
		return results, nil
	}

	if a.info.Type == core.MarketFutures {
		a.cancelFutures(ctx, orderIDs, results)
	} else {
		a.cancelSpot(ctx, orderIDs, results)
	}
	return results, nil
}

func (a *Adapter) markCancelled(orderID int64) {
	if cached, ok := a.stream.Orders().Get(orderID); ok {
		c := *cached
		c.Status = core.OrderCancelled
		c.UpdatedAt = time.Now()
		a.stream.Orders().Put(&c)
	}
}

func (a *Adapter) cancelFutures(ctx context.Context, orderIDs []int64, results []core.OrderResult) {
	for start := 0; start < len(orderIDs); start += batchChunkSize {
		end := min(start+batchChunkSize, len(orderIDs))

		cctx, cancel := callContext(ctx)
		errs, err := a.rest.CancelBatch(cctx, a.symbol, orderIDs[start:end])
		cancel()
		if err != nil {
			err = wrapTimeout(err)
			for i := start; i < end; i++ {
				results[i] = core.OrderResult{OrderID: orderIDs[i], Err: err}
			}
			continue
		}

		for j, elemErr := range errs {
			i := start + j
			if elemErr != nil {
				results[i] = core.OrderResult{OrderID: orderIDs[i], Err: elemErr}
				continue
			}
			a.markCancelled(orderIDs[i])
			results[i] = core.OrderResult{OrderID: orderIDs[i], State: core.OrderCancelled}
		}
	}
}

func (a *Adapter) cancelSpot(ctx context.Context, orderIDs []int64, results []core.OrderResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchChunkSize)

	for i := range orderIDs {
		i := i
		g.Go(func() error {
			cctx, cancel := callContext(gctx)
			defer cancel()

			if err := a.rest.CancelOrder(cctx, a.symbol, orderIDs[i]); err != nil {
				results[i] = core.OrderResult{OrderID: orderIDs[i], Err: wrapTimeout(err)}
				return nil
			}
			a.markCancelled(orderIDs[i])
			results[i] = core.OrderResult{OrderID: orderIDs[i], State: core.OrderCancelled}
			return nil
		})
	}
	_ = g.Wait()
}

// EditBatchOrders reprices by cancel+replace; the venue has no in-place
// amend. A successful element carries the replacement id in NewOrderID.
func (a *Adapter) EditBatchOrders(ctx context.Context, edits []core.EditOrderRequest) ([]core.OrderResult, error) {
	results := make([]core.OrderResult, len(edits))
	if len(edits) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchChunkSize)

	for i := range edits {
		i := i
		g.Go(func() error {
			results[i] = a.editOne(gctx, edits[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (a *Adapter) editOne(ctx context.Context, edit core.EditOrderRequest) core.OrderResult {
	result := core.OrderResult{OrderID: edit.OrderID}

	ord, err := a.lookupOrder(ctx, edit.OrderID)
	if err != nil {
		result.Err = err
		return result
	}
	if ord == nil {
		result.Err = fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, edit.OrderID)
		return result
	}

	remaining := ord.OrigQuantity.Sub(ord.CumFilledQuantity)
	if !remaining.IsPositive() {
		result.Err = fmt.Errorf("%w: order %d has no remaining quantity", apperrors.ErrOrderNotFound, edit.OrderID)
		return result
	}

	cctx, cancel := callContext(ctx)
	err = a.rest.CancelOrder(cctx, a.symbol, edit.OrderID)
	cancel()
	if err != nil {
		result.Err = wrapTimeout(err)
		return result
	}
	a.markCancelled(edit.OrderID)

	req := core.OrderRequest{
		Symbol:   a.symbol,
		Side:     ord.Side,
		Price:    a.AlignPrice(edit.NewPrice),
		Quantity: a.AlignQuantity(remaining),
	}
	cctx, cancel = callContext(ctx)
	placed, err := a.rest.PlaceOrder(cctx, &req)
	cancel()
	if err != nil {
		// cancel went through, the caller must drop its book entry
		result.Err = wrapTimeout(err)
		return result
	}

	a.seedCache(placed)
	result.NewOrderID = placed.OrderID
	result.ClientOrderID = placed.ClientOrderID
	result.State = placed.Status
	return result
}

// lookupOrder checks the stream cache before asking REST.
func (a *Adapter) lookupOrder(ctx context.Context, orderID int64) (*core.ExchangeOrder, error) {
	if cached, ok := a.stream.Orders().Get(orderID); ok {
		return cached, nil
	}

	cctx, cancel := callContext(ctx)
	defer cancel()
	ord, err := a.rest.QueryOrder(cctx, a.symbol, orderID)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	return ord, nil
}

// GetOrder asks REST for the authoritative state, falling back to the stream
// cache when the venue is unreachable. Unknown ids return nil, nil.
func (a *Adapter) GetOrder(ctx context.Context, orderID int64) (*core.ExchangeOrder, error) {
	cctx, cancel := callContext(ctx)
	ord, err := a.rest.QueryOrder(cctx, a.symbol, orderID)
	cancel()
	if err == nil {
		if ord != nil {
			a.seedCache(ord)
		}
		return ord, nil
	}

	err = wrapTimeout(err)
	if cached, ok := a.stream.Orders().Get(orderID); ok {
		a.logger.Debug("Serving cached order after query failure",
			"order_id", orderID, "error", err)
		return cached, nil
	}
	return nil, err
}

// OpenOrders serves the stream cache and periodically (every Nth call or
// after 30 s) resyncs against the venue's open order list.
func (a *Adapter) OpenOrders(ctx context.Context) ([]*core.ExchangeOrder, error) {
	if a.gate.Due() {
		cctx, cancel := callContext(ctx)
		orders, err := a.rest.OpenOrders(cctx, a.symbol)
		cancel()
		if err != nil {
			return nil, wrapTimeout(err)
		}
		for _, ord := range orders {
			a.seedCache(ord)
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
	return map[string]string{
		"venue":     a.info.ID,
		"stream_up": strconv.FormatBool(a.stream.Connected()),
	}
}

// Close drops the symbol subscription and this adapter's stream reference.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.stream.Unsubscribe(a.symbol)
		a.registry.Release(a.key)
	})
	return nil
}
