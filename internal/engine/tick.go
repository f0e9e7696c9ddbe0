package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/pkg/events"
	"gridfleet/pkg/telemetry"
)

var (
	liquidationDiscount = decimal.RequireFromString("0.999")
	liquidationPremium  = decimal.RequireFromString("1.001")
)

// tick is one pass of the control loop. Price failures abort the tick early;
// everything after the price fetch degrades per step and the tick carries on.
func (e *Engine) tick(ctx context.Context) error {
	// 1. First tick: adopt whatever the venue still holds for us.
	if !e.recoveredState() {
		if err := e.recoverState(ctx); err != nil {
			e.noteError(err)
			e.publishSnapshot(ctx, core.RunStatusRunning)
			return err
		}
	}

	// 2. Price. A failed or non-positive read skips the whole tick and
	// leaves currentPrice untouched.
	price, err := e.fetchPrice(ctx)
	if err != nil {
		e.noteError(err)
		e.publishSnapshot(ctx, core.RunStatusRunning)
		return err
	}

	// 3. Reconcile our book against the venue; fills produce the
	// counter-order batch.
	counters := e.reconcileOrders(ctx)

	// 4. Flush the counter batch collected above.
	e.placeBatch(ctx, counters, "counter")

	// 5. Open new grid orders, gated by the risk governor.
	e.openNewOrders(ctx, price)

	// 6. Reprice drifted resting orders in one batch edit.
	e.repriceOrders(ctx, price)

	// 7. Stop-loss pass over open positions.
	e.stopLossPass(ctx, price)

	// 8. Periodic repair: evictions, orphans, unpaired positions.
	e.maybeRepair(ctx)

	// 9. Snapshot reflects the state after all mutations of this tick.
	e.publishSnapshot(ctx, core.RunStatusRunning)
	return nil
}

func (e *Engine) recoveredState() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recovered
}

// recoverState rebuilds the pending maps from the venue's open orders so a
// restart adopts the surviving grid instead of doubling it. Trading rules
// and the fee rate are warmed here too.
func (e *Engine) recoverState(ctx context.Context) error {
	cctx, cancel := e.callCtx(ctx)
	rules, err := e.exchange.TradingRules(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load trading rules: %w", err)
	}

	cctx, cancel = e.callCtx(ctx)
	open, err := e.exchange.OpenOrders(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to recover open orders: %w", err)
	}

	cctx, cancel = e.callCtx(ctx)
	fee, feeErr := e.exchange.FeeRate(cctx)
	cancel()

	e.mu.Lock()
	e.rules = rules
	if feeErr == nil && fee.IsPositive() {
		e.feeRate = fee
		e.feeRateSet = true
	}
	adopted := 0
	for _, exch := range open {
		if !exch.Status.IsActive() {
			continue
		}
		ord := &core.Order{
			ID:             exch.OrderID,
			ClientOrderID:  exch.ClientOrderID,
			Symbol:         exch.Symbol,
			Side:           exch.Side,
			Price:          exch.Price,
			Quantity:       exch.OrigQuantity,
			GridIndex:      parseGridIndex(exch.ClientOrderID),
			State:          exch.Status,
			FilledQuantity: exch.CumFilledQuantity,
			FilledPrice:    exch.AvgFillPrice,
			CreatedAt:      exch.UpdatedAt,
			UpdatedAt:      exch.UpdatedAt,
		}
		e.pendingMapFor(ord.Side)[ord.ID] = ord
		adopted++
	}
	e.recovered = true
	e.mu.Unlock()

	if feeErr != nil {
		e.logger.Warn("Fee rate unavailable, using default", "error", feeErr)
	}
	e.logger.Info("Recovered venue state", "adopted_orders", adopted)
	return nil
}

// fetchPrice reads the mark price and updates currentPrice only on a
// positive value.
func (e *Engine) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	price, err := e.exchange.TickerPrice(cctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price fetch failed: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price fetch returned non-positive value %s", price)
	}

	e.mu.Lock()
	e.currentPrice = price
	e.mu.Unlock()
	return price, nil
}

// reconcileOrders diffs the pending maps against the venue's open orders.
// Orders the venue no longer lists as active are resolved individually;
// fills, partials and cancels are applied and the resulting counter-order
// requests are returned for batch placement.
func (e *Engine) reconcileOrders(ctx context.Context) []core.OrderRequest {
	cctx, cancel := e.callCtx(ctx)
	open, err := e.exchange.OpenOrders(cctx)
	cancel()
	if err != nil {
		e.noteError(fmt.Errorf("open orders fetch failed: %w", err))
		return nil
	}

	openByID := make(map[int64]*core.ExchangeOrder, len(open))
	for _, exch := range open {
		openByID[exch.OrderID] = exch
	}

	e.mu.Lock()
	tracked := make([]*core.Order, 0, len(e.pendingBuys)+len(e.pendingSells))
	for _, ord := range e.pendingBuys {
		tracked = append(tracked, ord)
	}
	for _, ord := range e.pendingSells {
		tracked = append(tracked, ord)
	}
	e.mu.Unlock()

	var counters []core.OrderRequest
	for _, ord := range tracked {
		exch, listed := openByID[ord.ID]
		if listed && exch.Status.IsActive() {
			if exch.CumFilledQuantity.GreaterThanOrEqual(ord.Quantity) && ord.Quantity.IsPositive() {
				// Completed, but the open-orders view lagged the fill.
				if req := e.handleFilled(ctx, ord, exch); req != nil {
					counters = append(counters, *req)
				}
				continue
			}
			if exch.CumFilledQuantity.GreaterThan(ord.FilledQuantity) {
				e.handlePartialFill(ctx, ord, exch)
			}
			continue
		}

		// Absent or terminal: the per-order query is authoritative for
		// terminal status.
		cctx, cancel := e.callCtx(ctx)
		resolved, err := e.exchange.GetOrder(cctx, ord.ID)
		cancel()
		if err != nil {
			e.noteError(fmt.Errorf("order %d resolve failed: %w", ord.ID, err))
			continue
		}
		if resolved == nil {
			// Venue does not know the order. Leave it; the repair pass
			// evicts after missingThreshold consecutive observations.
			e.logger.Debug("Order unknown to venue, leaving for repair", "order_id", ord.ID)
			continue
		}

		switch resolved.Status {
		case core.OrderFilled:
			if req := e.handleFilled(ctx, ord, resolved); req != nil {
				counters = append(counters, *req)
			}
		case core.OrderPartiallyFilled:
			if resolved.CumFilledQuantity.GreaterThan(ord.FilledQuantity) {
				e.handlePartialFill(ctx, ord, resolved)
			}
		case core.OrderCancelled, core.OrderFailed:
			e.handleCancelled(ctx, ord, resolved)
		default:
			// Still live per REST; the open-orders view lagged.
		}
	}
	return counters
}

// placeBatch aligns and submits one batch of orders, then installs the
// survivors into the pending maps.
func (e *Engine) placeBatch(ctx context.Context, reqs []core.OrderRequest, kind string) {
	reqs = e.alignRequests(reqs)
	if len(reqs) == 0 {
		return
	}

	cctx, cancel := e.callCtx(ctx)
	results, err := e.exchange.PlaceBatchOrders(cctx, reqs)
	cancel()
	if err != nil {
		e.noteError(fmt.Errorf("%s batch place failed: %w", kind, err))
		e.notify(ctx, core.NotifyOrderFailure, "Order batch failed",
			fmt.Sprintf("%s batch of %d orders: %v", kind, len(reqs), err))
		return
	}
	e.installPlacements(ctx, reqs, results)
}

// installPlacements pairs batch results with their requests: successes enter
// the pending maps, failures surface via lastError and a notification unless
// the adapter marked them silence-worthy.
func (e *Engine) installPlacements(ctx context.Context, reqs []core.OrderRequest, results []core.OrderResult) {
	now := e.clock.Now()
	placed := int64(0)

	for i, res := range results {
		if i >= len(reqs) {
			break
		}
		req := reqs[i]

		if res.Err != nil {
			e.noteError(fmt.Errorf("order place rejected: %w", res.Err))
			e.logger.Warn("Order rejected",
				"client_order_id", req.ClientOrderID,
				"side", req.Side,
				"price", req.Price,
				"error", res.Err)
			if !res.SilenceNotify {
				e.notify(ctx, core.NotifyOrderFailure, "Order rejected",
					fmt.Sprintf("%s %s @ %s: %v", req.Side, req.Quantity, req.Price, res.Err))
			}
			e.bus.Publish(events.TopicOrderFailed, req)
			continue
		}

		ord := &core.Order{
			ID:             res.OrderID,
			ClientOrderID:  req.ClientOrderID,
			Symbol:         req.Symbol,
			Side:           req.Side,
			Price:          req.Price,
			Quantity:       req.Quantity,
			GridIndex:      req.GridIndex,
			RelatedOrderID: req.RelatedOrderID,
			State:          core.OrderPlaced,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		e.mu.Lock()
		e.pendingMapFor(ord.Side)[ord.ID] = ord
		e.mu.Unlock()
		placed++
		e.bus.Publish(events.TopicOrderPlaced, ord)
	}

	if placed > 0 {
		telemetry.GetGlobalMetrics().IncOrdersPlaced(ctx, e.cfg.Symbol, placed)
	}
}

// alignRequests passes every candidate through the venue's precision rules
// and drops the ones alignment reduced to nothing.
func (e *Engine) alignRequests(reqs []core.OrderRequest) []core.OrderRequest {
	out := reqs[:0]
	for _, req := range reqs {
		req.Price = e.exchange.AlignPrice(req.Price)
		req.Quantity = e.exchange.AlignQuantity(req.Quantity)
		if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
			e.logger.Debug("Dropping order that aligned to zero",
				"client_order_id", req.ClientOrderID, "side", req.Side)
			continue
		}
		out = append(out, req)
	}
	return out
}

// openNewOrders asks the risk governor for permission, then the strategy for
// fresh opening orders, and submits them as one batch.
func (e *Engine) openNewOrders(ctx context.Context, price decimal.Decimal) {
	allowed, reason := e.risk.CanOpenPosition(e.positions.Count())

	e.mu.Lock()
	e.riskBlock = ""
	if !allowed {
		e.riskBlock = reason
	}
	e.mu.Unlock()

	if !allowed {
		e.logger.Debug("Opens blocked by risk governor", "reason", reason)
		return
	}

	buys, sells := e.snapshotPending()
	positions := e.positions.List()

	reqs := e.strategy.ShouldBuyBatch(price, buys, sells, positions)
	if e.short != nil {
		reqs = append(reqs, e.short.ShouldShortBatch(price, buys, sells, positions)...)
	}
	if len(reqs) == 0 {
		return
	}
	e.placeBatch(ctx, reqs, "open")
}

// repriceOrders aggregates every wanted reprice into one batch edit. Edits
// that come back under a fresh id replace the map entry; failed edits drop
// the entry so the repair pass can rebuild the pair.
func (e *Engine) repriceOrders(ctx context.Context, price decimal.Decimal) {
	buys, sells := e.snapshotPending()

	var edits []core.EditOrderRequest
	byID := make(map[int64]*core.Order)
	collect := func(pending map[int64]*core.Order) {
		for _, ord := range pending {
			if !ord.State.IsActive() {
				continue
			}
			var target decimal.Decimal
			var want bool
			if ord.GridIndex < 0 && e.short != nil {
				target, want = e.short.ShouldRepriceShort(ord, price)
			} else {
				target, want = e.strategy.ShouldReprice(ord, price)
			}
			if !want {
				continue
			}
			target = e.exchange.AlignPrice(target)
			if !target.IsPositive() || target.Equal(ord.Price) {
				continue
			}
			edits = append(edits, core.EditOrderRequest{OrderID: ord.ID, NewPrice: target})
			byID[ord.ID] = ord
		}
	}
	collect(buys)
	collect(sells)

	if len(edits) == 0 {
		return
	}

	cctx, cancel := e.callCtx(ctx)
	results, err := e.exchange.EditBatchOrders(cctx, edits)
	cancel()
	if err != nil {
		e.noteError(fmt.Errorf("batch edit failed: %w", err))
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	for i, res := range results {
		if i >= len(edits) {
			break
		}
		ord := byID[edits[i].OrderID]
		if ord == nil {
			continue
		}

		if res.Err != nil {
			// The old order may be gone, half-replaced, or still resting;
			// drop it and let the repair pass restore the pair.
			e.removePending(ord.ID)
			e.logger.Warn("Reprice failed, dropping order for repair",
				"order_id", ord.ID, "error", res.Err)
			continue
		}

		newPrice := edits[i].NewPrice
		if res.NewOrderID != 0 && res.NewOrderID != ord.ID {
			// Cancel+replace under a fresh id.
			e.removePending(ord.ID)
			replacement := &core.Order{
				ID:             res.NewOrderID,
				ClientOrderID:  res.ClientOrderID,
				Symbol:         ord.Symbol,
				Side:           ord.Side,
				Price:          newPrice,
				Quantity:       ord.Quantity.Sub(ord.FilledQuantity),
				GridIndex:      ord.GridIndex,
				RelatedOrderID: ord.RelatedOrderID,
				State:          core.OrderPlaced,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			e.pendingMapFor(replacement.Side)[replacement.ID] = replacement
		} else {
			ord.Price = newPrice
			ord.UpdatedAt = now
		}
	}
	e.mu.Unlock()

	e.logger.Info("Repriced resting orders", "count", len(edits), "price", price)
}

// stopLossPass evaluates every position against the governor. Triggered
// positions get their counter-orders cancelled and an aggressive limit
// placed; the ring set guarantees one shot per position.
func (e *Engine) stopLossPass(ctx context.Context, price decimal.Decimal) {
	for _, pos := range e.positions.List() {
		e.mu.Lock()
		fired := e.stopLossFired.Contains(pos.OpeningOrderID)
		e.mu.Unlock()
		if fired {
			continue
		}

		triggered, reason := e.risk.CheckStopLoss(pos, price)
		if !triggered {
			continue
		}

		e.logger.Warn("Stop-loss triggered",
			"opening_order_id", pos.OpeningOrderID,
			"entry", pos.EntryPrice,
			"mark", price,
			"reason", reason)

		if e.closePositionAggressively(ctx, pos, price) {
			e.mu.Lock()
			e.stopLossFired.Add(pos.OpeningOrderID)
			e.mu.Unlock()
			e.notify(ctx, core.NotifyStopLoss, "Stop-loss triggered",
				fmt.Sprintf("position %d on %s: %s", pos.OpeningOrderID, e.cfg.Symbol, reason))
			e.bus.Publish(events.TopicStopLossTriggered, pos)
		}
	}
}

// closePositionAggressively cancels the position's resting counter-orders
// and replaces them with a crossing limit sized to the whole position.
// If a counter turns out to have filled in the meantime, the fill is
// processed instead and no liquidation is sent.
func (e *Engine) closePositionAggressively(ctx context.Context, pos *core.PositionEntry, mark decimal.Decimal) bool {
	e.mu.Lock()
	var counterIDs []int64
	counterByID := make(map[int64]*core.Order)
	for _, pending := range []map[int64]*core.Order{e.pendingBuys, e.pendingSells} {
		for id, ord := range pending {
			if ord.RelatedOrderID == pos.OpeningOrderID {
				counterIDs = append(counterIDs, id)
				counterByID[id] = ord
			}
		}
	}
	e.mu.Unlock()

	if len(counterIDs) > 0 {
		cctx, cancel := e.callCtx(ctx)
		results, err := e.exchange.CancelBatchOrders(cctx, counterIDs)
		cancel()
		if err != nil {
			e.noteError(fmt.Errorf("stop-loss cancel failed: %w", err))
			return false
		}
		for i, res := range results {
			if i >= len(counterIDs) {
				break
			}
			id := counterIDs[i]
			if res.Err != nil {
				// The cancel can lose the race against a fill. Resolve the
				// order; a filled counter closes the position normally.
				cctx, cancel := e.callCtx(ctx)
				resolved, rerr := e.exchange.GetOrder(cctx, id)
				cancel()
				if rerr == nil && resolved != nil && resolved.Status == core.OrderFilled {
					if ord := counterByID[id]; ord != nil {
						e.handleFilled(ctx, ord, resolved)
					}
					return false
				}
			}
			e.mu.Lock()
			e.removePending(id)
			e.mu.Unlock()
		}
		telemetry.GetGlobalMetrics().IncOrdersCancelled(ctx, e.cfg.Symbol, int64(len(counterIDs)))
	}

	side := core.SideSell
	limit := mark.Mul(liquidationDiscount)
	if pos.IsShort() {
		side = core.SideBuy
		limit = mark.Mul(liquidationPremium)
	}

	req := core.OrderRequest{
		ClientOrderID:  core.NewClientOrderID("sl", pos.GridIndex),
		Symbol:         pos.Symbol,
		Side:           side,
		Price:          limit,
		Quantity:       pos.Quantity,
		GridIndex:      pos.GridIndex,
		RelatedOrderID: pos.OpeningOrderID,
		ReduceOnly:     true,
	}
	e.placeBatch(ctx, []core.OrderRequest{req}, "stop-loss")
	return true
}

// maybeRepair runs the position syncer every ReconcileInterval against a
// fresh open-orders read and applies its plan.
func (e *Engine) maybeRepair(ctx context.Context) {
	e.mu.Lock()
	due := e.clock.Now().Sub(e.lastReconcile) >= e.cfg.ReconcileInterval
	if due {
		e.lastReconcile = e.clock.Now()
	}
	e.mu.Unlock()
	if !due {
		return
	}

	cctx, cancel := e.callCtx(ctx)
	open, err := e.exchange.OpenOrders(cctx)
	cancel()
	if err != nil {
		e.noteError(fmt.Errorf("repair open orders fetch failed: %w", err))
		return
	}
	openIDs := make(map[int64]struct{}, len(open))
	for _, exch := range open {
		openIDs[exch.OrderID] = struct{}{}
	}

	buys, sells := e.snapshotPending()
	plan := e.repair.Plan(e.positions.List(), buys, sells, openIDs)
	if plan.Empty() {
		return
	}

	if len(plan.Evict) > 0 {
		e.mu.Lock()
		for _, id := range plan.Evict {
			e.removePending(id)
		}
		e.mu.Unlock()
		telemetry.GetGlobalMetrics().IncReconcileEvicted(ctx, e.cfg.Symbol, int64(len(plan.Evict)))
		e.logger.Warn("Evicted orders missing from venue", "count", len(plan.Evict))
	}

	if len(plan.Orphans) > 0 {
		ids := make([]int64, 0, len(plan.Orphans))
		for _, ord := range plan.Orphans {
			ids = append(ids, ord.ID)
		}
		cctx, cancel := e.callCtx(ctx)
		_, err := e.exchange.CancelBatchOrders(cctx, ids)
		cancel()
		if err != nil {
			e.noteError(fmt.Errorf("orphan cancel failed: %w", err))
		} else {
			e.mu.Lock()
			for _, id := range ids {
				e.removePending(id)
			}
			e.mu.Unlock()
			telemetry.GetGlobalMetrics().IncOrdersCancelled(ctx, e.cfg.Symbol, int64(len(ids)))
			e.logger.Info("Cancelled orphan counter-orders", "count", len(ids))
		}
	}

	if len(plan.Unpaired) > 0 {
		var reqs []core.OrderRequest
		for _, pos := range plan.Unpaired {
			var req *core.OrderRequest
			if pos.IsShort() && e.short != nil {
				req = e.short.ShouldCloseShort(pos, pos.Quantity)
			} else {
				req = e.strategy.ShouldSell(pos, pos.Quantity)
			}
			if req != nil {
				reqs = append(reqs, *req)
			}
		}
		e.placeBatch(ctx, reqs, "repair")
	}
}

// feeRateValue returns the cached taker rate, refreshing it lazily once the
// venue starts answering.
func (e *Engine) feeRateValue(ctx context.Context) decimal.Decimal {
	e.mu.Lock()
	set := e.feeRateSet
	rate := e.feeRate
	e.mu.Unlock()
	if set {
		return rate
	}

	cctx, cancel := e.callCtx(ctx)
	fresh, err := e.exchange.FeeRate(cctx)
	cancel()
	if err != nil || !fresh.IsPositive() {
		return rate
	}
	e.mu.Lock()
	e.feeRate = fresh
	e.feeRateSet = true
	e.mu.Unlock()
	return fresh
}
