package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/pkg/events"
	"gridfleet/pkg/telemetry"
	"gridfleet/pkg/tradingutils"
)

// handleFilled processes one fully filled order. Opening fills create a
// position and return the counter-order request to place; closing fills pop
// the position, realize pnl, and feed the risk governor. The processed-fill
// ring guarantees at-most-once handling when the same terminal event arrives
// via both the stream cache and the per-order query.
func (e *Engine) handleFilled(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder) *core.OrderRequest {
	e.mu.Lock()
	if !e.processedFills.Add(ord.ID) {
		e.mu.Unlock()
		return nil
	}
	if !ord.TryTransition(core.OrderFilled) {
		// Already terminal through another path.
		e.removePending(ord.ID)
		e.mu.Unlock()
		return nil
	}
	delta := exch.CumFilledQuantity.Sub(ord.FilledQuantity)
	if delta.IsNegative() {
		delta = decimal.Zero
	}
	if exch.CumFilledQuantity.IsPositive() {
		// Venues may fill short of the original quantity by a dust step.
		ord.FilledQuantity = exch.CumFilledQuantity
	} else {
		delta = ord.Quantity.Sub(ord.FilledQuantity)
		ord.FilledQuantity = ord.Quantity
	}
	if exch.AvgFillPrice.IsPositive() {
		ord.FilledPrice = exch.AvgFillPrice
	} else if ord.FilledPrice.IsZero() {
		ord.FilledPrice = ord.Price
	}
	e.removePending(ord.ID)
	e.mu.Unlock()

	fillPrice := ord.FilledPrice
	fillQty := ord.FilledQuantity

	telemetry.GetGlobalMetrics().IncOrdersFilled(ctx, e.cfg.Symbol, 1)
	e.bus.Publish(events.TopicOrderFilled, ord)

	if ord.IsOpening() {
		return e.handleOpeningFill(ctx, ord, exch, fillQty, fillPrice, delta)
	}
	e.handleClosingFill(ctx, ord, exch, fillQty, fillPrice, delta)
	return nil
}

// handleOpeningFill books the entry, persists the fill, and asks the
// strategy for the paired counter-order.
func (e *Engine) handleOpeningFill(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder, fillQty, fillPrice, delta decimal.Decimal) *core.OrderRequest {
	fee, closable := e.feeAndClosable(ctx, ord, exch, fillQty)

	pos := &core.PositionEntry{
		OpeningOrderID: ord.ID,
		Symbol:         ord.Symbol,
		Quantity:       closable,
		EntryPrice:     fillPrice,
		GridIndex:      ord.GridIndex,
		CreatedAt:      e.clock.Now(),
	}
	e.positions.Add(pos)

	e.recordTrade(ctx, ord, exch, delta, fillPrice, prorate(fee, delta, fillQty), nil)

	e.logger.Info("Opening order filled",
		"order_id", ord.ID,
		"side", ord.Side,
		"price", fillPrice,
		"quantity", fillQty,
		"grid_index", ord.GridIndex)
	e.notify(ctx, core.NotifyOrderFill, "Order filled",
		fmt.Sprintf("%s %s %s @ %s", ord.Side, fillQty, ord.Symbol, fillPrice))
	e.bus.Publish(events.TopicPositionOpened, pos)

	if pos.IsShort() && e.short != nil {
		return e.short.ShouldCloseShort(pos, closable)
	}
	return e.strategy.ShouldSell(pos, closable)
}

// handleClosingFill pops the paired position, computes the realized pnl and
// records the trade. Counters recovered without a known opening order close
// nothing but are still persisted.
func (e *Engine) handleClosingFill(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder, fillQty, fillPrice, delta decimal.Decimal) {
	var pos *core.PositionEntry
	if ord.RelatedOrderID != 0 {
		pos = e.positions.Remove(ord.RelatedOrderID)
	}

	var pnlPtr *decimal.Decimal
	if pos != nil {
		pnl := fillPrice.Sub(pos.EntryPrice).Mul(fillQty)
		if pos.IsShort() {
			pnl = pnl.Neg()
		}
		pnlPtr = &pnl

		e.risk.RecordTrade(pnl)
		pnlF, _ := pnl.Float64()
		telemetry.GetGlobalMetrics().AddRealizedPnL(ctx, e.cfg.Symbol, pnlF)
		e.bus.Publish(events.TopicPositionClosed, pos)

		e.logger.Info("Closing order filled",
			"order_id", ord.ID,
			"opening_order_id", pos.OpeningOrderID,
			"price", fillPrice,
			"quantity", fillQty,
			"pnl", pnl)
		e.notify(ctx, core.NotifyOrderFill, "Position closed",
			fmt.Sprintf("%s %s %s @ %s, pnl %s", ord.Side, fillQty, ord.Symbol, fillPrice, pnl))
	} else {
		e.logger.Warn("Closing fill without a tracked position",
			"order_id", ord.ID, "related_order_id", ord.RelatedOrderID)
		e.notify(ctx, core.NotifyOrderFill, "Order filled",
			fmt.Sprintf("%s %s %s @ %s", ord.Side, fillQty, ord.Symbol, fillPrice))
	}

	fee := e.reportedOrEstimatedFee(ctx, exch, delta, fillPrice)
	e.recordTrade(ctx, ord, exch, delta, fillPrice, fee, pnlPtr)
}

// handlePartialFill advances the order's fill bookkeeping and persists a
// delta-trade covering only the newly filled quantity. A cumulative fill
// that reaches the full quantity is left to the terminal path.
func (e *Engine) handlePartialFill(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder) {
	if exch.CumFilledQuantity.GreaterThanOrEqual(ord.Quantity) {
		return
	}

	e.mu.Lock()
	delta, changed := ord.ApplyFill(exch.CumFilledQuantity, exch.AvgFillPrice)
	e.mu.Unlock()
	if !changed || !delta.IsPositive() {
		return
	}

	fee := e.reportedOrEstimatedFee(ctx, exch, delta, ord.FilledPrice)
	e.recordTrade(ctx, ord, exch, delta, ord.FilledPrice, fee, nil)

	e.logger.Info("Partial fill",
		"order_id", ord.ID,
		"delta", delta,
		"cum_filled", ord.FilledQuantity,
		"quantity", ord.Quantity)
	e.bus.Publish(events.TopicOrderPartial, ord)
}

// handleCancelled removes an order the venue reports cancelled or failed.
// Any fill progress observed on the way out is persisted first.
func (e *Engine) handleCancelled(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder) {
	if exch.CumFilledQuantity.GreaterThan(ord.FilledQuantity) {
		e.handlePartialFill(ctx, ord, exch)
	}

	e.mu.Lock()
	ord.TryTransition(core.OrderCancelled)
	e.removePending(ord.ID)
	e.mu.Unlock()

	e.logger.Debug("Order cancelled on venue", "order_id", ord.ID, "status", exch.Status)
	e.bus.Publish(events.TopicOrderCancelled, ord)
}

// feeAndClosable derives the fee charged on an opening fill and the
// quantity that remains closable afterwards. Fees debited in an external
// token, or settled in the quote currency, leave the base inventory whole;
// base-currency fees shrink the counter-order.
func (e *Engine) feeAndClosable(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder, fillQty decimal.Decimal) (fee, closable decimal.Decimal) {
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	baseAsset, quoteAsset := "", ""
	if rules != nil {
		baseAsset, quoteAsset = rules.BaseAsset, rules.QuoteAsset
	}

	if exch.FeeMode(baseAsset, quoteAsset) == core.FeeExternalToken {
		return exch.FeeAmount, fillQty
	}

	if exch.FeeAmount.IsPositive() {
		if exch.FeeAsset == baseAsset && ord.Side == core.SideBuy {
			return exch.FeeAmount, fillQty.Sub(exch.FeeAmount)
		}
		// Quote-settled fee: inventory untouched.
		return exch.FeeAmount, fillQty
	}

	// No fee reported at all: assume the venue took its taker cut from the
	// received asset, the way spot venues do on buys.
	rate := e.feeRateValue(ctx)
	if ord.Side == core.SideBuy {
		fee = fillQty.Mul(rate)
		return fee, tradingutils.NetOfFee(fillQty, rate)
	}
	fee = fillQty.Mul(ord.FilledPrice).Mul(rate)
	return fee, fillQty
}

// reportedOrEstimatedFee is the fee for one fill delta: the venue's number
// when present, otherwise the taker rate applied to the delta's notional.
func (e *Engine) reportedOrEstimatedFee(ctx context.Context, exch *core.ExchangeOrder, delta, price decimal.Decimal) decimal.Decimal {
	if exch.FeeAmount.IsPositive() {
		return prorate(exch.FeeAmount, delta, exch.CumFilledQuantity)
	}
	return delta.Mul(price).Mul(e.feeRateValue(ctx))
}

// prorate splits total across part/whole, defending against a zero whole.
func prorate(total, part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() || part.GreaterThanOrEqual(whole) {
		return total
	}
	return total.Mul(part).Div(whole)
}

// recordTrade persists one fill (or fill delta). Sink failures are logged
// and dropped; a lost row must never stall the loop.
func (e *Engine) recordTrade(ctx context.Context, ord *core.Order, exch *core.ExchangeOrder, qty, price, fee decimal.Decimal, pnl *decimal.Decimal) {
	if e.sink == nil || !qty.IsPositive() {
		return
	}

	rec := &core.TradeRecord{
		StrategyID:     e.cfg.StrategyID,
		OrderID:        ord.ID,
		ClientOrderID:  ord.ClientOrderID,
		Symbol:         ord.Symbol,
		Side:           ord.Side,
		Price:          price,
		Quantity:       qty,
		Amount:         price.Mul(qty),
		Fee:            fee,
		Pnl:            pnl,
		GridIndex:      ord.GridIndex,
		RelatedOrderID: ord.RelatedOrderID,
		FillCursor:     exch.CumFilledQuantity.String(),
		CreatedAt:      e.clock.Now(),
	}
	if exch.FeePaidExternally {
		rec.RawOrderInfo = fmt.Sprintf(`{"fee_asset":%q,"fee_paid_externally":true}`, exch.FeeAsset)
	}

	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	if _, err := e.sink.Save(cctx, rec); err != nil {
		e.logger.Error("Trade sink save failed, record dropped",
			"order_id", ord.ID, "side", ord.Side, "error", err)
		telemetry.GetGlobalMetrics().IncTradeSinkFailures(ctx, e.cfg.Symbol)
	}
}
