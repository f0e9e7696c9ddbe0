package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewClientOrderID builds a venue-safe client order id. The tag and grid
// index keep ids greppable in venue exports; the uuid tail keeps them unique
// across engine restarts. Stays under the common 36-char venue limit.
func NewClientOrderID(tag string, gridIndex int) string {
	return fmt.Sprintf("%s%d-%s", tag, gridIndex, uuid.NewString()[:13])
}

// allowedTransitions is the order state machine. Anything not listed is
// rejected. PartiallyFilled self-loops so repeated partial fills keep the
// UpdatedAt bookkeeping honest.
var allowedTransitions = map[OrderState][]OrderState{
	OrderPending:         {OrderPlaced, OrderFailed},
	OrderPlaced:          {OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// CanTransition reports whether moving from one state to the other is legal
func CanTransition(from, to OrderState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TryTransition moves the order to the target state if the state machine
// allows it. Illegal transitions leave the order untouched and return false.
// Callers serialize transitions per order (the engine mutex).
func (o *Order) TryTransition(to OrderState) bool {
	if !CanTransition(o.State, to) {
		return false
	}
	o.State = to
	o.UpdatedAt = time.Now()
	return true
}

// ApplyFill records fill progress reported by the venue and performs the
// matching transition. Returns the newly filled delta quantity and whether
// the update changed anything.
func (o *Order) ApplyFill(cumQty, avgPrice decimal.Decimal) (delta decimal.Decimal, changed bool) {
	if cumQty.LessThanOrEqual(o.FilledQuantity) {
		return decimal.Zero, false
	}
	delta = cumQty.Sub(o.FilledQuantity)

	var target OrderState
	if cumQty.GreaterThanOrEqual(o.Quantity) {
		target = OrderFilled
	} else {
		target = OrderPartiallyFilled
	}
	if !o.TryTransition(target) {
		return decimal.Zero, false
	}
	o.FilledQuantity = cumQty
	if avgPrice.IsPositive() {
		o.FilledPrice = avgPrice
	} else if o.FilledPrice.IsZero() {
		o.FilledPrice = o.Price
	}
	return delta, true
}
