package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrder_TransitionTable(t *testing.T) {
	cases := []struct {
		from, to OrderState
		ok       bool
	}{
		{OrderPending, OrderPlaced, true},
		{OrderPending, OrderFailed, true},
		{OrderPending, OrderFilled, false},
		{OrderPending, OrderCancelled, false},
		{OrderPlaced, OrderPartiallyFilled, true},
		{OrderPlaced, OrderFilled, true},
		{OrderPlaced, OrderCancelled, true},
		{OrderPlaced, OrderFailed, false},
		{OrderPlaced, OrderPending, false},
		{OrderPartiallyFilled, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderPartiallyFilled, OrderCancelled, true},
		{OrderPartiallyFilled, OrderPlaced, false},
		{OrderFilled, OrderCancelled, false},
		{OrderFilled, OrderPlaced, false},
		{OrderCancelled, OrderPlaced, false},
		{OrderFailed, OrderPlaced, false},
	}

	for _, tc := range cases {
		o := &Order{ID: 1, State: tc.from}
		got := o.TryTransition(tc.to)
		if got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
		if !tc.ok && o.State != tc.from {
			t.Errorf("%s -> %s: rejected transition mutated state to %s", tc.from, tc.to, o.State)
		}
		if tc.ok && o.State != tc.to {
			t.Errorf("%s -> %s: state not applied", tc.from, tc.to)
		}
	}
}

func TestOrder_ApplyFill(t *testing.T) {
	o := &Order{
		ID:       7,
		State:    OrderPlaced,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(10),
	}

	delta, changed := o.ApplyFill(decimal.NewFromInt(4), decimal.NewFromInt(100))
	if !changed || !delta.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("first partial: delta=%s changed=%v", delta, changed)
	}
	if o.State != OrderPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", o.State)
	}

	// Same cumulative quantity again is a no-op
	delta, changed = o.ApplyFill(decimal.NewFromInt(4), decimal.NewFromInt(100))
	if changed || !delta.IsZero() {
		t.Fatalf("duplicate partial: delta=%s changed=%v", delta, changed)
	}

	delta, changed = o.ApplyFill(decimal.NewFromInt(10), decimal.NewFromInt(101))
	if !changed || !delta.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("final fill: delta=%s changed=%v", delta, changed)
	}
	if o.State != OrderFilled {
		t.Fatalf("expected filled, got %s", o.State)
	}
	if !o.FilledPrice.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("filled price not applied: %s", o.FilledPrice)
	}

	// Terminal orders reject further fills
	_, changed = o.ApplyFill(decimal.NewFromInt(11), decimal.NewFromInt(101))
	if changed {
		t.Fatal("fill applied to terminal order")
	}
}

func TestOrder_IsOpening(t *testing.T) {
	cases := []struct {
		side Side
		idx  int
		want bool
	}{
		{SideBuy, 1, true},
		{SideSell, 1, false},
		{SideSell, -1, true},
		{SideBuy, -1, false},
		{SideBuy, 0, false},
		{SideSell, 0, false},
	}
	for _, tc := range cases {
		o := &Order{Side: tc.side, GridIndex: tc.idx}
		if o.IsOpening() != tc.want {
			t.Errorf("side=%s idx=%d: want %v", tc.side, tc.idx, tc.want)
		}
	}
}
