package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btcRules() *TradingRules {
	return &TradingRules{
		Symbol:        "BTCUSDT",
		BaseAsset:     "BTC",
		QuoteAsset:    "USDT",
		TickSize:      decimal.NewFromFloat(0.01),
		PriceDecimals: 2,
		StepSize:      decimal.NewFromFloat(0.001),
		QtyDecimals:   3,
		MinNotional:   decimal.NewFromInt(5),
	}
}

func TestTradingRules_AlignPrice(t *testing.T) {
	r := btcRules()

	cases := []struct {
		in, want string
	}{
		{"100.495", "100.49"},
		{"100.4999", "100.49"},
		{"100.49", "100.49"},
		{"0.019", "0.01"},
		{"100", "100"},
	}
	for _, tc := range cases {
		in := decimal.RequireFromString(tc.in)
		want := decimal.RequireFromString(tc.want)
		got := r.AlignPrice(in)
		assert.True(t, got.Equal(want), "align(%s) = %s, want %s", tc.in, got, tc.want)
	}
}

func TestTradingRules_AlignIsIdempotent(t *testing.T) {
	r := btcRules()
	for _, raw := range []string{"123.4567", "0.015", "99999.999999", "7"} {
		p := decimal.RequireFromString(raw)
		once := r.AlignPrice(p)
		twice := r.AlignPrice(once)
		assert.True(t, once.Equal(twice), "price align not idempotent for %s", raw)

		q1 := r.AlignQuantity(p)
		q2 := r.AlignQuantity(q1)
		assert.True(t, q1.Equal(q2), "quantity align not idempotent for %s", raw)
	}
}

func TestTradingRules_AlignQuantityFloors(t *testing.T) {
	r := btcRules()
	got := r.AlignQuantity(decimal.RequireFromString("0.01099"))
	assert.True(t, got.Equal(decimal.RequireFromString("0.01")), "got %s", got)
}

func TestTradingRules_ValidateOrder(t *testing.T) {
	r := btcRules()

	require.NoError(t, r.ValidateOrder(decimal.NewFromInt(100), decimal.NewFromFloat(0.1)))

	err := r.ValidateOrder(decimal.NewFromInt(100), decimal.NewFromFloat(0.001))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notional")

	assert.Error(t, r.ValidateOrder(decimal.Zero, decimal.NewFromInt(1)))
	assert.Error(t, r.ValidateOrder(decimal.NewFromInt(1), decimal.Zero))
}

func TestPositionEntry_Pnl(t *testing.T) {
	long := &PositionEntry{
		OpeningOrderID: 1,
		Quantity:       decimal.NewFromFloat(0.5),
		EntryPrice:     decimal.NewFromInt(100),
		GridIndex:      1,
	}
	assert.True(t, long.UnrealizedPnl(decimal.NewFromInt(110)).Equal(decimal.NewFromInt(5)))
	assert.True(t, long.UnrealizedPnl(decimal.NewFromInt(90)).Equal(decimal.NewFromInt(-5)))
	assert.True(t, long.Cost().Equal(decimal.NewFromInt(50)))

	short := &PositionEntry{
		OpeningOrderID: 2,
		Quantity:       decimal.NewFromFloat(0.5),
		EntryPrice:     decimal.NewFromInt(100),
		GridIndex:      -1,
	}
	assert.True(t, short.UnrealizedPnl(decimal.NewFromInt(90)).Equal(decimal.NewFromInt(5)))
	assert.True(t, short.UnrealizedPnl(decimal.NewFromInt(110)).Equal(decimal.NewFromInt(-5)))
}

func TestExchangeOrder_FeeMode(t *testing.T) {
	eo := &ExchangeOrder{FeeAsset: "BTC"}
	assert.Equal(t, FeeInternalQuote, eo.FeeMode("BTC", "USDT"))

	eo = &ExchangeOrder{FeeAsset: "USDT"}
	assert.Equal(t, FeeInternalQuote, eo.FeeMode("BTC", "USDT"))

	eo = &ExchangeOrder{FeeAsset: "BNB"}
	assert.Equal(t, FeeExternalToken, eo.FeeMode("BTC", "USDT"))

	eo = &ExchangeOrder{FeePaidExternally: true, FeeAsset: "USDT"}
	assert.Equal(t, FeeExternalToken, eo.FeeMode("BTC", "USDT"))

	eo = &ExchangeOrder{}
	assert.Equal(t, FeeInternalQuote, eo.FeeMode("BTC", "USDT"))
}
