package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/core"
	"gridfleet/internal/logging"
	apperrors "gridfleet/pkg/errors"
)

func newRequest(clientID string) core.OrderRequest {
	return core.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		Price:         decimal.NewFromInt(100),
		Quantity:      decimal.RequireFromString("0.01"),
		GridIndex:     1,
	}
}

// Duplicate client order ids must return the original order, not a new one.
func TestIdempotentClientOrderID(t *testing.T) {
	ex := New("BTCUSDT", logging.GetGlobalLogger())
	ctx := context.Background()

	first, err := ex.PlaceBatchOrders(ctx, []core.OrderRequest{newRequest("client-123")})
	require.NoError(t, err)
	second, err := ex.PlaceBatchOrders(ctx, []core.OrderRequest{newRequest("client-123")})
	require.NoError(t, err)

	assert.Equal(t, first[0].OrderID, second[0].OrderID)

	open, err := ex.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestSimulateFillTransitionsState(t *testing.T) {
	ex := New("BTCUSDT", logging.GetGlobalLogger())
	ctx := context.Background()

	results, err := ex.PlaceBatchOrders(ctx, []core.OrderRequest{newRequest("c1")})
	require.NoError(t, err)
	id := results[0].OrderID

	ex.SimulateFill(id, decimal.RequireFromString("0.004"), decimal.NewFromInt(100))
	ord, err := ex.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OrderPartiallyFilled, ord.Status)

	ex.SimulateFill(id, decimal.RequireFromString("0.01"), decimal.NewFromInt(100))
	ord, err = ex.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, ord.Status)
	assert.True(t, ord.CumFilledQuantity.Equal(decimal.RequireFromString("0.01")))
}

func TestCancelUnknownOrder(t *testing.T) {
	ex := New("BTCUSDT", logging.GetGlobalLogger())

	results, err := ex.CancelBatchOrders(context.Background(), []int64{99999})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, apperrors.ErrOrderNotFound)
}

func TestEditCreatesReplacement(t *testing.T) {
	ex := New("BTCUSDT", logging.GetGlobalLogger())
	ctx := context.Background()

	results, err := ex.PlaceBatchOrders(ctx, []core.OrderRequest{newRequest("c2")})
	require.NoError(t, err)
	id := results[0].OrderID

	edits, err := ex.EditBatchOrders(ctx, []core.EditOrderRequest{
		{OrderID: id, NewPrice: decimal.NewFromInt(99)},
	})
	require.NoError(t, err)
	require.NoError(t, edits[0].Err)
	assert.NotEqual(t, id, edits[0].NewOrderID)

	old, err := ex.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, old.Status)

	replacement, err := ex.GetOrder(ctx, edits[0].NewOrderID)
	require.NoError(t, err)
	assert.True(t, replacement.Price.Equal(decimal.NewFromInt(99)))
}

func TestUnknownOrderIsNilNil(t *testing.T) {
	ex := New("BTCUSDT", logging.GetGlobalLogger())

	ord, err := ex.GetOrder(context.Background(), 424242)
	require.NoError(t, err)
	assert.Nil(t, ord)
}
