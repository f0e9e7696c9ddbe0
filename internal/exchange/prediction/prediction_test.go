package prediction

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfleet/internal/core"
	"gridfleet/internal/logging"
	"gridfleet/internal/stream"
	apperrors "gridfleet/pkg/errors"
	"gridfleet/pkg/httpclient"
)

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, Period15m, p)

	p, err = ParsePeriod("1d")
	require.NoError(t, err)
	assert.Equal(t, Period1d, p)

	_, err = ParsePeriod("42s")
	assert.Error(t, err)
}

func TestAlignStartIntraday(t *testing.T) {
	at := time.Date(2026, 8, 25, 10, 7, 33, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC), Period5m.alignStart(at))
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), Period15m.alignStart(at))
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), Period1h.alignStart(at))
}

func TestDailyBoundsFollowNewYork(t *testing.T) {
	// 03:30 UTC on Jan 2 is still the evening of Jan 1 in New York
	at := time.Date(2026, 1, 2, 3, 30, 0, 0, time.UTC)

	start := Period1d.alignStart(at)
	assert.True(t, start.Equal(time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)),
		"daily period should start at eastern midnight, got %s", start)

	end := Period1d.periodEnd(start)
	assert.True(t, end.Equal(time.Date(2026, 1, 2, 5, 0, 0, 0, time.UTC)),
		"daily period should end at next eastern midnight, got %s", end)

	assert.Equal(t, "btc-updown-daily-2026-01-01", marketSlug("BTC", Period1d, start))
}

func TestMarketSlugIntraday(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)
	want := fmt.Sprintf("btc-updown-15m-%d", start.Unix())
	assert.Equal(t, want, marketSlug("btc", Period15m, start))
}

func TestParseSymbol(t *testing.T) {
	asset, outcome, err := parseSymbol("btc-Up")
	require.NoError(t, err)
	assert.Equal(t, "btc", asset)
	assert.Equal(t, "Up", outcome)

	_, _, err = parseSymbol("btc-Sideways")
	assert.Error(t, err)

	_, _, err = parseSymbol("nodash")
	assert.Error(t, err)
}

func TestCloseBuffers(t *testing.T) {
	assert.Equal(t, 60*time.Second, Period5m.CloseBuffer())
	assert.Equal(t, time.Duration(0), Period15m.CloseBuffer())
	assert.Equal(t, 60*time.Second, Period1h.CloseBuffer())
	assert.Equal(t, 1800*time.Second, Period1d.CloseBuffer())
}

func TestVenueOrderIDFolding(t *testing.T) {
	a := venueOrderID("0x1234abcd")
	b := venueOrderID("0x1234abcd")
	c := venueOrderID("0x1234abce")

	assert.Equal(t, a, b, "same venue id must fold to the same int")
	assert.NotEqual(t, a, c)
	assert.Positive(t, a)
	assert.Positive(t, c)
}

func TestMapVenueStatus(t *testing.T) {
	ten := decimal.NewFromInt(10)
	four := decimal.NewFromInt(4)

	assert.Equal(t, core.OrderPlaced, mapVenueStatus("LIVE", ten, decimal.Zero))
	assert.Equal(t, core.OrderPartiallyFilled, mapVenueStatus("LIVE", ten, four))
	assert.Equal(t, core.OrderPartiallyFilled, mapVenueStatus("MATCHED", ten, four))
	assert.Equal(t, core.OrderFilled, mapVenueStatus("MATCHED", ten, ten))
	assert.Equal(t, core.OrderCancelled, mapVenueStatus("canceled", ten, decimal.Zero))
	assert.Equal(t, core.OrderCancelled, mapVenueStatus("EXPIRED", ten, decimal.Zero))
	assert.Equal(t, core.OrderFailed, mapVenueStatus("REJECTED", ten, decimal.Zero))
	assert.Equal(t, core.OrderPlaced, mapVenueStatus("SOMETHING_NEW", ten, decimal.Zero))
}

func TestDecodeMarkets(t *testing.T) {
	_, err := decodeMarkets([]byte(`[]`))
	assert.ErrorIs(t, err, errMarketNotFound)

	body := `[{
		"condition_id": "0xcond",
		"slug": "btc-updown-15m-1756116000",
		"end_date_iso": "2026-08-25T10:15:00Z",
		"minimum_tick_size": "0.01",
		"closed": false,
		"tokens": [
			{"token_id": "111", "outcome": "Up"},
			{"token_id": "222", "outcome": "Down"}
		]
	}]`
	info, err := decodeMarkets([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "0xcond", info.ConditionID)
	assert.Equal(t, "111", info.Token("Up"))
	assert.Equal(t, "222", info.Token("Down"))
	assert.True(t, info.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC), info.EndDate.UTC())
}

func TestClobSignerHeaders(t *testing.T) {
	signer := &clobSigner{apiKey: "key-1", apiSecret: "topsecret", passphrase: "phrase"}

	payload := []byte(`{"token_id":"111"}`)
	req, err := http.NewRequest(http.MethodPost, "https://clob.example.com/order", bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req))

	assert.Equal(t, "key-1", req.Header.Get("POLY_API_KEY"))
	assert.Equal(t, "phrase", req.Header.Get("POLY_PASSPHRASE"))

	ts := req.Header.Get("POLY_TIMESTAMP")
	require.NotEmpty(t, ts)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(ts + "POST" + "/order" + string(payload)))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, req.Header.Get("POLY_SIGNATURE"))
}

func TestSplitEvents(t *testing.T) {
	single := splitEvents([]byte(`{"event_type":"book"}`))
	require.Len(t, single, 1)

	batch := splitEvents([]byte(`[{"event_type":"book"},{"event_type":"order"}]`))
	require.Len(t, batch, 2)
	assert.Contains(t, string(batch[1]), "order")
}

func newBareMarketStream() *marketStream {
	return newMarketStream("key", "secret", "phrase", logging.GetGlobalLogger())
}

func TestHandleMarketMessage(t *testing.T) {
	s := newBareMarketStream()

	s.handleMarketMessage([]byte(`{
		"event_type": "book",
		"asset_id": "111",
		"market": "0xcond",
		"bids": [{"price":"0.52","size":"10"},{"price":"0.54","size":"5"}],
		"asks": [{"price":"0.58","size":"7"},{"price":"0.56","size":"3"}]
	}`))

	quote, ok := s.prices.Get("111")
	require.True(t, ok)
	assert.True(t, quote.Bid.Equal(decimal.RequireFromString("0.54")), "best bid is the highest")
	assert.True(t, quote.Ask.Equal(decimal.RequireFromString("0.56")), "best ask is the lowest")

	// non-book events leave the cache alone
	s.handleMarketMessage([]byte(`{"event_type":"price_change","asset_id":"999"}`))
	_, ok = s.prices.Get("999")
	assert.False(t, ok)
}

func TestHandleUserMessage(t *testing.T) {
	s := newBareMarketStream()
	s.Subscribe("111", "btc-Up", "0xcond")

	s.handleUserMessage([]byte(`[{
		"event_type": "order",
		"id": "ord-7",
		"asset_id": "111",
		"market": "0xcond",
		"side": "BUY",
		"price": "0.55",
		"original_size": "20",
		"size_matched": "20",
		"status": "MATCHED",
		"client_id": "grid-1"
	}]`))

	ord, ok := s.orders.Get(venueOrderID("ord-7"))
	require.True(t, ok)
	assert.Equal(t, "btc-Up", ord.Symbol)
	assert.Equal(t, core.OrderFilled, ord.Status)
	assert.Equal(t, core.SideBuy, ord.Side)
	assert.True(t, ord.CumFilledQuantity.Equal(decimal.NewFromInt(20)))
	assert.True(t, ord.FeePaidExternally)
}

func TestStreamSwapReplacesSubscriptions(t *testing.T) {
	s := newBareMarketStream()
	s.Subscribe("111", "btc-Up", "0xcond-a")
	s.prices.Update("111", decimal.RequireFromString("0.5"), decimal.RequireFromString("0.52"))

	s.Swap("111", "0xcond-a", "333", "btc-Up", "0xcond-b")

	_, ok := s.prices.Get("111")
	assert.False(t, ok, "retired token quote should be dropped")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.tokens, "111")
	assert.Contains(t, s.tokens, "333")
	assert.NotContains(t, s.markets, "0xcond-a")
	assert.Contains(t, s.markets, "0xcond-b")
	assert.Equal(t, "btc-Up", s.tokenSymbol["333"])
}

// fakeVenue stands in for both venue HTTP surfaces.
type fakeVenue struct {
	mu         sync.Mutex
	markets    map[string]string // slug to response body
	balance    string
	openOrders string
	orderByID  map[string]string

	placed    []placeOrderRequest
	cancelled []string
	nextOrd   int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		markets:   make(map[string]string),
		balance:   "0",
		orderByID: make(map[string]string),
		nextOrd:   1,
	}
}

func (f *fakeVenue) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/markets":
			body, ok := f.markets[r.URL.Query().Get("slug")]
			if !ok {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprint(w, body)

		case r.URL.Path == "/order" && r.Method == http.MethodPost:
			var req placeOrderRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.placed = append(f.placed, req)
			id := fmt.Sprintf("ord-%d", f.nextOrd)
			f.nextOrd++
			fmt.Fprintf(w, `{"success":true,"orderID":%q,"status":"LIVE"}`, id)

		case r.URL.Path == "/order" && r.Method == http.MethodDelete:
			f.cancelled = append(f.cancelled, r.URL.Query().Get("id"))
			fmt.Fprint(w, `{}`)

		case r.URL.Path == "/data/orders":
			if f.openOrders == "" {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprint(w, f.openOrders)

		case strings.HasPrefix(r.URL.Path, "/data/order/"):
			body, ok := f.orderByID[strings.TrimPrefix(r.URL.Path, "/data/order/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":"order not found"}`)
				return
			}
			fmt.Fprint(w, body)

		case r.URL.Path == "/midpoint":
			fmt.Fprint(w, `{"mid":"0.55"}`)

		case r.URL.Path == "/balance-allowance":
			fmt.Fprintf(w, `{"balance":%q}`, f.balance)

		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"no such route"}`)
		}
	})
}

func marketBody(conditionID, slug string, end time.Time, upToken, downToken string) string {
	return fmt.Sprintf(`[{
		"condition_id": %q,
		"slug": %q,
		"end_date_iso": %q,
		"minimum_tick_size": "0.01",
		"tokens": [
			{"token_id": %q, "outcome": "Up"},
			{"token_id": %q, "outcome": "Down"}
		]
	}]`, conditionID, slug, end.Format(time.RFC3339), upToken, downToken)
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

// newTestAdapter builds an adapter against the fake venue without touching
// the stream registry or the background rollover loop.
func newTestAdapter(t *testing.T, venue *fakeVenue, clock *fakeClock, period Period) *Adapter {
	t.Helper()

	srv := httptest.NewServer(venue.handler())
	t.Cleanup(srv.Close)

	logger := logging.GetGlobalLogger()
	rest := &restClient{
		meta: httpclient.NewClient(srv.URL, 5*time.Second, nil),
		clob: httpclient.NewClient(srv.URL, 5*time.Second, &clobSigner{
			apiKey: "key", apiSecret: "secret", passphrase: "phrase",
		}),
		logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := &Adapter{
		info: core.ExchangeInfo{
			ID:   "polymarket-" + string(period),
			Name: "Polymarket",
			Type: core.MarketPrediction,
		},
		symbol:       "btc-Up",
		asset:        "btc",
		outcome:      "Up",
		period:       period,
		logger:       logger,
		rest:         rest,
		gate:         stream.NewReconcileGate(0, 0),
		stream:       newBareMarketStream(),
		idMap:        make(map[int64]string),
		periodOrders: make(map[int64]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		now:          clock.Now,
		retryEvery:   time.Millisecond,
	}
	return a
}

func TestRolloverSwitchesToNextContract(t *testing.T) {
	periodStart := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{at: periodStart.Add(245 * time.Second)} // 55s before close

	venue := newFakeVenue()
	slugA := marketSlug("btc", Period5m, periodStart)
	slugB := marketSlug("btc", Period5m, periodStart.Add(5*time.Minute))
	venue.markets[slugA] = marketBody("0xcond-a", slugA, periodStart.Add(5*time.Minute), "tokA", "tokA-down")
	venue.markets[slugB] = marketBody("0xcond-b", slugB, periodStart.Add(10*time.Minute), "tokB", "tokB-down")
	venue.balance = "40"
	venue.openOrders = `[
		{"id":"buy-1","status":"LIVE","market":"0xcond-a","asset_id":"tokA","side":"BUY","price":"0.50","original_size":"10","size_matched":"0"},
		{"id":"sell-1","status":"LIVE","market":"0xcond-a","asset_id":"tokA","side":"SELL","price":"0.60","original_size":"10","size_matched":"0"}
	]`

	a := newTestAdapter(t, venue, clock, Period5m)
	marketA, err := a.resolveMarket(context.Background(), periodStart)
	require.NoError(t, err)
	a.adoptMarket(marketA)
	a.stream.Subscribe("tokA", "btc-Up", "0xcond-a")

	buyID := venueOrderID("buy-1")
	a.rememberOrder(buyID, "buy-1")
	a.stream.Orders().Merge(&core.ExchangeOrder{
		OrderID: buyID, Symbol: "btc-Up", Side: core.SideBuy,
		Price:        decimal.RequireFromString("0.50"),
		OrigQuantity: decimal.NewFromInt(10),
		Status:       core.OrderPlaced,
	})

	var switchedOld, switchedNew string
	a.SetOnMarketSwitch(func(oldToken, newToken string) {
		switchedOld, switchedNew = oldToken, newToken
	})

	a.maybeRollover()

	assert.Equal(t, "tokA", switchedOld)
	assert.Equal(t, "tokB", switchedNew)
	assert.Equal(t, "tokB", a.currentToken())
	assert.Equal(t, stateActive, a.currentState())

	venue.mu.Lock()
	cancelled := append([]string(nil), venue.cancelled...)
	placed := append([]placeOrderRequest(nil), venue.placed...)
	venue.mu.Unlock()

	assert.Equal(t, []string{"buy-1"}, cancelled, "only the resting buy is cancelled")
	require.Len(t, placed, 1, "one liquidation order expected")
	assert.Equal(t, "tokA", placed[0].TokenID)
	assert.Equal(t, "SELL", placed[0].Side)
	assert.Equal(t, "FAK", placed[0].Type)
	assert.Equal(t, "0.01", placed[0].Price, "liquidation prices at the floor to cross")
	assert.Equal(t, "40", placed[0].Size)

	_, ok := a.stream.Orders().Get(buyID)
	assert.False(t, ok, "retired period orders leave the cache")
	a.stateMu.Lock()
	assert.Empty(t, a.periodOrders)
	assert.Empty(t, a.idMap)
	a.stateMu.Unlock()
}

func TestRolloverFallsBackToCurrentContract(t *testing.T) {
	periodStart := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{at: periodStart.Add(245 * time.Second)}

	venue := newFakeVenue()
	slugA := marketSlug("btc", Period5m, periodStart)
	// the next period's slug never resolves; the current one still does
	venue.markets[slugA] = marketBody("0xcond-a", slugA, periodStart.Add(5*time.Minute), "tokA", "tokA-down")

	a := newTestAdapter(t, venue, clock, Period5m)
	marketA, err := a.resolveMarket(context.Background(), periodStart)
	require.NoError(t, err)
	a.adoptMarket(marketA)

	switched := false
	a.SetOnMarketSwitch(func(oldToken, newToken string) { switched = true })

	a.maybeRollover()

	assert.Equal(t, stateActive, a.currentState(), "failed rollover must return to active")
	assert.Equal(t, "tokA", a.currentToken(), "token unchanged when only the current period resolves")
	assert.False(t, switched)
}

func TestPlaceRejectsOpeningWhileClosing(t *testing.T) {
	periodStart := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{at: periodStart.Add(time.Minute)}

	venue := newFakeVenue()
	slugA := marketSlug("btc", Period5m, periodStart)
	venue.markets[slugA] = marketBody("0xcond-a", slugA, periodStart.Add(5*time.Minute), "tokA", "tokA-down")

	a := newTestAdapter(t, venue, clock, Period5m)
	marketA, err := a.resolveMarket(context.Background(), periodStart)
	require.NoError(t, err)
	a.adoptMarket(marketA)
	a.setState(stateClosingSoon)

	results, err := a.PlaceBatchOrders(context.Background(), []core.OrderRequest{
		{ClientOrderID: "open-1", Symbol: "btc-Up", Side: core.SideBuy,
			Price: decimal.RequireFromString("0.50"), Quantity: decimal.NewFromInt(10), GridIndex: 1},
		{ClientOrderID: "close-1", Symbol: "btc-Up", Side: core.SideSell,
			Price: decimal.RequireFromString("0.60"), Quantity: decimal.NewFromInt(5), GridIndex: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.ErrorIs(t, results[0].Err, apperrors.ErrMarketClosing)
	assert.True(t, results[0].SilenceNotify, "rollover rejections must not page anyone")
	assert.Equal(t, core.OrderFailed, results[0].State)

	require.NoError(t, results[1].Err, "closing orders still pass through")
	assert.Equal(t, core.OrderPlaced, results[1].State)
	assert.Positive(t, results[1].OrderID)
}

func TestAlignPriceClampsToQuoteBand(t *testing.T) {
	venue := newFakeVenue()
	clock := &fakeClock{at: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	a := newTestAdapter(t, venue, clock, Period5m)

	a.adoptMarket(&MarketInfo{
		ConditionID: "0xcond",
		TickSize:    decimal.RequireFromString("0.01"),
		Tokens:      map[string]string{"Up": "tokA"},
		EndDate:     clock.Now().Add(time.Hour),
	})

	assert.Equal(t, "0.01", a.AlignPrice(decimal.RequireFromString("0.005")).String())
	assert.Equal(t, "0.99", a.AlignPrice(decimal.RequireFromString("0.997")).String())
	assert.Equal(t, "0.52", a.AlignPrice(decimal.RequireFromString("0.523")).String())
	assert.Equal(t, "0.5", a.AlignPrice(decimal.RequireFromString("0.5")).String())
}

func TestEditReplacesRestingOrder(t *testing.T) {
	venue := newFakeVenue()
	clock := &fakeClock{at: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	a := newTestAdapter(t, venue, clock, Period5m)
	a.adoptMarket(&MarketInfo{
		ConditionID: "0xcond",
		TickSize:    decimal.RequireFromString("0.01"),
		Tokens:      map[string]string{"Up": "tokA"},
		EndDate:     clock.Now().Add(time.Hour),
	})

	results, err := a.PlaceBatchOrders(context.Background(), []core.OrderRequest{
		{ClientOrderID: "grid-3", Symbol: "btc-Up", Side: core.SideBuy,
			Price: decimal.RequireFromString("0.50"), Quantity: decimal.NewFromInt(10), GridIndex: 3},
	})
	require.NoError(t, err)
	placedID := results[0].OrderID

	edits, err := a.EditBatchOrders(context.Background(), []core.EditOrderRequest{
		{OrderID: placedID, NewPrice: decimal.RequireFromString("0.47")},
	})
	require.NoError(t, err)
	require.Len(t, edits, 1)
	require.NoError(t, edits[0].Err)
	assert.Positive(t, edits[0].NewOrderID)
	assert.NotEqual(t, placedID, edits[0].NewOrderID)

	venue.mu.Lock()
	defer venue.mu.Unlock()
	assert.Equal(t, []string{"ord-1"}, venue.cancelled)
	require.Len(t, venue.placed, 2)
	assert.Equal(t, "0.47", venue.placed[1].Price)
	assert.Equal(t, "10", venue.placed[1].Size)

	cached, ok := a.stream.Orders().Get(placedID)
	require.True(t, ok)
	assert.Equal(t, core.OrderCancelled, cached.Status)
}

func TestGetOrderFoldsVenueID(t *testing.T) {
	venue := newFakeVenue()
	venue.orderByID["ord-9"] = `{
		"id":"ord-9","status":"MATCHED","market":"0xcond","asset_id":"tokA",
		"side":"BUY","price":"0.55","original_size":"20","size_matched":"20","client_id":"grid-2"
	}`
	clock := &fakeClock{at: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	a := newTestAdapter(t, venue, clock, Period5m)

	folded := venueOrderID("ord-9")
	a.rememberOrder(folded, "ord-9")

	ord, err := a.GetOrder(context.Background(), folded)
	require.NoError(t, err)
	require.NotNil(t, ord)
	assert.Equal(t, folded, ord.OrderID)
	assert.Equal(t, core.OrderFilled, ord.Status)
	assert.Equal(t, "grid-2", ord.ClientOrderID)

	// unknown ids with no venue mapping stay unknown
	missing, err := a.GetOrder(context.Background(), 123456)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOpenOrdersReconcileThenCache(t *testing.T) {
	venue := newFakeVenue()
	venue.openOrders = `[
		{"id":"buy-1","status":"LIVE","market":"0xcond-a","asset_id":"tokA","side":"BUY","price":"0.50","original_size":"10","size_matched":"0"}
	]`
	clock := &fakeClock{at: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	a := newTestAdapter(t, venue, clock, Period5m)
	a.adoptMarket(&MarketInfo{
		ConditionID: "0xcond-a",
		TickSize:    decimal.RequireFromString("0.01"),
		Tokens:      map[string]string{"Up": "tokA"},
		EndDate:     clock.Now().Add(time.Hour),
	})

	first, err := a.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, venueOrderID("buy-1"), first[0].OrderID)

	// the gate holds the next calls to the stream cache
	second, err := a.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].OrderID, second[0].OrderID)
}

func TestTickerPriceFallsBackToRest(t *testing.T) {
	venue := newFakeVenue()
	clock := &fakeClock{at: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	a := newTestAdapter(t, venue, clock, Period5m)
	a.adoptMarket(&MarketInfo{
		ConditionID: "0xcond",
		TickSize:    decimal.RequireFromString("0.01"),
		Tokens:      map[string]string{"Up": "tokA"},
		EndDate:     clock.Now().Add(time.Hour),
	})

	mid, err := a.TickerPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.55", mid.String())

	// the fetched mid now serves from the stream cache
	cached, ok := a.stream.Prices().Mid("tokA")
	require.True(t, ok)
	assert.True(t, cached.Equal(mid))
}
