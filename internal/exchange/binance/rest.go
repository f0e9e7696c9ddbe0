// Package binance implements the spot and futures venue adapter.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	apperrors "gridfleet/pkg/errors"
	"gridfleet/pkg/httpclient"
)

const (
	spotBaseURL       = "https://api.binance.com"
	spotTestnetURL    = "https://testnet.binance.vision"
	futuresBaseURL    = "https://fapi.binance.com"
	futuresTestnetURL = "https://testnet.binancefuture.com"

	spotWSBase        = "wss://stream.binance.com:9443/ws"
	spotTestnetWSBase = "wss://stream.testnet.binance.vision/ws"

	defaultRecvWindow = 5000
	batchChunkSize    = 5
)

// signer adds the API key header and an HMAC-SHA256 signature over the query
// string, the way the venue authenticates requests.
type signer struct {
	apiKey    string
	apiSecret string
}

func (s *signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.Itoa(defaultRecvWindow))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()

	return nil
}

// restClient wraps the venue REST API for one market type. Spot and futures
// expose near-identical endpoints under different prefixes.
type restClient struct {
	http       *httpclient.Client
	marketType core.MarketType
	logger     core.ILogger
}

func newRESTClient(marketType core.MarketType, apiKey, apiSecret string, testnet bool, logger core.ILogger) *restClient {
	baseURL := spotBaseURL
	if marketType == core.MarketFutures {
		baseURL = futuresBaseURL
		if testnet {
			baseURL = futuresTestnetURL
		}
	} else if testnet {
		baseURL = spotTestnetURL
	}

	client := httpclient.NewClient(baseURL, 10*time.Second, &signer{apiKey: apiKey, apiSecret: apiSecret})
	client.SetRateLimit(10, 20)

	return &restClient{
		http:       client,
		marketType: marketType,
		logger:     logger,
	}
}

func (c *restClient) prefix() string {
	if c.marketType == core.MarketFutures {
		return "/fapi/v1"
	}
	return "/api/v3"
}

// mapAPIError converts the venue's numeric error codes into sentinel errors
// the rest of the system classifies on.
func mapAPIError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if jsonErr := json.Unmarshal(apiErr.Body, &errResp); jsonErr != nil {
		return err
	}

	switch errResp.Code {
	case -2015, -2014:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, errResp.Msg)
	case -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Msg)
	case -2011:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, errResp.Msg)
	}
	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

// mapElementError is mapAPIError for the inline code/msg pairs batch
// endpoints return per element.
func mapElementError(code int, msg string) error {
	body, _ := json.Marshal(map[string]interface{}{"code": code, "msg": msg})
	return mapAPIError(&httpclient.APIError{StatusCode: 400, Body: body})
}

// mapOrderStatus converts a venue status string into the internal state.
// Unknown statuses are reported as still working so reconciliation keeps
// watching them.
func mapOrderStatus(raw string) core.OrderState {
	switch raw {
	case "NEW", "PENDING_CANCEL", "PENDING_NEW":
		return core.OrderPlaced
	case "PARTIALLY_FILLED":
		return core.OrderPartiallyFilled
	case "FILLED":
		return core.OrderFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderCancelled
	case "REJECTED":
		return core.OrderFailed
	default:
		return core.OrderPlaced
	}
}

type symbolInfo struct {
	Symbol     string              `json:"symbol"`
	BaseAsset  string              `json:"baseAsset"`
	QuoteAsset string              `json:"quoteAsset"`
	Filters    []map[string]string `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

// stepDecimals counts the significant fractional digits of a tick or step.
func stepDecimals(step decimal.Decimal) int {
	if step.IsZero() {
		return 0
	}
	n := 0
	x := step
	for !x.Equal(x.Truncate(0)) && n < 18 {
		x = x.Mul(decimal.NewFromInt(10))
		n++
	}
	return n
}

// TradingRules fetches and converts the symbol's exchange filters.
func (c *restClient) TradingRules(ctx context.Context, symbol string) (*core.TradingRules, error) {
	body, err := c.http.Get(ctx, c.prefix()+"/exchangeInfo", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, mapAPIError(err)
	}

	var info exchangeInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}
	if len(info.Symbols) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	s := info.Symbols[0]
	rules := &core.TradingRules{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			rules.TickSize, _ = decimal.NewFromString(f["tickSize"])
		case "LOT_SIZE":
			rules.StepSize, _ = decimal.NewFromString(f["stepSize"])
		case "MIN_NOTIONAL", "NOTIONAL":
			if v, ok := f["minNotional"]; ok {
				rules.MinNotional, _ = decimal.NewFromString(v)
			} else if v, ok := f["notional"]; ok {
				rules.MinNotional, _ = decimal.NewFromString(v)
			}
		}
	}
	rules.PriceDecimals = stepDecimals(rules.TickSize)
	rules.QtyDecimals = stepDecimals(rules.StepSize)

	if rules.TickSize.IsZero() || rules.StepSize.IsZero() {
		return nil, fmt.Errorf("incomplete trading rules for %s: tick=%s step=%s",
			symbol, rules.TickSize, rules.StepSize)
	}
	return rules, nil
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// BookTicker returns the current best bid/ask.
func (c *restClient) BookTicker(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error) {
	body, err := c.http.Get(ctx, c.prefix()+"/ticker/bookTicker", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, decimal.Zero, mapAPIError(err)
	}

	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse book ticker: %w", err)
	}
	bid, _ = decimal.NewFromString(resp.BidPrice)
	ask, _ = decimal.NewFromString(resp.AskPrice)
	return bid, ask, nil
}

// orderResponse covers the order fields shared by the spot and futures APIs.
type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	CumQuoteFut   string `json:"cumQuote"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	UpdateTime    int64  `json:"updateTime"`

	// set instead of the order fields on failed batch elements
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r *orderResponse) toExchangeOrder() *core.ExchangeOrder {
	price, _ := decimal.NewFromString(r.Price)
	origQty, _ := decimal.NewFromString(r.OrigQty)
	execQty, _ := decimal.NewFromString(r.ExecutedQty)

	avg, _ := decimal.NewFromString(r.AvgPrice)
	if avg.IsZero() && execQty.IsPositive() {
		cumQuote := r.CumQuote
		if cumQuote == "" {
			cumQuote = r.CumQuoteFut
		}
		if quote, err := decimal.NewFromString(cumQuote); err == nil && quote.IsPositive() {
			avg = quote.Div(execQty)
		}
	}

	side := core.SideBuy
	if strings.EqualFold(r.Side, "SELL") {
		side = core.SideSell
	}

	updated := time.Now()
	if r.UpdateTime > 0 {
		updated = time.UnixMilli(r.UpdateTime)
	}

	return &core.ExchangeOrder{
		OrderID:           r.OrderID,
		ClientOrderID:     r.ClientOrderID,
		Symbol:            r.Symbol,
		Side:              side,
		Price:             price,
		OrigQuantity:      origQty,
		CumFilledQuantity: execQty,
		AvgFillPrice:      avg,
		Status:            mapOrderStatus(r.Status),
		UpdatedAt:         updated,
	}
}

func orderParams(req *core.OrderRequest) map[string]string {
	params := map[string]string{
		"symbol":      req.Symbol,
		"side":        strings.ToUpper(string(req.Side)),
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"quantity":    req.Quantity.String(),
		"price":       req.Price.String(),
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}
	return params
}

// PlaceOrder submits one limit order.
func (c *restClient) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.ExchangeOrder, error) {
	body, err := c.http.Post(ctx, c.prefix()+"/order", orderParams(req))
	if err != nil {
		return nil, mapAPIError(err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return resp.toExchangeOrder(), nil
}

// PlaceBatch submits up to batchChunkSize orders in one futures batch call.
// The returned slice is element-aligned with the input; failed elements carry
// a nil order and the element error.
func (c *restClient) PlaceBatch(ctx context.Context, reqs []*core.OrderRequest) ([]*core.ExchangeOrder, []error, error) {
	if c.marketType != core.MarketFutures {
		return nil, nil, fmt.Errorf("batch order placement requires the futures API")
	}

	items := make([]map[string]string, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, orderParams(req))
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	body, err := c.http.Post(ctx, "/fapi/v1/batchOrders", map[string]string{
		"batchOrders": string(payload),
	})
	if err != nil {
		return nil, nil, mapAPIError(err)
	}

	var resps []orderResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if len(resps) != len(reqs) {
		return nil, nil, fmt.Errorf("batch response length %d does not match request length %d", len(resps), len(reqs))
	}

	orders := make([]*core.ExchangeOrder, len(resps))
	errs := make([]error, len(resps))
	for i, resp := range resps {
		if resp.Code != 0 {
			errs[i] = mapElementError(resp.Code, resp.Msg)
			continue
		}
		orders[i] = resp.toExchangeOrder()
	}
	return orders, errs, nil
}

// CancelOrder cancels one order by id.
func (c *restClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.http.Delete(ctx, c.prefix()+"/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		return mapAPIError(err)
	}
	return nil
}

// CancelBatch cancels up to batchChunkSize orders in one futures call.
func (c *restClient) CancelBatch(ctx context.Context, symbol string, orderIDs []int64) ([]error, error) {
	if c.marketType != core.MarketFutures {
		return nil, fmt.Errorf("batch cancel requires the futures API")
	}

	ids := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	body, err := c.http.Delete(ctx, "/fapi/v1/batchOrders", map[string]string{
		"symbol":      symbol,
		"orderIdList": "[" + strings.Join(ids, ",") + "]",
	})
	if err != nil {
		return nil, mapAPIError(err)
	}

	var resps []orderResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("failed to parse batch cancel response: %w", err)
	}
	if len(resps) != len(orderIDs) {
		return nil, fmt.Errorf("batch cancel response length %d does not match request length %d", len(resps), len(orderIDs))
	}

	errs := make([]error, len(resps))
	for i, resp := range resps {
		if resp.Code != 0 {
			errs[i] = mapElementError(resp.Code, resp.Msg)
		}
	}
	return errs, nil
}

// QueryOrder fetches one order by id. Unknown orders return (nil, nil).
func (c *restClient) QueryOrder(ctx context.Context, symbol string, orderID int64) (*core.ExchangeOrder, error) {
	body, err := c.http.Get(ctx, c.prefix()+"/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		mapped := mapAPIError(err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, mapped
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return resp.toExchangeOrder(), nil
}

// OpenOrders lists the working orders for symbol.
func (c *restClient) OpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	body, err := c.http.Get(ctx, c.prefix()+"/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, mapAPIError(err)
	}

	var resps []orderResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	orders := make([]*core.ExchangeOrder, 0, len(resps))
	for i := range resps {
		orders = append(orders, resps[i].toExchangeOrder())
	}
	return orders, nil
}

// TakerFeeRate reads the account's taker commission for the symbol.
func (c *restClient) TakerFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c.marketType == core.MarketFutures {
		body, err := c.http.Get(ctx, "/fapi/v1/commissionRate", map[string]string{"symbol": symbol})
		if err != nil {
			return decimal.Zero, mapAPIError(err)
		}
		var resp struct {
			TakerCommissionRate string `json:"takerCommissionRate"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse commission rate: %w", err)
		}
		rate, err := decimal.NewFromString(resp.TakerCommissionRate)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse commission rate %q: %w", resp.TakerCommissionRate, err)
		}
		return rate, nil
	}

	body, err := c.http.Get(ctx, "/api/v3/account", nil)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	var resp struct {
		TakerCommission int64 `json:"takerCommission"`
		CommissionRates struct {
			Taker string `json:"taker"`
		} `json:"commissionRates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse account: %w", err)
	}
	if resp.CommissionRates.Taker != "" {
		if rate, err := decimal.NewFromString(resp.CommissionRates.Taker); err == nil {
			return rate, nil
		}
	}
	// legacy field, in hundredths of a basis point
	return decimal.NewFromInt(resp.TakerCommission).Div(decimal.NewFromInt(10000)), nil
}
