package prediction

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	clobBaseURL    = "https://clob.polymarket.com"
	marketsBaseURL = "https://gamma-api.polymarket.com"

	marketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	userWSURL   = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
)

var errMarketNotFound = errors.New("market not found for slug")

// clobSigner authenticates requests with the venue's derived API
// credentials: HMAC-SHA256 over timestamp + method + path + body.
type clobSigner struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func (s *clobSigner) SignRequest(req *http.Request) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("failed to read request body for signing: %w", err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read request body for signing: %w", err)
		}
	}

	payload := timestamp + req.Method + req.URL.Path + string(body)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(payload))

	req.Header.Set("POLY_API_KEY", s.apiKey)
	req.Header.Set("POLY_PASSPHRASE", s.passphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return nil
}

// restClient talks to the two venue HTTP surfaces: the unauthenticated
// markets catalogue and the authenticated order book API.
type restClient struct {
	meta   *httpclient.Client
	clob   *httpclient.Client
	logger core.ILogger
}

func newRESTClient(apiKey, apiSecret, passphrase string, logger core.ILogger) *restClient {
	meta := httpclient.NewClient(marketsBaseURL, 10*time.Second, nil)
	clob := httpclient.NewClient(clobBaseURL, 10*time.Second, &clobSigner{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	})
	clob.SetRateLimit(10, 20)

	return &restClient{meta: meta, clob: clob, logger: logger}
}

// mapClobError translates HTTP failures into sentinel errors.
func mapClobError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(apiErr.Body, &resp)
	msg := resp.Error
	if msg == "" {
		msg = strings.TrimSpace(string(apiErr.Body))
	}

	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg)
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "balance") || strings.Contains(lower, "allowance"):
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case strings.Contains(lower, "closed") || strings.Contains(lower, "not accepting"):
		return fmt.Errorf("%w: %s", apperrors.ErrMarketClosing, msg)
	}
	return fmt.Errorf("venue error (%d): %s", apiErr.StatusCode, msg)
}

// MarketBySlug resolves one contract period's metadata.
func (c *restClient) MarketBySlug(ctx context.Context, slug string) (*MarketInfo, error) {
	body, err := c.meta.Get(ctx, "/markets", map[string]string{"slug": slug})
	if err != nil {
		return nil, mapClobError(err)
	}
	info, err := decodeMarkets(body)
	if err != nil {
		if errors.Is(err, errMarketNotFound) {
			return nil, fmt.Errorf("%w: %s", errMarketNotFound, slug)
		}
		return nil, err
	}
	return info, nil
}

// venueOrder is the venue-side order representation.
type venueOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	ClientID     string `json:"client_id"`
	CreatedAt    int64  `json:"created_at"`
}

// mapVenueStatus folds the venue status plus fill progress into the
// internal state.
func mapVenueStatus(status string, original, matched decimal.Decimal) core.OrderState {
	switch strings.ToUpper(status) {
	case "LIVE", "DELAYED":
		if matched.IsPositive() {
			return core.OrderPartiallyFilled
		}
		return core.OrderPlaced
	case "MATCHED":
		if original.IsPositive() && matched.LessThan(original) {
			return core.OrderPartiallyFilled
		}
		return core.OrderFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return core.OrderCancelled
	case "UNMATCHED", "INVALID", "REJECTED":
		return core.OrderFailed
	}
	return core.OrderPlaced
}

// toExchangeOrder converts a venue order, folding the string id into the
// int64 id space. symbol is the adapter's engine-facing symbol.
func (o *venueOrder) toExchangeOrder(symbol string) *core.ExchangeOrder {
	price, _ := decimal.NewFromString(o.Price)
	original, _ := decimal.NewFromString(o.OriginalSize)
	matched, _ := decimal.NewFromString(o.SizeMatched)

	side := core.SideBuy
	if strings.EqualFold(o.Side, "SELL") {
		side = core.SideSell
	}

	created := time.Now()
	if o.CreatedAt > 0 {
		created = time.Unix(o.CreatedAt, 0)
	}

	return &core.ExchangeOrder{
		OrderID:           venueOrderID(o.ID),
		ClientOrderID:     o.ClientID,
		Symbol:            symbol,
		Side:              side,
		Price:             price,
		OrigQuantity:      original,
		CumFilledQuantity: matched,
		AvgFillPrice:      price,
		Status:            mapVenueStatus(o.Status, original, matched),
		// the venue settles fees outside the share balance
		FeePaidExternally: true,
		UpdatedAt:         created,
	}
}

type placeOrderRequest struct {
	TokenID  string `json:"token_id"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
}

type placeOrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// PlaceOrder submits one limit order for tokenID. orderType is GTC for
// resting orders and FAK for the crossing liquidation at rollover.
func (c *restClient) PlaceOrder(ctx context.Context, tokenID string, side core.Side, price, size decimal.Decimal, orderType, clientID string) (*placeOrderResponse, error) {
	req := placeOrderRequest{
		TokenID:  tokenID,
		Price:    price.String(),
		Size:     size.String(),
		Side:     strings.ToUpper(string(side)),
		Type:     orderType,
		ClientID: clientID,
	}

	body, err := c.clob.PostJSON(ctx, "/order", req)
	if err != nil {
		return nil, mapClobError(err)
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	if !resp.Success {
		return nil, mapClobError(&httpclient.APIError{
			StatusCode: http.StatusBadRequest,
			Body:       []byte(`{"error":` + strconv.Quote(resp.ErrorMsg) + `}`),
		})
	}
	return &resp, nil
}

// CancelOrder cancels one venue order by its native id.
func (c *restClient) CancelOrder(ctx context.Context, venueID string) error {
	_, err := c.clob.Delete(ctx, "/order", map[string]string{"id": venueID})
	if err != nil {
		return mapClobError(err)
	}
	return nil
}

// QueryOrder fetches one venue order. Unknown ids return (nil, nil).
func (c *restClient) QueryOrder(ctx context.Context, venueID string) (*venueOrder, error) {
	body, err := c.clob.Get(ctx, "/data/order/"+venueID, nil)
	if err != nil {
		mapped := mapClobError(err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, mapped
	}

	var ord venueOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return &ord, nil
}

// OpenOrders lists the credential's working orders on one market.
func (c *restClient) OpenOrders(ctx context.Context, conditionID string) ([]venueOrder, error) {
	body, err := c.clob.Get(ctx, "/data/orders", map[string]string{"market": conditionID})
	if err != nil {
		return nil, mapClobError(err)
	}

	var orders []venueOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}
	return orders, nil
}

// Midpoint returns the current mid price for one token.
func (c *restClient) Midpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	body, err := c.clob.Get(ctx, "/midpoint", map[string]string{"token_id": tokenID})
	if err != nil {
		return decimal.Zero, mapClobError(err)
	}

	var resp struct {
		Mid string `json:"mid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse midpoint: %w", err)
	}
	mid, err := decimal.NewFromString(resp.Mid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse midpoint %q: %w", resp.Mid, err)
	}
	return mid, nil
}

// Balance returns the share balance held for one token.
func (c *restClient) Balance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	body, err := c.clob.Get(ctx, "/balance-allowance", map[string]string{
		"asset_type": "CONDITIONAL",
		"token_id":   tokenID,
	})
	if err != nil {
		return decimal.Zero, mapClobError(err)
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
	}
	bal, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance %q: %w", resp.Balance, err)
	}
	return bal, nil
}
