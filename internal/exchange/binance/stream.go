package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/internal/stream"
	"gridfleet/pkg/telemetry"
	"gridfleet/pkg/websocket"
)

const (
	futuresWSBase        = "wss://fstream.binance.com/ws"
	futuresTestnetWSBase = "wss://stream.binancefuture.com/ws"

	listenKeyKeepalive = 30 * time.Minute
	statsInterval      = 30 * time.Second
)

// bookTickerMsg is the raw best bid/ask push. Spot sends it bare, futures
// wraps it with an event type; both parse into this shape.
type bookTickerMsg struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// executionReportMsg is the raw spot user-data order update.
type executionReportMsg struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	ExecutionType string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastQty       string `json:"l"`
	CumQty        string `json:"z"`
	LastPrice     string `json:"L"`
	Fee           string `json:"n"`
	FeeAsset      string `json:"N"`
	TradeTime     int64  `json:"T"`
	CumQuote      string `json:"Z"`
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// venueStream is the per-credential singleton behind the stream registry.
// It multiplexes one price socket and one user-data socket across every
// engine sharing the credential, feeding the shared caches.
type venueStream struct {
	marketType core.MarketType
	apiKey     string
	apiSecret  string
	testnet    bool
	logger     core.ILogger

	prices *stream.PriceCache
	orders *stream.OrderCache

	mu      sync.Mutex
	symbols map[string]int
	subID   int64
	priceWS *websocket.Client
	started bool

	spotClient *binance.Client
	futClient  *futures.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	msgCount atomic.Int64
	connects atomic.Int64
}

func newVenueStream(marketType core.MarketType, apiKey, apiSecret string, testnet bool, logger core.ILogger) *venueStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &venueStream{
		marketType: marketType,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		testnet:    testnet,
		logger:     logger,
		prices:     stream.NewPriceCache(),
		orders:     stream.NewOrderCache(stream.DefaultOrderCacheCap),
		symbols:    make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
	}

	if marketType == core.MarketFutures {
		s.futClient = futures.NewClient(apiKey, apiSecret)
		if testnet {
			s.futClient.BaseURL = futuresTestnetURL
		}
	} else {
		s.spotClient = binance.NewClient(apiKey, apiSecret)
		if testnet {
			s.spotClient.BaseURL = spotTestnetURL
		}
	}
	return s
}

func (s *venueStream) priceWSURL() string {
	if s.marketType == core.MarketFutures {
		if s.testnet {
			return futuresTestnetWSBase
		}
		return futuresWSBase
	}
	if s.testnet {
		return spotTestnetWSBase
	}
	return spotWSBase
}

// Start dials the price socket and launches the user-data supervisor.
func (s *venueStream) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true

	if s.marketType == core.MarketFutures && s.testnet {
		// UseTestnet is process wide: one worker cannot mix testnet and
		// live futures credentials.
		futures.UseTestnet = true
	}

	s.priceWS = websocket.NewClient(s.priceWSURL(), s.handlePriceMessage, s.logger)
	s.priceWS.SetOnConnected(s.resubscribeAll)
	s.mu.Unlock()

	s.priceWS.Start()

	s.wg.Add(2)
	if s.marketType == core.MarketFutures {
		go s.runFuturesUserStream()
	} else {
		go s.runSpotUserStream()
	}
	go s.statsLoop()

	return nil
}

// Stop tears everything down. Safe to call more than once.
func (s *venueStream) Stop() {
	s.cancel()

	s.mu.Lock()
	priceWS := s.priceWS
	s.priceWS = nil
	s.mu.Unlock()

	if priceWS != nil {
		priceWS.Stop()
	}
	s.wg.Wait()

	s.prices.Clear()
	s.orders.Clear()
}

// Subscribe adds a refcounted book-ticker subscription for symbol.
func (s *venueStream) Subscribe(symbol string) {
	lower := strings.ToLower(symbol)

	s.mu.Lock()
	s.symbols[lower]++
	isNew := s.symbols[lower] == 1
	ws := s.priceWS
	s.subID++
	id := s.subID
	s.mu.Unlock()

	if isNew && ws != nil {
		// a send into a disconnected socket is fine, onConnected replays
		// the full set after every dial
		_ = ws.Send(subscribeMsg{Method: "SUBSCRIBE", Params: []string{lower + "@bookTicker"}, ID: id})
	}
}

// Unsubscribe drops one reference; the venue subscription ends at zero.
func (s *venueStream) Unsubscribe(symbol string) {
	lower := strings.ToLower(symbol)

	s.mu.Lock()
	if s.symbols[lower] > 0 {
		s.symbols[lower]--
	}
	gone := s.symbols[lower] == 0
	if gone {
		delete(s.symbols, lower)
	}
	ws := s.priceWS
	s.subID++
	id := s.subID
	s.mu.Unlock()

	if gone {
		if ws != nil {
			_ = ws.Send(subscribeMsg{Method: "UNSUBSCRIBE", Params: []string{lower + "@bookTicker"}, ID: id})
		}
		s.prices.Remove(strings.ToUpper(symbol))
	}
}

// Connected reports whether the price socket currently has a connection.
func (s *venueStream) Connected() bool {
	s.mu.Lock()
	ws := s.priceWS
	s.mu.Unlock()
	return ws != nil && ws.IsConnected()
}

// Prices exposes the shared quote cache.
func (s *venueStream) Prices() *stream.PriceCache { return s.prices }

// Orders exposes the shared venue-order cache.
func (s *venueStream) Orders() *stream.OrderCache { return s.orders }

func (s *venueStream) resubscribeAll() {
	if s.connects.Add(1) > 1 {
		telemetry.GetGlobalMetrics().IncStreamReconnects(s.ctx, "binance")
	}

	s.mu.Lock()
	params := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		params = append(params, sym+"@bookTicker")
	}
	ws := s.priceWS
	s.subID++
	id := s.subID
	s.mu.Unlock()

	if len(params) == 0 || ws == nil {
		return
	}
	if err := ws.Send(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: id}); err != nil {
		s.logger.Warn("Resubscribe failed", "error", err)
	}
}

func (s *venueStream) handlePriceMessage(message []byte) {
	var tick bookTickerMsg
	if err := json.Unmarshal(message, &tick); err != nil {
		return
	}
	if tick.Symbol == "" {
		// subscription ack or error reply
		return
	}

	bid, _ := decimal.NewFromString(tick.BidPrice)
	ask, _ := decimal.NewFromString(tick.AskPrice)
	s.prices.Update(strings.ToUpper(tick.Symbol), bid, ask)
	s.msgCount.Add(1)
}

func (s *venueStream) handleFuturesUserEvent(event *futures.WsUserDataEvent) {
	if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	u := event.OrderTradeUpdate

	price, _ := decimal.NewFromString(u.OriginalPrice)
	origQty, _ := decimal.NewFromString(u.OriginalQty)
	avgPrice, _ := decimal.NewFromString(u.AveragePrice)
	cumQty, _ := decimal.NewFromString(u.AccumulatedFilledQty)

	side := core.SideBuy
	if string(u.Side) == "SELL" {
		side = core.SideSell
	}

	order := &core.ExchangeOrder{
		OrderID:           u.ID,
		ClientOrderID:     u.ClientOrderID,
		Symbol:            u.Symbol,
		Side:              side,
		Price:             price,
		OrigQuantity:      origQty,
		CumFilledQuantity: cumQty,
		AvgFillPrice:      avgPrice,
		Status:            mapOrderStatus(string(u.Status)),
		// futures fees settle against margin, the filled quantity stays whole
		FeePaidExternally: true,
		UpdatedAt:         time.UnixMilli(u.TradeTime),
	}
	s.orders.Merge(order)
	s.msgCount.Add(1)
}

func (s *venueStream) handleSpotUserMessage(message []byte) {
	var report executionReportMsg
	if err := json.Unmarshal(message, &report); err != nil {
		return
	}
	if report.EventType != "executionReport" {
		return
	}

	price, _ := decimal.NewFromString(report.Price)
	origQty, _ := decimal.NewFromString(report.Quantity)
	cumQty, _ := decimal.NewFromString(report.CumQty)
	fee, _ := decimal.NewFromString(report.Fee)

	var avg decimal.Decimal
	if cumQty.IsPositive() {
		if quote, err := decimal.NewFromString(report.CumQuote); err == nil && quote.IsPositive() {
			avg = quote.Div(cumQty)
		}
	}

	side := core.SideBuy
	if report.Side == "SELL" {
		side = core.SideSell
	}

	order := &core.ExchangeOrder{
		OrderID:           report.OrderID,
		ClientOrderID:     report.ClientOrderID,
		Symbol:            report.Symbol,
		Side:              side,
		Price:             price,
		OrigQuantity:      origQty,
		CumFilledQuantity: cumQty,
		AvgFillPrice:      avg,
		Status:            mapOrderStatus(report.Status),
		FeeAsset:          report.FeeAsset,
		FeeAmount:         fee,
		UpdatedAt:         time.UnixMilli(report.TradeTime),
	}
	s.orders.Merge(order)
	s.msgCount.Add(1)
}

func (s *venueStream) sleep(d time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(d):
	}
}

// keepAlive pings the listen key until ctx ends, signalling fail once on the
// first error so the supervisor can rotate the key.
func (s *venueStream) keepAlive(ctx context.Context, fail chan<- struct{}, ping func(context.Context) error) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ping(callCtx)
			cancel()
			if err != nil {
				s.logger.Warn("Listen key keepalive failed", "error", err)
				select {
				case fail <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (s *venueStream) runFuturesUserStream() {
	defer s.wg.Done()

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for s.ctx.Err() == nil {
		callCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		listenKey, err := s.futClient.NewStartUserStreamService().Do(callCtx)
		cancel()
		if err != nil {
			s.logger.Error("Failed to start user stream", "error", err)
			s.sleep(bo.Duration())
			continue
		}

		doneC, stopC, err := futures.WsUserDataServe(listenKey, s.handleFuturesUserEvent, s.handleStreamError)
		if err != nil {
			s.logger.Error("User stream connect failed", "error", err)
			s.sleep(bo.Duration())
			continue
		}
		bo.Reset()
		s.logger.Info("User data stream connected")

		keepCtx, keepCancel := context.WithCancel(s.ctx)
		keepFail := make(chan struct{}, 1)
		go s.keepAlive(keepCtx, keepFail, func(ctx context.Context) error {
			return s.futClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
		})

		select {
		case <-s.ctx.Done():
			stopC <- struct{}{}
			keepCancel()
			s.closeListenKey(listenKey)
			return
		case <-doneC:
			s.logger.Warn("User data stream disconnected, redialing")
		case <-keepFail:
			s.logger.Warn("Rotating listen key")
			stopC <- struct{}{}
		}
		keepCancel()
		s.sleep(bo.Duration())
	}
}

func (s *venueStream) runSpotUserStream() {
	defer s.wg.Done()

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for s.ctx.Err() == nil {
		callCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		listenKey, err := s.spotClient.NewStartUserStreamService().Do(callCtx)
		cancel()
		if err != nil {
			s.logger.Error("Failed to start user stream", "error", err)
			s.sleep(bo.Duration())
			continue
		}
		bo.Reset()

		wsBase := spotWSBase
		if s.testnet {
			wsBase = spotTestnetWSBase
		}
		client := websocket.NewClient(wsBase+"/"+listenKey, s.handleSpotUserMessage, s.logger)
		client.Start()
		s.logger.Info("User data stream connected")

		keepCtx, keepCancel := context.WithCancel(s.ctx)
		keepFail := make(chan struct{}, 1)
		go s.keepAlive(keepCtx, keepFail, func(ctx context.Context) error {
			return s.spotClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
		})

		select {
		case <-s.ctx.Done():
			keepCancel()
			client.Stop()
			s.closeListenKey(listenKey)
			return
		case <-keepFail:
			// key presumed expired, rebuild the socket on a fresh one
			s.logger.Warn("Rotating listen key")
		}
		keepCancel()
		client.Stop()
		s.sleep(bo.Duration())
	}
}

func (s *venueStream) closeListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if s.marketType == core.MarketFutures {
		err = s.futClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
	} else {
		err = s.spotClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
	}
	if err != nil {
		s.logger.Debug("Failed to close listen key", "error", err)
	}
}

func (s *venueStream) handleStreamError(err error) {
	s.logger.Error("User data stream error", "error", err)
}

func (s *venueStream) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			subs := len(s.symbols)
			s.mu.Unlock()
			s.logger.Debug("Stream stats",
				"messages", s.msgCount.Load(),
				"subscriptions", subs,
				"cached_orders", s.orders.Len(),
				"cached_quotes", s.prices.Len(),
			)
		}
	}
}

// streamKey is the registry identity for a credential + venue pair.
func streamKey(marketType core.MarketType, apiKey string, testnet bool) stream.Key {
	return stream.Key{
		Venue:   fmt.Sprintf("binance-%s", marketType),
		APIKey:  apiKey,
		Testnet: testnet,
	}
}
