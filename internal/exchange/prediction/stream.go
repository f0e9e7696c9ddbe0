package prediction

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/internal/stream"
	"gridfleet/pkg/telemetry"
	"gridfleet/pkg/websocket"
)

// marketStream is the per-credential singleton behind the stream registry.
// Two sockets: the public market channel for books and the authenticated
// user channel for order events. Token subscriptions change at every
// rollover, so both channels resend their full desired set in one message
// whenever it changes and after every reconnect.
type marketStream struct {
	apiKey     string
	apiSecret  string
	passphrase string
	logger     core.ILogger

	prices *stream.PriceCache
	orders *stream.OrderCache

	mu          sync.Mutex
	tokens      map[string]int    // refcount by token id
	tokenSymbol map[string]string // engine symbol by token id
	markets     map[string]int    // refcount by condition id
	marketWS    *websocket.Client
	userWS      *websocket.Client
	started     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	msgCount atomic.Int64
	connects atomic.Int64
}

func newMarketStream(apiKey, apiSecret, passphrase string, logger core.ILogger) *marketStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &marketStream{
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		passphrase:  passphrase,
		logger:      logger,
		prices:      stream.NewPriceCache(),
		orders:      stream.NewOrderCache(stream.DefaultOrderCacheCap),
		tokens:      make(map[string]int),
		tokenSymbol: make(map[string]string),
		markets:     make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *marketStream) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true

	s.marketWS = websocket.NewClient(marketWSURL, s.handleMarketMessage, s.logger)
	s.marketWS.SetOnConnected(s.onMarketConnected)
	s.userWS = websocket.NewClient(userWSURL, s.handleUserMessage, s.logger)
	s.userWS.SetOnConnected(s.sendUserSubs)
	s.mu.Unlock()

	s.marketWS.Start()
	s.userWS.Start()

	s.wg.Add(1)
	go s.statsLoop()
	return nil
}

func (s *marketStream) Stop() {
	s.cancel()

	s.mu.Lock()
	marketWS, userWS := s.marketWS, s.userWS
	s.marketWS, s.userWS = nil, nil
	s.mu.Unlock()

	if marketWS != nil {
		marketWS.Stop()
	}
	if userWS != nil {
		userWS.Stop()
	}
	s.wg.Wait()

	s.prices.Clear()
	s.orders.Clear()
}

func (s *marketStream) Prices() *stream.PriceCache { return s.prices }
func (s *marketStream) Orders() *stream.OrderCache { return s.orders }

func (s *marketStream) Connected() bool {
	s.mu.Lock()
	ws := s.marketWS
	s.mu.Unlock()
	return ws != nil && ws.IsConnected()
}

// Subscribe registers one token and its market under symbol.
func (s *marketStream) Subscribe(token, symbol, conditionID string) {
	s.mu.Lock()
	s.tokens[token]++
	s.tokenSymbol[token] = symbol
	s.markets[conditionID]++
	s.mu.Unlock()

	s.sendMarketSubs()
	s.sendUserSubs()
}

// Unsubscribe drops one reference to a token and its market.
func (s *marketStream) Unsubscribe(token, conditionID string) {
	s.mu.Lock()
	if s.tokens[token] > 0 {
		s.tokens[token]--
	}
	if s.tokens[token] == 0 {
		delete(s.tokens, token)
		delete(s.tokenSymbol, token)
	}
	if s.markets[conditionID] > 0 {
		s.markets[conditionID]--
	}
	if s.markets[conditionID] == 0 {
		delete(s.markets, conditionID)
	}
	s.mu.Unlock()

	s.prices.Remove(token)
	s.sendMarketSubs()
	s.sendUserSubs()
}

// Swap retires the old token and subscribes the new one, each channel
// updated with a single full-set message.
func (s *marketStream) Swap(oldToken, oldCondition, newToken, newSymbol, newCondition string) {
	s.mu.Lock()
	if s.tokens[oldToken] > 0 {
		s.tokens[oldToken]--
	}
	if s.tokens[oldToken] == 0 {
		delete(s.tokens, oldToken)
		delete(s.tokenSymbol, oldToken)
	}
	if s.markets[oldCondition] > 0 {
		s.markets[oldCondition]--
	}
	if s.markets[oldCondition] == 0 {
		delete(s.markets, oldCondition)
	}
	s.tokens[newToken]++
	s.tokenSymbol[newToken] = newSymbol
	s.markets[newCondition]++
	s.mu.Unlock()

	s.prices.Remove(oldToken)
	s.sendMarketSubs()
	s.sendUserSubs()
}

type marketSubMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

type userSubMsg struct {
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
	Auth    struct {
		APIKey     string `json:"apikey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	} `json:"auth"`
}

// onMarketConnected replays the subscription set after every dial. The user
// channel redials in lockstep, so only the market socket counts reconnects.
func (s *marketStream) onMarketConnected() {
	if s.connects.Add(1) > 1 {
		telemetry.GetGlobalMetrics().IncStreamReconnects(s.ctx, "polymarket")
	}
	s.sendMarketSubs()
}

func (s *marketStream) sendMarketSubs() {
	s.mu.Lock()
	ws := s.marketWS
	assets := make([]string, 0, len(s.tokens))
	for token := range s.tokens {
		assets = append(assets, token)
	}
	s.mu.Unlock()

	if ws == nil || len(assets) == 0 {
		return
	}
	if err := ws.Send(marketSubMsg{Type: "market", AssetIDs: assets}); err != nil {
		s.logger.Debug("Market subscribe deferred until connect", "error", err)
	}
}

func (s *marketStream) sendUserSubs() {
	s.mu.Lock()
	ws := s.userWS
	markets := make([]string, 0, len(s.markets))
	for cond := range s.markets {
		markets = append(markets, cond)
	}
	s.mu.Unlock()

	if ws == nil || len(markets) == 0 {
		return
	}
	msg := userSubMsg{Type: "user", Markets: markets}
	msg.Auth.APIKey = s.apiKey
	msg.Auth.Secret = s.apiSecret
	msg.Auth.Passphrase = s.passphrase
	if err := ws.Send(msg); err != nil {
		s.logger.Debug("User subscribe deferred until connect", "error", err)
	}
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

// splitEvents handles the venue's habit of batching events into arrays.
func splitEvents(message []byte) [][]byte {
	trimmed := json.RawMessage(message)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil
		}
		out := make([][]byte, len(batch))
		for i, raw := range batch {
			out[i] = raw
		}
		return out
	}
	return [][]byte{message}
}

func (s *marketStream) handleMarketMessage(message []byte) {
	for _, raw := range splitEvents(message) {
		var ev bookEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if ev.EventType != "book" || ev.AssetID == "" {
			continue
		}

		var bestBid, bestAsk decimal.Decimal
		for _, lvl := range ev.Bids {
			if p, err := decimal.NewFromString(lvl.Price); err == nil && p.GreaterThan(bestBid) {
				bestBid = p
			}
		}
		for _, lvl := range ev.Asks {
			if p, err := decimal.NewFromString(lvl.Price); err == nil && p.IsPositive() &&
				(bestAsk.IsZero() || p.LessThan(bestAsk)) {
				bestAsk = p
			}
		}
		if bestBid.IsZero() && bestAsk.IsZero() {
			continue
		}

		s.prices.Update(ev.AssetID, bestBid, bestAsk)
		s.msgCount.Add(1)
	}
}

type userOrderEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"`
	ClientID     string `json:"client_id"`
	Timestamp    string `json:"timestamp"`
}

func (s *marketStream) handleUserMessage(message []byte) {
	for _, raw := range splitEvents(message) {
		var ev userOrderEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if ev.EventType != "order" || ev.ID == "" {
			continue
		}

		s.mu.Lock()
		symbol := s.tokenSymbol[ev.AssetID]
		s.mu.Unlock()

		ord := (&venueOrder{
			ID:           ev.ID,
			Status:       ev.Status,
			Market:       ev.Market,
			AssetID:      ev.AssetID,
			Side:         ev.Side,
			Price:        ev.Price,
			OriginalSize: ev.OriginalSize,
			SizeMatched:  ev.SizeMatched,
			ClientID:     ev.ClientID,
		}).toExchangeOrder(symbol)
		ord.UpdatedAt = time.Now()

		s.orders.Merge(ord)
		s.msgCount.Add(1)
	}
}

func (s *marketStream) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			tokens := len(s.tokens)
			s.mu.Unlock()
			s.logger.Debug("Stream stats",
				"messages", s.msgCount.Load(),
				"tokens", tokens,
				"cached_orders", s.orders.Len(),
				"cached_quotes", s.prices.Len(),
			)
		}
	}
}

func streamKey(apiKey string) stream.Key {
	return stream.Key{Venue: "polymarket", APIKey: apiKey}
}
