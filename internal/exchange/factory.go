// Package exchange constructs venue adapters from strategy configuration.
package exchange

import (
	"fmt"
	"strings"

	"gridfleet/internal/config"
	"gridfleet/internal/core"
	"gridfleet/internal/exchange/binance"
	"gridfleet/internal/exchange/mock"
	"gridfleet/internal/exchange/prediction"
	"gridfleet/internal/stream"
)

// New builds the adapter named by cfg.Venue. Prediction venues carry their
// contract period as a suffix, for example polymarket-5m; a bare polymarket
// uses the default period.
func New(cfg *config.StrategyConfig, logger core.ILogger, registry *stream.Registry) (core.IExchange, error) {
	venue := strings.ToLower(strings.TrimSpace(cfg.Venue))

	switch {
	case venue == "binance-spot" || venue == "binance-futures":
		marketType := core.MarketSpot
		if venue == "binance-futures" {
			marketType = core.MarketFutures
		}
		return binance.New(binance.Options{
			MarketType: marketType,
			Symbol:     cfg.Symbol,
			APIKey:     cfg.APIKey.Value(),
			APISecret:  cfg.APISecret.Value(),
			Testnet:    cfg.Testnet,
			Logger:     logger,
			Registry:   registry,
		})

	case venue == "polymarket" || strings.HasPrefix(venue, "polymarket-"):
		period := strings.TrimPrefix(venue, "polymarket")
		period = strings.TrimPrefix(period, "-")
		return prediction.New(prediction.Options{
			Symbol:     cfg.Symbol,
			Period:     period,
			APIKey:     cfg.APIKey.Value(),
			APISecret:  cfg.APISecret.Value(),
			Passphrase: cfg.Passphrase.Value(),
			Logger:     logger,
			Registry:   registry,
		})

	case venue == "mock":
		return mock.New(cfg.Symbol, logger), nil
	}

	return nil, fmt.Errorf("unknown venue %q for strategy %d", cfg.Venue, cfg.ID)
}
