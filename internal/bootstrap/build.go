// Package bootstrap assembles a runnable engine from one strategy
// configuration block. Both the fleet worker and the standalone runner build
// through it, so the two paths cannot drift on how configuration maps onto
// collaborators.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/config"
	"gridfleet/internal/core"
	"gridfleet/internal/engine"
	"gridfleet/internal/exchange"
	"gridfleet/internal/logging"
	"gridfleet/internal/risk"
	"gridfleet/internal/stream"
	"gridfleet/internal/trading/strategy"
)

// EngineDeps carries the collaborators that are owned outside the engine:
// the stream registry and trade sink are shared across engines on one
// process, the rest are per-strategy.
type EngineDeps struct {
	Registry *stream.Registry
	Sink     core.ITradeSink
	Status   core.IStatusSink
	Notifier core.INotifier
	Probe    core.StopProbe
	Logger   core.ILogger

	TaskID     string
	WorkerIP   string
	WorkerHost string
}

// StrategyParams maps a config block onto the strategy parameter set.
func StrategyParams(cfg *config.StrategyConfig) strategy.Config {
	return strategy.Config{
		Symbol:            cfg.Symbol,
		Levels:            cfg.Grid.Levels,
		Quantity:          decimal.NewFromFloat(cfg.Grid.Quantity),
		OffsetPercent:     decimal.NewFromFloat(cfg.Grid.OffsetPercent),
		SellOffsetPercent: decimal.NewFromFloat(cfg.Grid.SellOffsetPercent),
		RepriceThreshold:  decimal.NewFromFloat(cfg.RepriceThreshold),
	}
}

// GovernorParams maps a config block onto the risk governor parameter set.
func GovernorParams(cfg *config.StrategyConfig) risk.GovernorConfig {
	return risk.GovernorConfig{
		MaxPositions:    cfg.Risk.MaxPositions,
		StopLossPercent: decimal.NewFromFloat(cfg.Risk.StopLossPercent),
		StopLossDelay:   time.Duration(cfg.Risk.StopLossDelaySec) * time.Second,
		MaxLossCount:    cfg.Risk.MaxLossCount,
		LossWindow:      time.Duration(cfg.Risk.LossWindowSeconds) * time.Second,
		Cooldown:        time.Duration(cfg.Risk.CooldownSeconds) * time.Second,
		MaxDailyLoss:    decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
	}
}

// BuildEngine wires adapter, strategy and governor for one strategy and
// hands the assembled engine back. On success the engine owns the adapter
// and closes it during shutdown.
func BuildEngine(cfg *config.StrategyConfig, deps EngineDeps) (*engine.Engine, error) {
	// The prefix keeps interleaved multi-strategy logs greppable; the id
	// rides along as a structured field.
	logger := logging.WithPrefix(
		deps.Logger.WithField("strategy_id", cfg.ID),
		cfg.Symbol, cfg.APIKey.Value(), cfg.Venue)

	adapter, err := exchange.New(cfg, logger, deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("exchange adapter: %w", err)
	}

	strat, err := strategy.New(cfg.Grid.Mode, StrategyParams(cfg), logger)
	if err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("strategy: %w", err)
	}

	governor := risk.NewGovernor(GovernorParams(cfg), cfg.Symbol, logger)

	eng, err := engine.New(engine.Config{
		StrategyID:        cfg.ID,
		Symbol:            cfg.Symbol,
		TaskID:            deps.TaskID,
		WorkerIP:          deps.WorkerIP,
		WorkerHost:        deps.WorkerHost,
		PollInterval:      cfg.PollInterval(),
		ReconcileInterval: cfg.ReconcileInterval(),
	}, engine.Deps{
		Exchange: adapter,
		Strategy: strat,
		Risk:     governor,
		Sink:     deps.Sink,
		Status:   deps.Status,
		Notifier: deps.Notifier,
		Probe:    deps.Probe,
		Logger:   logger,
	})
	if err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	return eng, nil
}
