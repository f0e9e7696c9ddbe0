// Package risk gates position opens and drives forced closes. All policy
// elements are independently toggleable: zero-valued limits disable their
// check.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridfleet/internal/core"
	"gridfleet/pkg/telemetry"
)

// GovernorConfig tunes the five policy elements
type GovernorConfig struct {
	// MaxPositions rejects opens at or above this count. 0 disables.
	MaxPositions int

	// StopLossPercent force-closes a position whose adverse move from
	// entry reaches this percent. 0 disables.
	StopLossPercent decimal.Decimal

	// StopLossDelay force-closes any position older than this regardless
	// of pnl. 0 disables.
	StopLossDelay time.Duration

	// Loss streak: MaxLossCount losing trades inside LossWindow trigger a
	// Cooldown during which opens are blocked.
	MaxLossCount int
	LossWindow   time.Duration
	Cooldown     time.Duration

	// MaxDailyLoss blocks opens once the accumulated absolute loss since
	// the last calendar-day rollover reaches it. 0 disables.
	MaxDailyLoss decimal.Decimal
}

// DefaultGovernorConfig mirrors the platform defaults
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxLossCount: 3,
		LossWindow:   300 * time.Second,
		Cooldown:     3600 * time.Second,
	}
}

// Governor implements core.IRiskGovernor. One instance per engine; a single
// mutex keeps CanOpenPosition and RecordTrade mutually atomic.
type Governor struct {
	mu     sync.Mutex
	config GovernorConfig
	logger core.ILogger
	clock  core.Clock
	symbol string

	lossTimes     []time.Time
	cooldownUntil time.Time

	dailyLoss decimal.Decimal
	lossDay   string
}

// NewGovernor builds a governor for one strategy
func NewGovernor(config GovernorConfig, symbol string, logger core.ILogger) *Governor {
	return &Governor{
		config: config,
		logger: logger.WithField("component", "risk_governor"),
		clock:  core.RealClock{},
		symbol: symbol,
	}
}

// SetClock replaces the clock for tests
func (g *Governor) SetClock(c core.Clock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = c
}

// CanOpenPosition reports whether a new position may be opened and, when
// blocked, the reason.
func (g *Governor) CanOpenPosition(currentPositions int) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.rollDay(now)

	if g.config.MaxPositions > 0 && currentPositions >= g.config.MaxPositions {
		return false, fmt.Sprintf("position cap reached (%d/%d)", currentPositions, g.config.MaxPositions)
	}

	if !g.cooldownUntil.IsZero() {
		if now.Before(g.cooldownUntil) {
			remaining := g.cooldownUntil.Sub(now).Round(time.Second)
			return false, fmt.Sprintf("cooldown after loss streak, %s remaining", remaining)
		}
		// Cooldown elapsed: clear the streak and resume
		g.cooldownUntil = time.Time{}
		g.lossTimes = g.lossTimes[:0]
		telemetry.GetGlobalMetrics().SetRiskBlocked(g.symbol, false)
	}

	if g.config.MaxDailyLoss.IsPositive() && g.dailyLoss.GreaterThanOrEqual(g.config.MaxDailyLoss) {
		return false, fmt.Sprintf("daily loss ceiling reached (%s/%s)", g.dailyLoss, g.config.MaxDailyLoss)
	}

	return true, ""
}

// CheckStopLoss evaluates price and time stops for one position against the
// mark price.
func (g *Governor) CheckStopLoss(pos *core.PositionEntry, mark decimal.Decimal) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.config.StopLossPercent.IsPositive() && mark.IsPositive() && pos.EntryPrice.IsPositive() {
		var adverse decimal.Decimal
		if pos.IsShort() {
			adverse = mark.Sub(pos.EntryPrice)
		} else {
			adverse = pos.EntryPrice.Sub(mark)
		}
		if adverse.IsPositive() {
			lossPct := adverse.Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
			if lossPct.GreaterThanOrEqual(g.config.StopLossPercent) {
				return true, fmt.Sprintf("price stop: %s%% adverse move", lossPct.Round(2))
			}
		}
	}

	if g.config.StopLossDelay > 0 {
		if age := g.clock.Now().Sub(pos.CreatedAt); age >= g.config.StopLossDelay {
			return true, fmt.Sprintf("time stop: held %s", age.Round(time.Second))
		}
	}

	return false, ""
}

// RecordTrade feeds one realized pnl into the loss-streak window and the
// daily-loss accumulator. Wins do not clear the window; only the window
// sliding and the cooldown expiry do.
func (g *Governor) RecordTrade(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.rollDay(now)

	if !pnl.IsNegative() {
		return
	}

	g.dailyLoss = g.dailyLoss.Add(pnl.Abs())

	if g.config.MaxLossCount <= 0 {
		return
	}

	g.lossTimes = append(g.lossTimes, now)
	g.pruneWindow(now)

	if len(g.lossTimes) >= g.config.MaxLossCount && g.cooldownUntil.IsZero() {
		g.cooldownUntil = now.Add(g.config.Cooldown)
		telemetry.GetGlobalMetrics().SetRiskBlocked(g.symbol, true)
		g.logger.Warn("Loss streak reached, blocking opens",
			"losses", len(g.lossTimes),
			"window", g.config.LossWindow,
			"cooldown_until", g.cooldownUntil.Format(time.RFC3339))
	}
}

// pruneWindow drops losses older than the sliding window
func (g *Governor) pruneWindow(now time.Time) {
	if g.config.LossWindow <= 0 {
		return
	}
	cutoff := now.Add(-g.config.LossWindow)
	kept := g.lossTimes[:0]
	for _, ts := range g.lossTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.lossTimes = kept
}

// rollDay resets the daily-loss accumulator when the calendar date changes
func (g *Governor) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if g.lossDay != day {
		g.lossDay = day
		g.dailyLoss = decimal.Zero
	}
}

// Snapshot returns the governor state for status reporting
func (g *Governor) Snapshot() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := map[string]string{
		"daily_loss":  g.dailyLoss.String(),
		"loss_streak": fmt.Sprintf("%d", len(g.lossTimes)),
	}
	if !g.cooldownUntil.IsZero() && g.clock.Now().Before(g.cooldownUntil) {
		out["cooldown_until"] = fmt.Sprintf("%d", g.cooldownUntil.Unix())
	}
	return out
}
