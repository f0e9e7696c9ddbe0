// Package prediction implements the venue adapter for time-bounded
// up/down prediction contracts. Contracts expire every period and the
// adapter rolls positions onto the next contract automatically.
package prediction

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// Period is the contract duration of an up/down product.
type Period string

const (
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period1h  Period = "1h"
	Period1d  Period = "1d"
)

// ParsePeriod validates a period label.
func ParsePeriod(raw string) (Period, error) {
	switch Period(raw) {
	case Period5m, Period15m, Period1h, Period1d:
		return Period(raw), nil
	case "":
		return Period15m, nil
	}
	return "", fmt.Errorf("unknown market period %q", raw)
}

// Duration returns the period length. Daily contracts are nominally 24 h;
// their true bounds come from alignStart/periodEnd which track eastern time.
func (p Period) Duration() time.Duration {
	switch p {
	case Period5m:
		return 5 * time.Minute
	case Period15m:
		return 15 * time.Minute
	case Period1h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// CloseBuffer is how long before expiry the adapter begins closing out.
func (p Period) CloseBuffer() time.Duration {
	switch p {
	case Period5m:
		return 60 * time.Second
	case Period15m:
		return 0
	case Period1h:
		return 60 * time.Second
	default:
		return 1800 * time.Second
	}
}

// easternTime is the venue's trading calendar for daily contracts.
var easternTime = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// alignStart returns the start of the period containing t. Intraday periods
// align on the UTC clock; daily contracts run midnight to midnight eastern.
func (p Period) alignStart(t time.Time) time.Time {
	if p == Period1d {
		et := t.In(easternTime)
		return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, easternTime)
	}
	return t.UTC().Truncate(p.Duration())
}

// periodEnd returns the expiry of the period starting at start.
func (p Period) periodEnd(start time.Time) time.Time {
	if p == Period1d {
		et := start.In(easternTime)
		return time.Date(et.Year(), et.Month(), et.Day()+1, 0, 0, 0, 0, easternTime)
	}
	return start.Add(p.Duration())
}

// nextStart returns the start of the period after the one containing t.
func (p Period) nextStart(t time.Time) time.Time {
	return p.periodEnd(p.alignStart(t))
}

// marketSlug builds the canonical discovery slug for the asset's period
// starting at start. Daily products key on the eastern-time date, intraday
// products on the compact UTC period-start timestamp.
func marketSlug(asset string, p Period, start time.Time) string {
	lower := strings.ToLower(asset)
	if p == Period1d {
		return fmt.Sprintf("%s-updown-daily-%s", lower, start.In(easternTime).Format("2006-01-02"))
	}
	return fmt.Sprintf("%s-updown-%s-%d", lower, p, start.Unix())
}

// parseSymbol splits "<asset>-<Outcome>" into its parts.
func parseSymbol(symbol string) (asset, outcome string, err error) {
	idx := strings.LastIndex(symbol, "-")
	if idx <= 0 || idx == len(symbol)-1 {
		return "", "", fmt.Errorf("malformed prediction symbol %q, want <asset>-<Outcome>", symbol)
	}
	asset, outcome = symbol[:idx], symbol[idx+1:]
	if outcome != "Up" && outcome != "Down" {
		return "", "", fmt.Errorf("unknown outcome %q in symbol %q", outcome, symbol)
	}
	return asset, outcome, nil
}

// MarketInfo is the venue metadata for one contract period.
type MarketInfo struct {
	ConditionID string
	Slug        string
	EndDate     time.Time
	TickSize    decimal.Decimal
	Closed      bool
	// Tokens maps outcome name to the venue token id
	Tokens map[string]string
}

// Token returns the token id for outcome, empty when unknown.
func (m *MarketInfo) Token(outcome string) string {
	if m == nil {
		return ""
	}
	return m.Tokens[outcome]
}

type marketResponse struct {
	ConditionID     string `json:"condition_id"`
	Slug            string `json:"slug"`
	EndDateISO      string `json:"end_date_iso"`
	MinimumTickSize string `json:"minimum_tick_size"`
	Closed          bool   `json:"closed"`
	Tokens          []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

func (r *marketResponse) toMarketInfo() (*MarketInfo, error) {
	info := &MarketInfo{
		ConditionID: r.ConditionID,
		Slug:        r.Slug,
		Closed:      r.Closed,
		Tokens:      make(map[string]string, len(r.Tokens)),
	}

	if r.EndDateISO != "" {
		end, err := time.Parse(time.RFC3339, r.EndDateISO)
		if err != nil {
			return nil, fmt.Errorf("failed to parse market end date %q: %w", r.EndDateISO, err)
		}
		info.EndDate = end
	}

	tick, err := decimal.NewFromString(r.MinimumTickSize)
	if err != nil || !tick.IsPositive() {
		tick = decimal.RequireFromString("0.01")
	}
	info.TickSize = tick

	for _, t := range r.Tokens {
		info.Tokens[t.Outcome] = t.TokenID
	}
	if info.ConditionID == "" || len(info.Tokens) == 0 {
		return nil, fmt.Errorf("market %q is missing condition or tokens", r.Slug)
	}
	return info, nil
}

func decodeMarkets(body []byte) (*MarketInfo, error) {
	var list []marketResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse markets response: %w", err)
	}
	if len(list) == 0 {
		return nil, errMarketNotFound
	}
	return list[0].toMarketInfo()
}

// venueOrderID folds a venue order hash into the engine's int64 id space.
// FNV-64a over the venue string, high bit cleared to keep ids positive.
func venueOrderID(venueID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(venueID))
	return int64(h.Sum64() & math.MaxInt64)
}
