package engine

import "time"

const (
	// sleepSlice is the granularity of the inter-tick sleep. The stop probe
	// is consulted once per slice, bounding stop latency to one slice.
	sleepSlice = 200 * time.Millisecond

	// errorPause is the recovery sleep after a failed or skipped tick.
	errorPause = 1 * time.Second

	// errorRetention is how long lastError stays visible in status
	// snapshots after the condition cleared.
	errorRetention = 30 * time.Second
)

// Config carries the per-engine tunables plus the identity fields the
// status snapshots report.
type Config struct {
	StrategyID int64
	Symbol     string

	TaskID     string
	WorkerIP   string
	WorkerHost string

	// PollInterval is the tick period.
	PollInterval time.Duration

	// ReconcileInterval is the cadence of the repair pass.
	ReconcileInterval time.Duration

	// CallTimeout bounds every adapter call made by the engine.
	CallTimeout time.Duration

	// MissingThreshold overrides how many consecutive repair passes an
	// order may be missing from the venue before eviction. 0 keeps the
	// syncer default.
	MissingThreshold int

	// Ring capacities for the processed-fill and stop-loss-fired sets.
	ProcessedRingSize int
	StopLossRingSize  int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ProcessedRingSize <= 0 {
		c.ProcessedRingSize = 1000
	}
	if c.StopLossRingSize <= 0 {
		c.StopLossRingSize = 1000
	}
}
