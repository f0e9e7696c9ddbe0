package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gridfleet/internal/config"
	"gridfleet/internal/core"
	"gridfleet/pkg/crypto"
)

// stopFlagTTL keeps an unconsumed stop flag from blocking a future start of
// the same strategy forever.
const stopFlagTTL = time.Hour

// Task is the dispatch payload between the management side and workers.
// Credentials travel as encrypted envelopes and are only opened inside the
// worker, which is why this is not config.StrategyConfig: that type redacts
// its secrets when marshalled.
type Task struct {
	ID         string `json:"task_id"`
	StrategyID int64  `json:"strategy_id"`
	// Worker targets one worker's queue; empty means any worker.
	Worker string `json:"worker,omitempty"`

	Account  TaskAccount  `json:"account"`
	Strategy TaskStrategy `json:"strategy"`
}

// TaskAccount carries the venue binding and encrypted credentials.
type TaskAccount struct {
	Owner         string `json:"owner"`
	Venue         string `json:"venue"`
	APIKeyEnc     string `json:"api_key_enc"`
	APISecretEnc  string `json:"api_secret_enc"`
	PassphraseEnc string `json:"passphrase_enc,omitempty"`
	Testnet       bool   `json:"testnet,omitempty"`
}

// TaskStrategy carries the strategy parameters verbatim.
type TaskStrategy struct {
	Symbol              string            `json:"symbol"`
	Grid                config.GridConfig `json:"grid"`
	Risk                config.RiskConfig `json:"risk"`
	PollIntervalMS      int               `json:"poll_interval_ms,omitempty"`
	ReconcileIntervalMS int               `json:"reconcile_interval_ms,omitempty"`
	RepriceThreshold    float64           `json:"reprice_threshold,omitempty"`
}

// StrategyConfig opens the credential envelopes and produces the validated
// config block the engine builder consumes.
func (t *Task) StrategyConfig(dec *crypto.Decryptor) (*config.StrategyConfig, error) {
	apiKey, err := dec.Decrypt(t.Account.APIKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", err)
	}
	apiSecret, err := dec.Decrypt(t.Account.APISecretEnc)
	if err != nil {
		return nil, fmt.Errorf("api secret: %w", err)
	}
	var passphrase string
	if t.Account.PassphraseEnc != "" {
		if passphrase, err = dec.Decrypt(t.Account.PassphraseEnc); err != nil {
			return nil, fmt.Errorf("passphrase: %w", err)
		}
	}

	cfg := &config.StrategyConfig{
		ID:         t.StrategyID,
		Venue:      t.Account.Venue,
		Symbol:     t.Strategy.Symbol,
		Owner:      t.Account.Owner,
		APIKey:     config.Secret(apiKey),
		APISecret:  config.Secret(apiSecret),
		Passphrase: config.Secret(passphrase),
		Testnet:    t.Account.Testnet,

		Grid: t.Strategy.Grid,
		Risk: t.Strategy.Risk,

		PollIntervalMS:      t.Strategy.PollIntervalMS,
		ReconcileIntervalMS: t.Strategy.ReconcileIntervalMS,
		RepriceThreshold:    t.Strategy.RepriceThreshold,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return cfg, nil
}

// Dispatcher is the management-side half of the dispatch contract: it
// enqueues start tasks and raises stop flags. Workers consume with
// Worker.Run.
type Dispatcher struct {
	kv     KV
	logger core.ILogger
}

func NewDispatcher(kv KV, logger core.ILogger) *Dispatcher {
	return &Dispatcher{kv: kv, logger: logger.WithField("component", "dispatcher")}
}

// Dispatch enqueues the task. A targeted dispatch is refused when the worker
// is not registered live, because a queue nobody drains strands the task
// silently.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task) error {
	if task.StrategyID == 0 {
		return fmt.Errorf("dispatch: strategy id is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	queue := anyQueue
	if task.Worker != "" {
		// The liveness key distinguishes a crashed worker, which lingers
		// in the membership set, from one that still drains its queue.
		alive, err := d.kv.Get(ctx, livenessKey(task.Worker))
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if alive == "" {
			return fmt.Errorf("dispatch: worker %q is not alive", task.Worker)
		}
		queue = queueKey(task.Worker)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := d.kv.LPush(ctx, queue, string(payload)); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	d.logger.Info("Task dispatched",
		"task_id", task.ID, "strategy_id", task.StrategyID, "queue", queue)
	return nil
}

// Stop requests a cooperative stop: the running record flips to stopping
// immediately for API readers, and the stop flag is raised for the worker's
// probe to find.
func (d *Dispatcher) Stop(ctx context.Context, strategyID int64) error {
	fields := map[string]string{"status": string(core.RunStatusStopping)}
	if err := d.kv.HSet(ctx, runningKey(strategyID), fields); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := d.kv.Set(ctx, stopKey(strategyID), "1", stopFlagTTL); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	d.logger.Info("Stop requested", "strategy_id", strategyID)
	return nil
}

// Workers lists the currently registered worker names.
func (d *Dispatcher) Workers(ctx context.Context) ([]string, error) {
	return d.kv.SMembers(ctx, workersActiveKey)
}

// Running returns the raw running record for one strategy, empty when none.
func (d *Dispatcher) Running(ctx context.Context, strategyID int64) (map[string]string, error) {
	return d.kv.HGetAll(ctx, runningKey(strategyID))
}
