package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gridfleet/internal/bootstrap"
	"gridfleet/internal/core"
	"gridfleet/internal/engine"
	"gridfleet/internal/notify"
	"gridfleet/internal/stream"
	"gridfleet/pkg/concurrency"
	"gridfleet/pkg/crypto"
)

const (
	// consumeWait bounds each blocking pop so shutdown is noticed promptly.
	consumeWait = 2 * time.Second

	// probeInterval throttles the stop probe to one store read. The engine
	// probes once per sleep slice, far too often to hit the store every time.
	probeInterval = 500 * time.Millisecond
	probeTimeout  = time.Second

	// errorRecordTTL keeps a failed task's record visible for postmortem
	// before the store forgets it.
	errorRecordTTL = time.Hour

	cleanupTimeout = 10 * time.Second
)

// WorkerOptions tunes one fleet worker.
type WorkerOptions struct {
	Name string
	// ListenQueue overrides the targeted queue name, tasks:<name> by default.
	ListenQueue       string
	HeartbeatInterval time.Duration
	MaxEngines        int
}

// WorkerDeps are the process-wide collaborators every engine on this worker
// shares.
type WorkerDeps struct {
	KV        KV
	Decryptor *crypto.Decryptor
	Sink      core.ITradeSink
	Registry  *stream.Registry
	Logger    core.ILogger
}

// Worker drains task queues and runs one engine per dispatched strategy
// until its stop flag rises or the process shuts down.
type Worker struct {
	opts      WorkerOptions
	queue     string
	kv        KV
	decryptor *crypto.Decryptor
	sink      core.ITradeSink
	registry  *stream.Registry
	limiter   *notify.RateLimiter
	logger    core.ILogger

	ip   string
	host string

	// pool executes the engine goroutines with panic isolation.
	pool *concurrency.WorkerPool

	mu sync.Mutex
	// engines maps strategy id to its running engine. A nil entry is a
	// reservation between accept and build.
	engines map[int64]*engine.Engine
}

func NewWorker(opts WorkerOptions, deps WorkerDeps) (*Worker, error) {
	if deps.KV == nil {
		return nil, fmt.Errorf("worker: kv store is required")
	}
	if deps.Decryptor == nil {
		return nil, fmt.Errorf("worker: credential decryptor is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("worker: logger is required")
	}
	if opts.Name == "" {
		opts.Name, _ = os.Hostname()
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("worker: name is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.MaxEngines <= 0 {
		opts.MaxEngines = 32
	}
	queue := opts.ListenQueue
	if queue == "" {
		queue = queueKey(opts.Name)
	}
	registry := deps.Registry
	if registry == nil {
		registry = stream.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = opts.Name
	}

	logger := deps.Logger.WithField("worker", opts.Name)

	return &Worker{
		opts:      opts,
		queue:     queue,
		kv:        deps.KV,
		decryptor: deps.Decryptor,
		sink:      deps.Sink,
		registry:  registry,
		limiter:   notify.NewRateLimiter(deps.KV, 0),
		logger:    logger,
		ip:        localIP(),
		host:      host,
		// NonBlocking keeps the consume loop from ever stalling on a full
		// pool; the capacity check in accept makes that unreachable anyway.
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "EnginePool",
			MaxWorkers:  opts.MaxEngines,
			MaxCapacity: opts.MaxEngines,
			NonBlocking: true,
		}, logger),
		engines: make(map[int64]*engine.Engine),
	}, nil
}

// Run registers the worker and consumes tasks until ctx is cancelled, then
// drains every running engine before deregistering. It always returns nil
// after a clean drain; only registration failures surface as errors.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	w.logger.Info("Worker online", "queue", w.queue, "ip", w.ip, "max_engines", w.opts.MaxEngines)

	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(ctx)
	}()

	for ctx.Err() == nil {
		_, payload, err := w.kv.BRPop(ctx, consumeWait, w.queue, anyQueue)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("Task queue read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if payload == "" {
			continue
		}
		w.accept(ctx, payload)
	}

	w.logger.Info("Worker draining", "engines", w.EngineCount())
	w.mu.Lock()
	for _, eng := range w.engines {
		if eng != nil {
			eng.Stop()
		}
	}
	w.mu.Unlock()
	w.pool.Stop()
	hb.Wait()
	w.deregister()
	w.logger.Info("Worker offline", "pool_stats", w.pool.Stats())
	return nil
}

// EngineCount is the number of strategies currently held by this worker,
// reservations included.
func (w *Worker) EngineCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.engines)
}

func (w *Worker) accept(ctx context.Context, payload string) {
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		w.logger.Error("Discarding undecodable task", "error", err)
		return
	}
	logger := w.logger.WithField("task_id", task.ID).WithField("strategy_id", task.StrategyID)

	w.mu.Lock()
	if _, held := w.engines[task.StrategyID]; held {
		w.mu.Unlock()
		logger.Warn("Task rejected, strategy already active on this worker")
		return
	}
	if len(w.engines) >= w.opts.MaxEngines {
		w.mu.Unlock()
		logger.Warn("Task rejected, worker at capacity", "max_engines", w.opts.MaxEngines)
		return
	}
	w.engines[task.StrategyID] = nil
	w.mu.Unlock()

	if err := w.pool.Submit(func() { w.runTask(ctx, &task) }); err != nil {
		w.forget(task.StrategyID)
		logger.Warn("Task rejected", "error", err)
	}
}

// runTask drives one dispatched strategy from lock acquisition to lock
// release. The order is fixed: coordinator state is written before the
// engine exists and cleaned only after it is gone.
func (w *Worker) runTask(ctx context.Context, task *Task) {
	logger := w.logger.WithField("task_id", task.ID).WithField("strategy_id", task.StrategyID)
	defer w.forget(task.StrategyID)

	// 1. One live engine per strategy, fleet-wide. Contention is a clean
	// reject, not a requeue: the dispatcher already chose where it runs.
	lock := NewStrategyLock(w.kv, task.StrategyID, task.ID, logger)
	if err := lock.Acquire(ctx); err != nil {
		logger.Warn("Task rejected", "error", err)
		return
	}

	// A stop flag left over from a previous run must not kill this one.
	_ = w.kv.Del(ctx, stopKey(task.StrategyID))

	// 2. The running record precedes the engine so the API never observes
	// a locked strategy with no state.
	writer := NewStatusWriter(w.kv, task.StrategyID, logger)
	started := time.Now()
	_ = writer.Publish(ctx, &core.StatusSnapshot{
		StrategyID: task.StrategyID,
		TaskID:     task.ID,
		WorkerIP:   w.ip,
		WorkerHost: w.host,
		Status:     core.RunStatusRunning,
		StartedAt:  started,
		UpdatedAt:  started,
	})

	// 3. Open the credential envelopes and assemble the engine.
	cfg, err := task.StrategyConfig(w.decryptor)
	if err != nil {
		w.failTask(lock, writer, task, err)
		return
	}
	notifier := notify.NewLimited(notify.NewLogNotifier(logger), w.limiter, cfg.Owner, cfg.ID)
	eng, err := bootstrap.BuildEngine(cfg, bootstrap.EngineDeps{
		Registry:   w.registry,
		Sink:       w.sink,
		Status:     writer,
		Notifier:   notifier,
		Probe:      w.stopProbe(task.StrategyID),
		Logger:     logger,
		TaskID:     task.ID,
		WorkerIP:   w.ip,
		WorkerHost: w.host,
	})
	if err != nil {
		w.failTask(lock, writer, task, err)
		return
	}
	w.adopt(task.StrategyID, eng)
	logger.Info("Task started", "venue", cfg.Venue, "symbol", cfg.Symbol)

	// 4. Stop reaches the engine three ways: a process signal cancels ctx,
	// the stop flag trips the probe, worker drain calls Stop directly.

	// 5. Run to completion, then terminal bookkeeping. Cleanup runs on its
	// own context because ctx is already dead on the signal path.
	runErr := eng.Run(ctx)

	cleanup, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if runErr != nil {
		logger.Error("Engine terminated", "error", runErr)
		now := time.Now()
		_ = writer.Publish(cleanup, &core.StatusSnapshot{
			StrategyID: task.StrategyID,
			TaskID:     task.ID,
			WorkerIP:   w.ip,
			WorkerHost: w.host,
			Status:     core.RunStatusError,
			StartedAt:  started,
			UpdatedAt:  now,
			LastError:  runErr.Error(),
		})
		_ = w.kv.Expire(cleanup, runningKey(task.StrategyID), errorRecordTTL)
	} else {
		_ = writer.Clear(cleanup)
	}
	_ = w.kv.Del(cleanup, stopKey(task.StrategyID))
	if err := lock.Release(cleanup); err != nil {
		logger.Error("Lock release failed", "error", err)
	}
	logger.Info("Task finished")
}

// failTask records a build failure where the API can read it. The errored
// record expires on its own instead of being cleared, so the cause survives
// the worker.
func (w *Worker) failTask(lock *StrategyLock, writer *StatusWriter, task *Task, cause error) {
	w.logger.Error("Task failed to start",
		"task_id", task.ID, "strategy_id", task.StrategyID, "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	now := time.Now()
	_ = writer.Publish(ctx, &core.StatusSnapshot{
		StrategyID: task.StrategyID,
		TaskID:     task.ID,
		WorkerIP:   w.ip,
		WorkerHost: w.host,
		Status:     core.RunStatusError,
		StartedAt:  now,
		UpdatedAt:  now,
		LastError:  cause.Error(),
	})
	_ = w.kv.Expire(ctx, runningKey(task.StrategyID), errorRecordTTL)
	_ = lock.Release(ctx)
}

// stopProbe builds the engine's stop probe: a read of the stop flag capped
// at one store round trip per probeInterval. Once the flag is seen the probe
// answers from memory.
func (w *Worker) stopProbe(strategyID int64) core.StopProbe {
	var mu sync.Mutex
	var lastCheck time.Time
	var stopped bool
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return true
		}
		if time.Since(lastCheck) < probeInterval {
			return false
		}
		lastCheck = time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		val, err := w.kv.Get(ctx, stopKey(strategyID))
		if err != nil {
			// Store trouble never stops a healthy engine.
			return false
		}
		stopped = val != ""
		return stopped
	}
}

func (w *Worker) adopt(strategyID int64, eng *engine.Engine) {
	w.mu.Lock()
	w.engines[strategyID] = eng
	w.mu.Unlock()
}

func (w *Worker) forget(strategyID int64) {
	w.mu.Lock()
	delete(w.engines, strategyID)
	w.mu.Unlock()
}

func (w *Worker) register(ctx context.Context) error {
	if err := w.kv.SAdd(ctx, workersActiveKey, w.opts.Name); err != nil {
		return fmt.Errorf("worker register: %w", err)
	}
	return w.kv.Set(ctx, livenessKey(w.opts.Name), "1", 3*w.opts.HeartbeatInterval)
}

// heartbeat refreshes the liveness key. Membership in workers:active
// survives a crash; the liveness key does not, which is how the dispatcher
// tells a dead worker from a busy one.
func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.register(ctx); err != nil {
				w.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.kv.SRem(ctx, workersActiveKey, w.opts.Name)
	_ = w.kv.Del(ctx, livenessKey(w.opts.Name))
}

// localIP picks the first non-loopback IPv4 address, falling back to
// loopback when the host has none.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}
