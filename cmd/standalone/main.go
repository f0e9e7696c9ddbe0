package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"gridfleet/internal/bootstrap"
	"gridfleet/internal/config"
	"gridfleet/internal/core"
	"gridfleet/internal/engine"
	"gridfleet/internal/logging"
	"gridfleet/internal/notify"
	"gridfleet/internal/storage"
	"gridfleet/internal/stream"
	"gridfleet/pkg/telemetry"
)

var configFile = flag.String("config", "configs/standalone.yaml", "Path to configuration file")

// logStatus is the status sink for coordinator-less runs: snapshots go to
// the log instead of a shared store.
type logStatus struct {
	logger core.ILogger
}

func (s *logStatus) Publish(ctx context.Context, snap *core.StatusSnapshot) error {
	s.logger.Debug("Status",
		"strategy_id", snap.StrategyID,
		"status", string(snap.Status),
		"price", snap.CurrentPrice.String(),
		"pending_buys", snap.PendingBuys,
		"pending_sells", snap.PendingSells,
		"positions", snap.PositionCount,
		"last_error", snap.LastError)
	return nil
}

func main() {
	flag.Parse()

	// 1. Initialize Logger (re-leveled once config is loaded)
	logger, _ := logging.NewZapLogger("INFO")

	// 2. Override flags with Env Vars if present
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 3. Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", "config", *configFile, "error", err)
	}
	if len(cfg.Strategies) == 0 {
		logger.Fatal("No strategies configured", "config", *configFile)
	}
	if leveled, err := logging.NewZapLogger(cfg.System.LogLevel); err == nil {
		logger = leveled
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting standalone runner...", "strategies", len(cfg.Strategies))

	// 4. Telemetry and the scrape endpoint
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.Setup("gridfleet-standalone", strings.EqualFold(cfg.System.LogLevel, "DEBUG"))
		if err != nil {
			logger.Fatal("Failed to initialize telemetry", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(ctx)
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		go func() {
			if err := http.ListenAndServe(cfg.Telemetry.ListenAddr, mux); err != nil {
				logger.Error("Telemetry endpoint failed", "addr", cfg.Telemetry.ListenAddr, "error", err)
			}
		}()
	}

	// 5. Trade sink shared by every engine
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN.Value(), logger)
	if err != nil {
		logger.Fatal("Failed to open trade store", "driver", cfg.Database.Driver, "error", err)
	}
	defer store.Close()

	// 6. Build one engine per configured strategy
	status := &logStatus{logger: logger}
	registry := stream.Default()

	engines := make([]*engine.Engine, 0, len(cfg.Strategies))
	for i := range cfg.Strategies {
		sc := &cfg.Strategies[i]
		eng, err := bootstrap.BuildEngine(sc, bootstrap.EngineDeps{
			Registry: registry,
			Sink:     store,
			Status:   status,
			Notifier: notify.NewLogNotifier(logger),
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal("Failed to build engine", "strategy_id", sc.ID, "error", err)
		}
		engines = append(engines, eng)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, runCtx := errgroup.WithContext(ctx)
	for _, eng := range engines {
		e := eng
		g.Go(func() error { return e.Run(runCtx) })
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()

	// 7. Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		if !cfg.System.CancelOnExit {
			// Hard exit: running the stop discipline would cancel the
			// resting orders. The next start adopts them through order
			// recovery.
			logger.Info("Received signal, exiting with orders resting", "signal", sig)
			os.Exit(0)
		}
		logger.Info("Received signal, stopping strategies", "signal", sig)
		for _, eng := range engines {
			eng.Stop()
		}
		if err := <-waitCh; err != nil {
			logger.Error("Engine group exited with error", "error", err)
		}
		logger.Info("All strategies stopped")
	case err := <-waitCh:
		if err != nil {
			logger.Fatal("Engine group failed", "error", err)
		}
		logger.Info("All strategies finished")
	}
}
