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

	"gridfleet/internal/config"
	"gridfleet/internal/coordinator"
	"gridfleet/internal/logging"
	"gridfleet/internal/storage"
	"gridfleet/internal/stream"
	"gridfleet/pkg/crypto"
	"gridfleet/pkg/telemetry"
)

var (
	configFile = flag.String("config", "configs/worker.yaml", "Path to configuration file")
	nameFlag   = flag.String("name", "", "Worker name (overrides config)")
)

func main() {
	flag.Parse()

	// 1. Initialize Logger (re-leveled once config is loaded)
	logger, _ := logging.NewZapLogger("INFO")

	// 2. Override flags with Env Vars if present
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}
	if envName := os.Getenv("WORKER_NAME"); envName != "" {
		*nameFlag = envName
	}

	// 3. Load Configuration. A worker cannot run on defaults: it needs the
	// store address and the credential passphrase.
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", "config", *configFile, "error", err)
	}
	if *nameFlag != "" {
		cfg.Worker.Name = *nameFlag
	}
	if leveled, err := logging.NewZapLogger(cfg.System.LogLevel); err == nil {
		logger = leveled
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting fleet worker...",
		"name", cfg.Worker.Name,
		"redis", cfg.Redis.Addr,
		"max_engines", cfg.Worker.MaxEngines)

	// 4. Telemetry and the scrape endpoint
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.Setup("gridfleet-worker", strings.EqualFold(cfg.System.LogLevel, "DEBUG"))
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
		logger.Info("Telemetry endpoint up", "addr", cfg.Telemetry.ListenAddr)
	}

	// 5. Coordinator store, trade sink, credential decryptor
	kv, err := coordinator.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password.Value(), cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("Failed to connect to coordinator store", "addr", cfg.Redis.Addr, "error", err)
	}
	defer kv.Close()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN.Value(), logger)
	if err != nil {
		logger.Fatal("Failed to open trade store", "driver", cfg.Database.Driver, "error", err)
	}
	defer store.Close()

	decryptor, err := crypto.NewDecryptor(cfg.Encryption.Passphrase.Value())
	if err != nil {
		logger.Fatal("Failed to initialize credential decryptor", "error", err)
	}

	// 6. Assemble the worker
	worker, err := coordinator.NewWorker(coordinator.WorkerOptions{
		Name:              cfg.Worker.Name,
		ListenQueue:       cfg.Worker.ListenQueue,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatInterval) * time.Second,
		MaxEngines:        cfg.Worker.MaxEngines,
	}, coordinator.WorkerDeps{
		KV:        kv,
		Decryptor: decryptor,
		Sink:      store,
		Registry:  stream.Default(),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Failed to build worker", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	// 7. Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("Worker failed", "error", err)
		}
		logger.Info("Worker exited")
	case sig := <-sigChan:
		logger.Info("Received signal, draining engines", "signal", sig)
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("Worker drain failed", "error", err)
		}
		logger.Info("Worker drained")
	}
}
