package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/momentum-trader/internal/bridge"
	"github.com/rickgao/momentum-trader/internal/config"
	"github.com/rickgao/momentum-trader/internal/detect"
	"github.com/rickgao/momentum-trader/internal/execution"
	"github.com/rickgao/momentum-trader/internal/extractor"
	"github.com/rickgao/momentum-trader/internal/news"
	"github.com/rickgao/momentum-trader/internal/position"
	"github.com/rickgao/momentum-trader/internal/store"
	"github.com/rickgao/momentum-trader/internal/supervisor"
	"github.com/rickgao/momentum-trader/internal/tws"
	"github.com/rickgao/momentum-trader/internal/version"
)

// startupDeadline bounds how long the first connect cycle may take before
// the process gives up.
const startupDeadline = 2 * time.Minute

func main() {
	configPath := flag.String("config", "configs/trader.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting trader",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"provider", cfg.News.ProviderCode,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to the trade store
	logger.Info("connecting to trade store",
		"host", cfg.Store.Host,
		"port", cfg.Store.Port,
		"database", cfg.Store.Name,
	)

	ledger, err := store.Connect(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to connect to trade store", "error", err)
		os.Exit(3)
	}
	defer ledger.Close()

	logger.Info("trade store connected")

	// Ticker extractor client
	extractorClient := extractor.NewClient(
		cfg.Extractor.URL,
		extractor.WithTimeout(cfg.Extractor.Timeout),
		extractor.WithLogger(logger),
	)

	// Broker bridge
	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.Session = tws.SessionConfig{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		ClientID:       cfg.Broker.ClientID,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		QueueSize:      4096,
	}
	bridgeCfg.ProviderCode = cfg.News.ProviderCode

	broker := bridge.NewBridge(bridgeCfg, func() tws.Session {
		return tws.NewSession(bridgeCfg.Session, logger)
	}, logger)

	// Pipeline stages
	newsStage := news.NewStage(news.DefaultConfig(), broker.News(), extractorClient, logger)

	detectCfg := detect.DefaultConfig()
	detectCfg.WorkerCount = cfg.Detection.WorkerCount
	detectCfg.PriceMult = cfg.Detection.PriceMult
	detectCfg.VolMult = cfg.Detection.VolMult
	detectCfg.Cooldown = time.Duration(cfg.Detection.CooldownSec) * time.Second
	detectStage := detect.NewStage(detectCfg, newsStage.Events(), broker, logger)

	// Close orders go through the execution stage so entries and exits
	// share one submission order. The adapter is completed once the stage
	// exists; nothing runs before Start.
	posBroker := &positionBroker{Bridge: broker}
	positions := position.New(position.DefaultConfig(), posBroker, ledger, logger)

	// Connection supervisor with the post-connect checklist. The gate it
	// owns feeds into the execution stage below.
	connSup := supervisor.New(supervisor.DefaultConfig(), broker, logger,
		supervisor.SyncStep{Name: "reconcile_positions", Run: positions.Reconcile},
		supervisor.SyncStep{Name: "news_providers", Run: func(ctx context.Context) error {
			providers, err := broker.NewsProviders(ctx)
			if err != nil {
				// Informational only; the subscription step decides health.
				logger.Warn("news provider list unavailable", "error", err)
				return nil
			}
			logger.Info("news providers available", "providers", providers)
			return nil
		}},
		supervisor.SyncStep{Name: "subscribe_news", Run: broker.SubscribeNews},
		supervisor.SyncStep{Name: "account_summary", Run: func(ctx context.Context) error {
			_, err := broker.AccountSummary(ctx)
			return err
		}},
		supervisor.SyncStep{Name: "resume_quote_streams", Run: positions.ResumeStreams},
	)

	execCfg := execution.DefaultConfig()
	execCfg.PerTradeFraction = cfg.Risk.PerTradeFraction
	execCfg.TakeProfitPct = cfg.Risk.TakeProfitPct
	execCfg.MaxHold = time.Duration(cfg.Risk.MaxHoldSec) * time.Second
	execCfg.AccountBasis = cfg.Risk.AccountValueBasis
	execStage := execution.NewStage(execCfg, detectStage.Signals(), broker, connSup, positions, ledger, logger)
	posBroker.exec = execStage

	// Start everything back to front so consumers are ready before
	// producers.
	if err := broker.Start(ctx); err != nil {
		logger.Error("failed to start bridge", "error", err)
		os.Exit(2)
	}
	if err := positions.Start(ctx); err != nil {
		logger.Error("failed to start position supervisor", "error", err)
		os.Exit(2)
	}
	if err := execStage.Start(ctx); err != nil {
		logger.Error("failed to start execution stage", "error", err)
		os.Exit(2)
	}
	if err := detectStage.Start(ctx); err != nil {
		logger.Error("failed to start detection stage", "error", err)
		os.Exit(2)
	}
	if err := newsStage.Start(ctx); err != nil {
		logger.Error("failed to start news stage", "error", err)
		os.Exit(2)
	}
	if err := connSup.Start(ctx); err != nil {
		logger.Error("failed to start connection supervisor", "error", err)
		os.Exit(2)
	}

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(ledger, broker, connSup, positions, execStage, logger),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// The supervisor retries forever once running, but a process that
	// never reaches operational is misconfigured.
	if !waitOperational(ctx, connSup, startupDeadline) {
		if ctx.Err() == nil {
			logger.Error("broker never reached operational state", "deadline", startupDeadline)
			os.Exit(2)
		}
	} else {
		logger.Info("trader running",
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
		)
	}

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	// Close the gate first so nothing new opens, then the stages front to
	// back. The position supervisor stops before the execution stage so an
	// in-flight exit order can still complete; the bridge goes last.
	connSup.Stop()
	newsStage.Stop()
	detectStage.Stop()
	positions.Stop()
	execStage.Stop()
	broker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("trader stopped")
}

// positionBroker gives the position supervisor the bridge's streams and
// reports but routes close orders through the execution stage's serial
// worker.
type positionBroker struct {
	*bridge.Bridge
	exec *execution.Stage
}

func (b *positionBroker) PlaceMarketOrder(ctx context.Context, symbol, action string, qty int64) (tws.OrderStatusReport, error) {
	return b.exec.SubmitClose(ctx, symbol, action, qty)
}

// waitOperational blocks until the supervisor reaches the operational
// state, the deadline passes, or ctx is cancelled.
func waitOperational(ctx context.Context, s *supervisor.Supervisor, deadline time.Duration) bool {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-ticker.C:
			if s.State() == supervisor.StateOperational {
				return true
			}
		}
	}
}

// createHealthHandler creates the HTTP handler for health and stats.
func createHealthHandler(ledger *store.PostgresStore, broker *bridge.Bridge, connSup *supervisor.Supervisor, positions *position.Supervisor, execStage *execution.Stage, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		if err := ledger.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["trade_store"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["trade_store"] = "connected"
		}

		status := connSup.Status()
		health.Components["connection"] = status
		if status.State != supervisor.StateOperational.String() {
			health.Status = "degraded"
		}

		health.Components["bridge"] = broker.Snapshot()
		health.Components["positions"] = positions.Snapshot()
		health.Components["execution"] = execStage.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Error("failed to encode health response", "error", err)
		}
	})

	return mux
}
