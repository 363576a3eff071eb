// Package main provides the entry point for the options engine: a
// multi-strategy coordinator with regime-gated entries, correlation limits,
// portfolio circuit breakers and crash-safe combination execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helios-desk/options-engine/internal/api"
	"github.com/helios-desk/options-engine/internal/broker"
	"github.com/helios-desk/options-engine/internal/config"
	"github.com/helios-desk/options-engine/internal/coordinator"
	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/internal/greeks"
	"github.com/helios-desk/options-engine/internal/marketdata"
	"github.com/helios-desk/options-engine/internal/metrics"
	"github.com/helios-desk/options-engine/internal/regime"
	"github.com/helios-desk/options-engine/internal/risk"
	"github.com/helios-desk/options-engine/internal/sizing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Config file path (YAML)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	tickInterval := flag.Duration("tick", 5*time.Second, "Coordinator tick interval")
	paperEquity := flag.Float64("paper-equity", 250000, "Paper account starting equity")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting options engine",
		zap.String("config", *configPath),
		zap.Int("strategies", len(cfg.Strategies)),
		zap.Duration("tick", *tickInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Register()

	// Paper stack: simulated feed and broker. A live deployment swaps these
	// for real collaborators implementing the same interfaces.
	sim := marketdata.NewSimFeed()
	sim.SetUnderlying("SPX", 5400, 0.18)
	sim.SetUnderlying("NDX", 19500, 0.21)
	sim.SetUnderlying("RUT", 2100, 0.23)
	feed := marketdata.NewFreshnessGate(sim, cfg.MarketData.StalenessThreshold)
	pb := broker.NewPaperBroker(logger, marketdata.FeedQuoter{Feed: feed},
		decimal.NewFromFloat(*paperEquity), true)

	ledger, err := execution.OpenLedger(logger, cfg.Execution.LedgerPath)
	if err != nil {
		logger.Fatal("Failed to open recovery ledger", zap.Error(err))
	}
	defer ledger.Close()

	executor := execution.NewExecutor(logger, pb, ledger, cfg.Execution)

	// Reconcile any in-flight combinations from a previous run before a
	// single strategy is allowed to tick.
	recovery := execution.NewRecovery(logger, executor)
	if err := recovery.Run(ctx); err != nil {
		logger.Fatal("Startup recovery failed; refusing to trade", zap.Error(err))
	}

	classifier := regime.NewClassifier(logger, feed, cfg.Regime)
	breakers := risk.NewBreakers(logger, cfg.Breakers)
	limiter := risk.NewLimiter(logger, cfg.Risk)
	sizer := sizing.NewSizer(logger, cfg.Sizing)
	greeksEngine := greeks.NewEngine(logger, cfg.MarketData.RiskFreeRate)

	coord, err := coordinator.New(logger, coordinator.Deps{
		Config:     *cfg,
		Classifier: classifier,
		Breakers:   breakers,
		Limiter:    limiter,
		Sizer:      sizer,
		Greeks:     greeksEngine,
		Broker:     pb,
		Market:     feed,
		Executor:   executor,
	})
	if err != nil {
		logger.Fatal("Failed to build coordinator", zap.Error(err))
	}

	server := api.NewServer(logger, cfg.Server, coord)
	coord.SetPublisher(server)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go coord.Run(ctx, *tickInterval)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	logger.Info("Engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping API server", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
