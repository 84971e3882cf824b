// Package main provides the entry point for the regime engine API server:
// four statistical detectors, an ensemble combiner, and historical event
// validation over sovereign bond yield data.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantfold/jgb-regime/internal/api"
	"github.com/quantfold/jgb-regime/internal/config"
	"github.com/quantfold/jgb-regime/internal/data"
	"github.com/quantfold/jgb-regime/internal/metrics"
	"github.com/quantfold/jgb-regime/internal/pipeline"
	"github.com/quantfold/jgb-regime/internal/regime"
	"github.com/quantfold/jgb-regime/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting regime engine",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("yield_csv", cfg.Data.YieldCSV),
	)

	// Load and screen the input series.
	yields, err := data.LoadSeriesCSV(cfg.Data.YieldCSV)
	if err != nil {
		logger.Fatal("load yield series", zap.Error(err))
	}
	report := data.NewQualityValidator(logger).Validate(yields, "yield")
	if !report.IsUsable {
		logger.Fatal("yield series failed quality screening",
			zap.Int("score", report.Score),
			zap.Int("issues", len(report.Issues)))
	}
	input := regime.BuildInput(yields, regime.DefaultFeatureConfig())

	// Events are optional; without them validation is skipped.
	var events []types.PolicyEvent
	if cfg.Data.EventsFile != "" {
		events, err = data.LoadEvents(cfg.Data.EventsFile)
		if err != nil {
			logger.Fatal("load events", zap.Error(err))
		}
		logger.Info("policy events loaded", zap.Int("count", len(events)))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	detectors := regime.DefaultDetectors(logger,
		cfg.Detectors.Markov, cfg.Detectors.HMM, cfg.Detectors.Entropy, cfg.Detectors.GARCH)
	pipe := pipeline.New(logger, cfg.Pipeline, detectors, m)

	store, err := data.OpenStore(logger, cfg.Data.DatabasePath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()
	if err := store.SaveSeries(context.Background(), "yield", yields); err != nil {
		logger.Warn("persist yield series", zap.Error(err))
	}

	server := api.NewServer(logger, cfg.Server, pipe, store, input, events, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch cfg.Level {
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

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: cfg.Development,
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

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
