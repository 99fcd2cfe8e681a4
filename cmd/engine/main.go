// Package main is the process entry point: load config, wire every
// component in dependency order, run the scheduler until an OS signal
// requests shutdown. Grounded on the teacher's cmd/server/main.go
// (flag parsing, setupLogger, construction order, sigChan/signal.Notify
// graceful shutdown sequence).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/solweave/ammengine/internal/api"
	"github.com/solweave/ammengine/internal/candidate"
	"github.com/solweave/ammengine/internal/capital"
	"github.com/solweave/ammengine/internal/config"
	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/decision"
	"github.com/solweave/ammengine/internal/execution"
	"github.com/solweave/ammengine/internal/journal"
	"github.com/solweave/ammengine/internal/learning"
	"github.com/solweave/ammengine/internal/marketdata"
	"github.com/solweave/ammengine/internal/metrics"
	"github.com/solweave/ammengine/internal/position"
	"github.com/solweave/ammengine/internal/price"
	"github.com/solweave/ammengine/internal/regime"
	"github.com/solweave/ammengine/internal/registry"
	"github.com/solweave/ammengine/internal/scheduler"
	"github.com/solweave/ammengine/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting ammengine",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Bool("paper_trading", cfg.PaperTrading),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(logger, nil)
	matrix := strategy.New(logger, []*core.SignalCluster{})
	engine := decision.New(logger, matrix)

	capCtl := capital.New(logger,
		decimal.NewFromFloat(cfg.TotalCapitalBase),
		decimal.NewFromFloat(cfg.RiskBudgetBase),
		cfg.CapitalRegimeParams(),
	)

	oracle := marketdata.New(logger, cfg.MarketDataConfig())
	if err := oracle.Connect(ctx); err != nil {
		logger.Fatal("price feed connect failed", zap.Error(err))
	}

	priceSub := price.New(logger, oracle, 5*time.Millisecond)

	var executor core.SwapExecutor
	if cfg.PaperTrading {
		executor = execution.NewSimulatedExecutor(logger, priceSub, execution.DefaultSimulatedConfig())
	} else {
		executor = execution.NewJupiterExecutor(logger, cfg.JupiterConfig())
	}

	tradeJournal, err := journal.New(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("journal init failed", zap.Error(err))
	}

	posMgr := position.New(logger, executor, tradeJournal, capCtl)
	learner := learning.New(logger, reg, matrix, cfg.LearningConfig())

	regimeCfg := regime.DefaultConfig()
	regimeDt := regime.New(logger, regimeCfg)

	mcs := metrics.New()

	source := candidate.New(logger, noopFetch, candidate.DefaultConfig())

	sched := scheduler.New(logger, source, reg, engine, capCtl, posMgr, priceSub, learner, regimeDt, mcs, scheduler.Config{
		CandidatesPerSecond: cfg.CandidatesPerSecond,
		Thresholds: scheduler.Thresholds{
			ConfThreshold: decimal.NewFromFloat(cfg.ConfidenceThreshold),
			BaseSize:      decimal.NewFromFloat(0.02),
			MinSize:       decimal.NewFromFloat(0.005),
			MaxSize:       decimal.NewFromFloat(0.10),
		},
	})

	apiServer := api.New(logger, api.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		WebSocketPath: "/ws",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
	}, posMgr, capCtl, regimeDt)

	sched.OnDecision = apiServer.RecordDecision
	sched.OnPositionUpdate = apiServer.NotifyPositionUpdate
	sched.OnRegimeChange = apiServer.NotifyRegimeChange

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped with error", zap.Error(err))
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("ammengine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1/status", cfg.Host, cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Host, cfg.Port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}
	if err := tradeJournal.Close(); err != nil {
		logger.Error("journal close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// noopFetch is the default CandidateSource fetch function until a real
// token-discovery feed is configured; it returns no candidates every poll.
func noopFetch(ctx context.Context) ([]*core.Candidate, error) {
	return nil, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
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

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
