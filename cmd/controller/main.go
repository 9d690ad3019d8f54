// Package main provides the entry point for the grid trading controller.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gridtrader/ki-controller/internal/api"
	"github.com/gridtrader/ki-controller/internal/broker"
	"github.com/gridtrader/ki-controller/internal/config"
	"github.com/gridtrader/ki-controller/internal/controller"
	"github.com/gridtrader/ki-controller/internal/executionmgr"
	"github.com/gridtrader/ki-controller/internal/levelpool"
	"github.com/gridtrader/ki-controller/internal/optimizer"
	"github.com/gridtrader/ki-controller/internal/pattern"
	"github.com/gridtrader/ki-controller/internal/predictor"
	"github.com/gridtrader/ki-controller/internal/risk"
	"github.com/gridtrader/ki-controller/internal/scoring"
	"github.com/gridtrader/ki-controller/internal/timeprofile"
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/internal/volatility"
	"github.com/gridtrader/ki-controller/internal/volume"
	"github.com/gridtrader/ki-controller/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file (optional, defaults used if absent)")
	scenariosPath := flag.String("scenarios", "", "Path to a JSON scenario catalog (optional; a small demo catalog is used if absent)")
	dataDir := flag.String("data", "./data", "Data directory for controller state persistence")
	addr := flag.String("addr", "", "Override the API listen address (e.g. :8080)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg := config.Load(logger, *configPath)
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}
	cfg.Controller.StatePath = filepath.Join(*dataDir, "controller_state.json")

	logger.Info("starting grid trading controller",
		zap.Strings("symbols", cfg.Controller.Symbols),
		zap.String("mode", string(cfg.Controller.DefaultMode)),
		zap.String("apiAddr", cfg.API.Addr),
	)

	scenarios, err := loadScenarios(*scenariosPath)
	if err != nil {
		logger.Fatal("failed to load scenario catalog", zap.Error(err))
	}
	if len(cfg.Controller.Symbols) == 0 {
		cfg.Controller.Symbols = symbolsOf(scenarios)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := levelpool.New(logger, cfg.Pool)
	added := pool.ImportFromScenarios(scenarios)
	logger.Info("imported scenario catalog", zap.Int("levelsAdded", added))

	paperBroker := broker.NewPaper(logger, cfg.Paper)
	catalog := make(map[types.LevelID]types.Level)
	for _, lvl := range pool.Query(levelpool.Filter{}) {
		catalog[lvl.ID] = lvl
	}
	paperBroker.SeedCatalog(catalog)

	volMonitor := volatility.New(logger, cfg.Volatility)
	volAnalyzer := volume.New(logger, cfg.Volume)
	timeProfile, err := timeprofile.New(logger, cfg.Time)
	if err != nil {
		logger.Fatal("failed to initialize time profile", zap.Error(err))
	}
	patternMatcher := pattern.New(logger, cfg.Pattern)
	scorer := scoring.New(logger, cfg.Scoring)
	opt := optimizer.New(logger, cfg.Optimizer)
	pred := predictor.New(logger, cfg.Predictor)
	riskMgr := risk.New(logger, cfg.Risk)
	wd := watchdog.New(logger, cfg.Watchdog)
	execMgr := executionmgr.New(logger, cfg.Execution)

	ctl := controller.New(logger, cfg.Controller, controller.Deps{
		Broker:     paperBroker,
		Volatility: volMonitor,
		Volume:     volAnalyzer,
		Time:       timeProfile,
		Pattern:    patternMatcher,
		Pool:       pool,
		Scorer:     scorer,
		Optimizer:  opt,
		Predictor:  pred,
		Risk:       riskMgr,
		Watchdog:   wd,
		Execution:  execMgr,
	})

	metrics := api.NewMetrics()
	server := api.NewServer(logger, api.Config{
		Addr:               cfg.API.Addr,
		CORSAllowedOrigins: cfg.API.CORSAllowedOrigins,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
	}, ctl, metrics)

	go runDemoPriceFeed(ctx, logger, paperBroker, cfg.Controller.Symbols)

	if err := ctl.Start(ctx); err != nil {
		logger.Fatal("failed to start controller", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	ctl.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during api server shutdown", zap.Error(err))
	}

	logger.Info("controller stopped")
}

// loadScenarios reads a JSON-encoded []types.Scenario catalog from path,
// falling back to the worked cold-start example from spec.md section 10
// (symbol ACME, levels L1/L2) when no path is given. Scenario generation
// itself is an external collaborator's job; this only reads its output.
func loadScenarios(path string) ([]types.Scenario, error) {
	if path == "" {
		return demoScenarios(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scenarios []types.Scenario
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return nil, err
	}
	return scenarios, nil
}

func demoScenarios() []types.Scenario {
	return []types.Scenario{
		{
			ID:     "demo-acme",
			Symbol: "ACME",
			Levels: []types.ScenarioLevel{
				{
					LevelNum: 1,
					Side:     types.SideLong,
					Shares:   100,
					EntryPct: decimal.NewFromFloat(-0.003),
					ExitPct:  decimal.NewFromFloat(0.005),
					Tags:     []string{"demo"},
				},
				{
					LevelNum: 2,
					Side:     types.SideLong,
					Shares:   100,
					EntryPct: decimal.NewFromFloat(-0.006),
					ExitPct:  decimal.NewFromFloat(0.005),
					Tags:     []string{"demo"},
				},
			},
		},
	}
}

func symbolsOf(scenarios []types.Scenario) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range scenarios {
		if !seen[s.Symbol] {
			seen[s.Symbol] = true
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols
}

// runDemoPriceFeed drives the paper broker with a simple random walk per
// symbol, standing in for the real market-data collaborator spec.md
// section 1 puts out of scope. Grounded on the teacher's own reach for
// math/rand in its simulation adapter rather than a third-party RNG.
func runDemoPriceFeed(ctx context.Context, logger *zap.Logger, paperBroker *broker.Paper, symbols []string) {
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = 100.0
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				base := prices[symbol]
				delta := base * (rng.Float64() - 0.5) * 0.004
				next := base + delta
				if next <= 0 {
					next = base
				}
				prices[symbol] = next

				price := decimal.NewFromFloat(next).Round(4)
				spread := price.Mul(decimal.NewFromFloat(0.0005))
				paperBroker.SetPrice(symbol, price,
					price.Sub(spread), price.Add(spread),
					decimal.NewFromInt(10000),
					price.Add(spread), price.Sub(spread))
			}
		}
	}
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
