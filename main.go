package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/api"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/engine"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/eventbus"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/governance"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/intervals"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/rewards"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ledger warehouse",
		zap.String("commit", BuildCommit),
		zap.String("data_dir", cfg.DataDir),
		zap.String("db_path", cfg.DBPath),
		zap.Int("api_port", cfg.APIPort))

	if err := os.MkdirAll(cfg.RawDir(), 0o755); err != nil {
		logger.Fatal("create raw dir", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.LockDir(), 0o755); err != nil {
		logger.Fatal("create lock dir", zap.Error(err))
	}

	// 2. Storage. Opening also runs schema bootstrap.
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	// 3. Components
	bus := eventbus.New()
	defer bus.Close()

	wh := warehouse.New(st, logger, cfg.RawDir())
	tix := templateindex.NewBuilder(st, logger, cfg.DataDir,
		cfg.TemplateIndexWorkers, cfg.TemplateIndexConcurrency)
	votes := governance.New(st, tix, cfg.LockDir(), logger)
	ivals := intervals.New(st, tix, logger)
	coupon := rewards.New(st, tix, logger)
	eng := engine.NewWorker(cfg, wh, tix, votes, ivals, coupon, bus, logger)
	server := api.NewServer(cfg, st, wh, tix, votes, ivals, coupon, eng, bus, logger)

	// 4. Run until SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Start(ctx)
	}()

	if err := server.Start(ctx); err != nil {
		logger.Error("api server", zap.Error(err))
	}
	cancel()
	wg.Wait()
	logger.Info("stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
