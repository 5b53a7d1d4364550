package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/sequence-engine/internal/api"
	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/scheduler"
	"github.com/ignite/sequence-engine/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate("scheduler"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.SetRedactPII(cfg.IsProduction())
	logger.Info("starting sequence scheduler", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if cfg.EnableMetrics || cfg.EnableDebug {
		ops := api.NewServer("scheduler", db, nil, cfg.EnableMetrics, cfg.EnableDebug)
		ops.Start(cfg.DebugPort)
		defer ops.Shutdown(context.Background())
	}

	sched := scheduler.New(db, cfg.Scheduler)
	sched.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	sched.Stop()
	logger.Info("scheduler stopped")
}
