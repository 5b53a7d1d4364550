package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/sequence-engine/internal/api"
	"github.com/ignite/sequence-engine/internal/broker"
	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/pump"
	"github.com/ignite/sequence-engine/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate("pump"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.SetRedactPII(cfg.IsProduction())
	logger.Info("starting outbox pump", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	mq, err := broker.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Error("broker connection failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	if err := mq.DeclareQueue(store.SequenceTopic); err != nil {
		logger.Error("queue declaration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to broker", "queue", store.SequenceTopic)

	if cfg.EnableMetrics || cfg.EnableDebug {
		ops := api.NewServer("pump", db, mq, cfg.EnableMetrics, cfg.EnableDebug)
		ops.Start(cfg.DebugPort)
		defer ops.Shutdown(context.Background())
	}

	p := pump.New(db, mq, cfg.Pump)
	p.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-mq.NotifyClose():
		logger.Error("broker connection lost", "error", err)
	}

	cancel()
	p.Stop()
	logger.Info("pump stopped")
}
