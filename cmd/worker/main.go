package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/sequence-engine/internal/ai"
	"github.com/ignite/sequence-engine/internal/api"
	"github.com/ignite/sequence-engine/internal/broker"
	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/provider"
	"github.com/ignite/sequence-engine/internal/ratelimit"
	"github.com/ignite/sequence-engine/internal/store"
	"github.com/ignite/sequence-engine/internal/template"
	"github.com/ignite/sequence-engine/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate("worker"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.SetRedactPII(cfg.IsProduction())
	logger.Info("starting sequence worker", "env", cfg.Env)

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

	deliveries, err := mq.Consume(store.SequenceTopic, "sequence-worker")
	if err != nil {
		logger.Error("consume failed", "error", err)
		os.Exit(1)
	}
	logger.Info("consuming", "queue", store.SequenceTopic)

	var sender provider.Sender
	if cfg.IsProduction() {
		sender = provider.NewSESSender(cfg.SES)
	} else {
		sender = provider.NewMockSender()
	}
	logger.Info("provider ready", "provider", sender.Name())

	opts := []template.Option{template.WithBaseURL(cfg.BaseURL)}
	if cfg.Gemini.Enabled {
		opts = append(opts, template.WithOpener(ai.NewGeminiClient(cfg.Gemini)))
		logger.Info("ai opener enabled", "model", cfg.Gemini.Model)
	}
	processor := template.NewProcessor(opts...)

	var limiter worker.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer rl.Close()
		limiter = rl
		logger.Info("send throttling enabled")
	}

	if cfg.EnableMetrics || cfg.EnableDebug {
		ops := api.NewServer("worker", db, mq, cfg.EnableMetrics, cfg.EnableDebug)
		ops.Start(cfg.DebugPort)
		defer ops.Shutdown(context.Background())
	}

	w := worker.New(db, sender, processor, mq, limiter, cfg.Worker)
	w.Start(ctx, deliveries)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-mq.NotifyClose():
		logger.Error("broker connection lost", "error", err)
	}

	// Let the in-flight message finish within the grace window.
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Worker.Grace()):
		logger.Warn("grace period expired with a message still in flight")
	}

	cancel()
	logger.Info("worker stopped")
}
