package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/robertarktes/ticket-waitlist/internal/app"
	"github.com/robertarktes/ticket-waitlist/internal/config"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
	"github.com/robertarktes/ticket-waitlist/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "waitlist-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	observability.InitMetrics()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open backends: %v", err)
	}
	defer a.Close()

	svc, err := a.Service()
	if err != nil {
		log.Fatalf("failed to build waitlist: %v", err)
	}
	sweeper := waitlist.NewSweeper(svc)

	if cfg.SweepMode != "asynq" {
		logger.WithField("interval", cfg.SweepInterval.String()).Info("expiry worker started")
		sweeper.Run(ctx, cfg.SweepInterval)
		logger.Info("Shutdown expiry worker")
		return
	}

	if cfg.RedisAddr == "" {
		log.Fatal("SWEEP_MODE=asynq requires REDIS_ADDR")
	}
	runner, err := worker.NewRunner(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, worker.NewHandlers(sweeper, logger), cfg.SweepInterval)
	if err != nil {
		log.Fatalf("failed to create asynq runner: %v", err)
	}
	logger.WithField("interval", cfg.SweepInterval.String()).Info("expiry worker started on asynq")
	if err := runner.Run(ctx); err != nil {
		logger.WithError(err).Error("asynq runner failed")
		return
	}
	logger.Info("Shutdown expiry worker")
}
