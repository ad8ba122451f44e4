package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertarktes/ticket-waitlist/internal/app"
	"github.com/robertarktes/ticket-waitlist/internal/config"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
)

const (
	relayInterval = time.Second
	relayBatch    = 100
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "waitlist-outbox-publisher")
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

	sink, err := a.Sink()
	if err != nil {
		log.Fatalf("failed to open event bus: %v", err)
	}

	relay := outbox.NewRelay(a.Store, sink, nil, logger, relayBatch)
	logger.WithField("bus", cfg.EventBus).Info("Outbox publisher started")
	relay.Run(ctx, relayInterval)
	logger.Info("Shutdown outbox publisher")
}
