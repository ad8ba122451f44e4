package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/robertarktes/ticket-waitlist/internal/adapters/kafka"
	mongoadapter "github.com/robertarktes/ticket-waitlist/internal/adapters/mongo"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-waitlist/internal/app"
	"github.com/robertarktes/ticket-waitlist/internal/config"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/projection"
)

const (
	auditQueue = "waitlist.audit"
	auditGroup = "waitlist-audit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "waitlist-audit-consumer")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	if cfg.MongoURI == "" {
		log.Fatal("audit consumer requires MONGO_URI")
	}
	cfg.StoreBackend = "none"
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open backends: %v", err)
	}
	defer a.Close()

	db := a.MongoDB()
	projector := projection.NewProjector(
		mongoadapter.NewAuditLogger(db, logger),
		mongoadapter.NewCatalogRepository(db, logger),
		logger,
	)

	logger.WithField("bus", cfg.EventBus).Info("audit consumer started")
	switch cfg.EventBus {
	case "kafka":
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, auditGroup)
		defer consumer.Close()
		err = consumer.Run(ctx, projector.Handle)
	default:
		conn, cerr := a.Rabbit()
		if cerr != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", cerr)
		}
		consumer, cerr := rabbit.NewConsumer(conn, auditQueue)
		if cerr != nil {
			log.Fatalf("failed to create consumer: %v", cerr)
		}
		defer consumer.Close()
		err = consumer.Run(ctx, projector.Handle)
	}
	if err != nil {
		logger.WithError(err).Error("audit consumer stopped")
		return
	}
	logger.Info("Shutdown audit consumer")
}
