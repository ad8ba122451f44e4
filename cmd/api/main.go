package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	mongoadapter "github.com/robertarktes/ticket-waitlist/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-waitlist/internal/adapters/redis"
	"github.com/robertarktes/ticket-waitlist/internal/app"
	"github.com/robertarktes/ticket-waitlist/internal/config"
	httphandler "github.com/robertarktes/ticket-waitlist/internal/http"
	"github.com/robertarktes/ticket-waitlist/internal/idempotency"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/rateLimit"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
	"golang.org/x/sync/errgroup"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "waitlist-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

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
	jwtKey, err := a.JWTKey()
	if err != nil {
		log.Fatalf("failed to load jwt key: %v", err)
	}

	checks := map[string]httphandler.Checker{}
	routerCfg := httphandler.RouterConfig{
		JWTKey: jwtKey,
		Limits: httphandler.RateLimits{PerUser: cfg.RateLimitUser, PerIP: cfg.RateLimitIP},
	}
	if a.Pool != nil {
		checks["crdb"] = pingFunc(a.Pool.Ping)
	}
	if a.Redis != nil {
		cache := redisadapter.NewCache(a.Redis)
		checks["redis"] = cache
		routerCfg.RateLimiter = rateLimit.NewRateLimiter(cache)
		routerCfg.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(a.Redis), cfg.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, rate limiting and idempotent replay are disabled")
	}

	var catalog httphandler.Catalog
	if db := a.MongoDB(); db != nil {
		catalog = mongoadapter.NewCatalogRepository(db, logger)
		checks["mongo"] = pingFunc(func(ctx context.Context) error { return a.Mongo.Ping(ctx, nil) })
	}

	handlers := httphandler.NewHandlers(svc, catalog, checks, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, logger, routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	// With SWEEP_MODE=asynq the expiry worker owns the schedule; lazy expiry
	// on read still applies here.
	if cfg.SweepMode == "ticker" {
		g.Go(func() error {
			waitlist.NewSweeper(svc).Run(gctx, cfg.SweepInterval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
		return
	}
	logger.Info("Server exiting")
}
