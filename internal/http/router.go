package http

import (
	"crypto/rsa"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-waitlist/internal/idempotency"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/rateLimit"
)

type RouterConfig struct {
	// JWTKey verifies bearer tokens. Nil trusts the X-User-ID header.
	JWTKey      *rsa.PublicKey
	RateLimiter *rateLimit.RateLimiter
	Limits      RateLimits
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTKey, logger))
		r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Limits))
		r.Use(IdempotencyMiddleware(cfg.Idempotency, logger))

		r.Get("/v1/events/{id}", h.GetEvent)
		r.Post("/v1/events/{id}/queue", h.Enqueue)
		r.Get("/v1/events/{id}/queue/position", h.GetPosition)
		r.Get("/v1/events/{id}/ticket", h.GetTicket)
		r.Get("/v1/tickets", h.ListTickets)
		r.Post("/v1/entries/{id}/purchase", h.Purchase)
		r.Delete("/v1/entries/{id}", h.Cancel)

		r.With(RequireAdmin).Post("/v1/events", h.CreateEvent)
		r.With(RequireAdmin).Patch("/v1/events/{id}", h.UpdateEvent)
	})

	return r
}
