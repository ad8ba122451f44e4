package http

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/ticket-waitlist/internal/idempotency"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const (
	headerUserID         = "X-User-ID"
	headerUserRole       = "X-User-Role"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	minIdempotencyKeyLen = 16
	roleAdmin            = "admin"
)

type principalKey struct{}

// Principal is the caller as established by AuthMiddleware.
type Principal struct {
	UserID string
	Role   string
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ctx := observability.ContextWithLogger(r.Context(), entry)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status()), r.Method).Inc()
			entry.WithFields(map[string]interface{}{
				"method":   r.Method,
				"route":    route,
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
			}).Debug("request served")
		})
	}
}

// AuthMiddleware resolves the caller from an RS256 bearer token's sub claim.
// With a nil key it trusts the X-User-ID header instead, for local runs.
func AuthMiddleware(key *rsa.PublicKey, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if key == nil {
				p = Principal{
					UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
					Role:   r.Header.Get(headerUserRole),
				}
			} else {
				var err error
				p, err = parseBearer(r.Header.Get("Authorization"), key)
				if err != nil {
					writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()})
					return
				}
			}
			if p.UserID == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing user"})
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, p)
			ctx = observability.ContextWithLogger(ctx,
				observability.LoggerFrom(ctx, logger).WithField("user_id", p.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseBearer(header string, key *rsa.PublicKey) (Principal, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errors.New("token has no subject")
	}
	role, _ := claims["role"].(string)
	return Principal{UserID: sub, Role: role}, nil
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		if p.Role != roleAdmin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimits are per-minute budgets. A zero budget disables that check.
type RateLimits struct {
	PerUser int
	PerIP   int
}

func RateLimitMiddleware(rl *rateLimit.RateLimiter, limits RateLimits) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			allowed := true
			if p, ok := PrincipalFrom(ctx); ok && limits.PerUser > 0 {
				allowed = rl.Allow(ctx, "user:"+p.UserID, limits.PerUser, time.Minute)
			}
			if allowed && limits.PerIP > 0 {
				allowed = rl.Allow(ctx, "ip:"+clientIP(r), limits.PerIP, time.Minute)
			}
			if !allowed {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IdempotencyMiddleware requires an Idempotency-Key on POST and replays the
// stored response for a repeated key. Server errors and responses marked
// with Retry-After are not stored so the client can retry them.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "missing Idempotency-Key"})
				return
			}
			if len(key) < minIdempotencyKeyLen {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "invalid Idempotency-Key"})
				return
			}
			if idemp == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			log := observability.LoggerFrom(ctx, logger)
			p, _ := PrincipalFrom(ctx)
			scoped := strings.Join([]string{p.UserID, r.Method, r.URL.Path, key}, "|")

			if stored, err := idemp.Get(ctx, scoped); err != nil {
				log.WithError(err).Warn("idempotency lookup failed")
			} else if stored != nil {
				replay(w, stored)
				return
			}

			release, err := idemp.Begin(ctx, scoped)
			if errors.Is(err, idempotency.ErrInProgress) {
				writeJSON(w, http.StatusConflict, errorBody{Error: "in_progress", Message: err.Error()})
				return
			}
			if err != nil {
				log.WithError(err).Warn("idempotency claim failed")
				next.ServeHTTP(w, r)
				return
			}
			defer release()

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError || rec.Header().Get("Retry-After") != "" {
				return
			}
			if err := idemp.Set(ctx, scoped, idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Result:      rec.body.Bytes(),
			}); err != nil {
				log.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, stored *idempotency.Response) {
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Result)
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer("http").Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.request_id", middleware.GetReqID(ctx)),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
