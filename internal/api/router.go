// Package api wires the relay's HTTP surface.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/api/middleware"
	"github.com/pactmesh/pact/internal/handlers"
	"github.com/pactmesh/pact/internal/store"
)

// RouterConfig carries the router's tunables.
type RouterConfig struct {
	RateLimitWhitelist []string
}

// NewRouter creates and configures the HTTP router. redisStore may be nil
// in development; rate limiting is skipped and nonce replay protection
// falls back to the in-process store.
func NewRouter(logger zerolog.Logger, db store.DataStore, redisStore *store.RedisStore, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if redisStore != nil {
		limiter := middleware.NewRateLimiter(redisStore.Client(), logger, middleware.RateLimiterConfig{
			Whitelist: cfg.RateLimitWhitelist,
		})
		r.Use(limiter.Middleware)
	}

	// Agents call from anywhere.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Pact-DID", "X-Pact-Nonce", "X-Pact-Timestamp", "X-Pact-Signature"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var nonces store.NonceStore
	if redisStore != nil {
		nonces = redisStore
	} else {
		nonces = store.NewMemoryNonceStore()
	}

	h := handlers.NewHandler(db, redisStore, logger)
	auth := middleware.NewAuthMiddleware(db, nonces)

	r.Handle("/metrics", promhttp.Handler())

	// Public routes.
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Post("/register", h.Register)
	r.Get("/messages", h.GetMessages)
	r.Get("/escrow/{requestID}", h.GetEscrow)
	r.Post("/payments/verify", h.VerifyPayment)
	r.Get("/ledger/{did}", h.GetLedger)

	// Signed routes.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/messages", h.PostMessage)
		r.Post("/escrow/hold", h.HoldEscrow)
		r.Post("/escrow/{requestID}/release", h.ResolveEscrow)
	})

	return r
}
