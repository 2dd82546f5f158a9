package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carebridge/referral-handoff/internal/metrics"
)

type RouterConfig struct {
	Service   ReferralService
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
	Env       string
	Version   string
	JWTSecret string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware(cfg.Metrics))

	// Health and metrics endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Referral endpoints, actor-scoped
	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware(cfg.JWTSecret, cfg.Env == "dev"))

		r.Post("/referrals", createReferralHandler(cfg.Service))
		r.Get("/referrals/{id}", getReferralHandler(cfg.Service))
		r.Post("/referrals/{id}/accept", acceptReferralHandler(cfg.Service))
		r.Post("/referrals/{id}/reject", rejectReferralHandler(cfg.Service))
		r.Post("/referrals/{id}/convert", convertReferralHandler(cfg.Service))
		r.Get("/triage-queue", triageQueueHandler(cfg.Service))
	})

	return r
}
