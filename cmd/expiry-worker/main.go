package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/carebridge/referral-handoff/internal/config"
	"github.com/carebridge/referral-handoff/internal/db"
	"github.com/carebridge/referral-handoff/internal/metrics"
	redisclient "github.com/carebridge/referral-handoff/internal/redis"
	"github.com/carebridge/referral-handoff/internal/referral"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config load error")
	}

	log := newLogger(cfg.Env).With().Str("service", "expiry-worker").Logger()
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.SweepInterval).
		Int("batch", cfg.SweepBatchSize).
		Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	mtx := metrics.NewCollector(prometheus.DefaultRegisterer)
	repo := referral.NewPgRepository(pgPool)
	locker := redisclient.NewRedisKeyLocker(rdb, cfg.LockTTL)
	sweeper := referral.NewSweeper(repo, locker, mtx, log, cfg.SweepInterval, cfg.SweepBatchSize)

	sweeper.Run(rootCtx)

	log.Info().Msg("expiry-worker stopped")
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
