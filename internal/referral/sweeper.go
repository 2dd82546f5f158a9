package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/referral-handoff/internal/metrics"
	redisclient "github.com/carebridge/referral-handoff/internal/redis"
)

const sweepLockKey = "lock:referral-sweep"

// Sweeper finalizes referrals whose deadline passed without human action.
// Each overdue referral is expired with a compare-and-swap against the
// version the scan read: if a human action committed in between, the
// sweeper's write loses and is discarded, never retried. The Redis lock
// only keeps replicated workers from scanning the same batch twice; it is
// not a correctness mechanism.
type Sweeper struct {
	repo     Repository
	locker   redisclient.Locker
	mtx      *metrics.Collector
	log      zerolog.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewSweeper(repo Repository, locker redisclient.Locker, mtx *metrics.Collector, log zerolog.Logger, interval time.Duration, batch int) *Sweeper {
	return &Sweeper{
		repo:     repo,
		locker:   locker,
		mtx:      mtx,
		log:      log.With().Str("component", "expiry-sweeper").Logger(),
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("expiry sweeper stopping")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := s.SweepOnce(runCtx)
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.mtx.SweepSkipped.Inc()
			s.log.Debug().Msg("sweep lock held elsewhere, skipping tick")
			return
		}
		s.log.Error().Err(err).Msg("sweep run failed")
		return
	}

	s.log.Info().
		Int("expired", expired).
		Dur("took", time.Since(start)).
		Msg("sweep run complete")
}

// SweepOnce performs a single sweep pass and reports how many referrals it
// expired. A pass that cannot take the sweep lock returns
// redisclient.ErrLockNotAcquired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired := 0

	err := s.locker.WithLock(ctx, sweepLockKey, func(lockCtx context.Context) error {
		now := s.now()

		overdue, err := s.repo.FindOverdue(lockCtx, now, s.batch)
		if err != nil {
			return fmt.Errorf("find overdue referrals: %w", err)
		}

		for _, r := range overdue {
			next := r
			next.Status = StatusExpired
			next.ResolvedAt = &now

			_, err := s.repo.CompareAndSwap(lockCtx, &next, r.Version)
			if err != nil {
				if errors.Is(err, ErrVersionMismatch) {
					// A human action got there first; their terminal
					// state stands.
					s.mtx.SweepLostRaces.Inc()
					continue
				}
				s.log.Error().Err(err).Str("referral_id", r.ID.String()).Msg("expire referral")
				continue
			}

			expired++
			s.mtx.SweepExpired.Inc()
			s.mtx.TransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
			s.insertExpiryEvent(lockCtx, r)
		}

		return nil
	})
	if err != nil {
		return expired, err
	}

	s.mtx.SweepRunsTotal.Inc()
	return expired, nil
}

func (s *Sweeper) insertExpiryEvent(ctx context.Context, r Referral) {
	payload, _ := json.Marshal(map[string]any{
		"expired_at": r.ExpiresAt,
		"was_status": string(r.Status),
	})

	ev := Event{
		EventType:  EventReferralExpired,
		ReferralID: r.ID,
		Payload:    payload,
		CreatedAt:  s.now(),
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("referral_id", r.ID.String()).Msg("insert expiry event")
	}
}
