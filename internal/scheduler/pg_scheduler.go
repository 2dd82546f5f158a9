package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	redisclient "github.com/carebridge/referral-handoff/internal/redis"
)

// PgScheduler books appointments in Postgres. Concurrent bookings for the
// same provider and time are serialized through a short Redis lock; the
// unique index on (provider_id, scheduled_at) is the backstop if the lock
// expires mid-booking.
type PgScheduler struct {
	pool   *pgxpool.Pool
	locker redisclient.Locker
}

func NewPgScheduler(pool *pgxpool.Pool, locker redisclient.Locker) *PgScheduler {
	return &PgScheduler{pool: pool, locker: locker}
}

func bookingLockKey(providerID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("lock:booking:%s:%d", providerID, at.Unix())
}

// Schedule creates an appointment for the patient/provider pair at the
// requested time, or fails with ErrTimeUnavailable if the slot is taken.
func (s *PgScheduler) Schedule(ctx context.Context, patientID, providerID uuid.UUID, at time.Time, reason string, notes *string, referralID *uuid.UUID) (uuid.UUID, error) {
	var created uuid.UUID

	err := s.locker.WithLock(ctx, bookingLockKey(providerID, at), func(lockCtx context.Context) error {
		// Re-check inside the critical section.
		var existing uuid.UUID
		err := s.pool.QueryRow(lockCtx, `
			SELECT id
			FROM appointments
			WHERE provider_id = $1 AND scheduled_at = $2
		`, providerID, at).Scan(&existing)
		if err == nil {
			return ErrTimeUnavailable
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check provider availability: %w", err)
		}

		id := uuid.New()
		_, err = s.pool.Exec(lockCtx, `
			INSERT INTO appointments (id, patient_id, provider_id, scheduled_at, reason, notes, referral_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		`, id, patientID, providerID, at, reason, notes, referralID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrTimeUnavailable
			}
			return fmt.Errorf("insert appointment: %w", err)
		}

		created = id
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return uuid.Nil, ErrSlotBeingBooked
		}
		return uuid.Nil, err
	}

	return created, nil
}

// Get loads an appointment by id.
func (s *PgScheduler) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var a Appointment

	err := s.pool.QueryRow(ctx, `
		SELECT id, patient_id, provider_id, scheduled_at, reason, notes, referral_id, created_at
		FROM appointments
		WHERE id = $1
	`, id).Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.ScheduledAt, &a.Reason, &a.Notes, &a.ReferralID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("appointment %s not found", id)
		}
		return nil, err
	}

	return &a, nil
}
