package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const referralColumns = `
	id, from_provider_id, to_provider_id, patient_id,
	reason, urgency, clinical_notes, requested_tests,
	status, appointment_id, rejected_reason,
	created_at, accepted_at, resolved_at, expires_at, version`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanReferral(row pgx.Row) (*Referral, error) {
	var r Referral

	err := row.Scan(
		&r.ID,
		&r.FromProviderID,
		&r.ToProviderID,
		&r.PatientID,
		&r.Reason,
		&r.Urgency,
		&r.ClinicalNotes,
		&r.RequestedTests,
		&r.Status,
		&r.AppointmentID,
		&r.RejectedReason,
		&r.CreatedAt,
		&r.AcceptedAt,
		&r.ResolvedAt,
		&r.ExpiresAt,
		&r.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}

	return &r, nil
}

func scanReferrals(rows pgx.Rows) ([]Referral, error) {
	defer rows.Close()

	var result []Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (p *PgRepository) Insert(ctx context.Context, r *Referral) error {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO referrals (
			id, from_provider_id, to_provider_id, patient_id,
			reason, urgency, clinical_notes, requested_tests,
			status, created_at, expires_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		RETURNING `+referralColumns+`
	`, r.ID, r.FromProviderID, r.ToProviderID, r.PatientID,
		r.Reason, r.Urgency, r.ClinicalNotes, r.RequestedTests,
		r.Status, r.CreatedAt, r.ExpiresAt)

	inserted, err := scanReferral(row)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}

	*r = *inserted
	return nil
}

func (p *PgRepository) Load(ctx context.Context, id uuid.UUID) (*Referral, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE id = $1
	`, id)
	return scanReferral(row)
}

// CompareAndSwap writes the mutable fields of next guarded by the version
// column. The UPDATE commits nothing unless the stored version still equals
// expectedVersion, which is what makes "first commit wins" hold without any
// lock being held across the engine's read-decide-write window.
func (p *PgRepository) CompareAndSwap(ctx context.Context, next *Referral, expectedVersion int64) (*Referral, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE referrals
		SET status          = $2,
		    appointment_id  = $3,
		    rejected_reason = $4,
		    accepted_at     = $5,
		    resolved_at     = $6,
		    version         = version + 1
		WHERE id = $1
		  AND version = $7
		RETURNING `+referralColumns+`
	`, next.ID, next.Status, next.AppointmentID, next.RejectedReason,
		next.AcceptedAt, next.ResolvedAt, expectedVersion)

	updated, err := scanReferral(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrReferralNotFound) {
		return nil, fmt.Errorf("compare-and-swap referral: %w", err)
	}

	// No row matched: either the referral is gone or a concurrent writer
	// already advanced the version. Re-read to tell which.
	current, loadErr := p.Load(ctx, next.ID)
	if loadErr != nil {
		return nil, loadErr
	}
	return current, ErrVersionMismatch
}

func (p *PgRepository) ListOpenFor(ctx context.Context, providerID uuid.UUID) ([]Referral, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE to_provider_id = $1
		  AND status = 'pending'
	`, providerID)
	if err != nil {
		return nil, err
	}
	return scanReferrals(rows)
}

func (p *PgRepository) ListOpenAll(ctx context.Context) ([]Referral, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE status = 'pending'
	`)
	if err != nil {
		return nil, err
	}
	return scanReferrals(rows)
}

func (p *PgRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]Referral, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE status IN ('pending', 'accepted')
		  AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanReferrals(rows)
}

func (p *PgRepository) InsertEvent(ctx context.Context, ev Event) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO referral_events (event_type, referral_id, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.ReferralID, ev.ActorID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert referral event: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
