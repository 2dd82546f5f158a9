package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the store adapter for referral records. Writes go through
// CompareAndSwap so that no two mutations can commit against the same
// starting version.
type Repository interface {
	Insert(ctx context.Context, r *Referral) error
	Load(ctx context.Context, id uuid.UUID) (*Referral, error)

	// CompareAndSwap persists next iff the stored version still equals
	// expectedVersion, bumping the version by one. On a lost race it
	// returns the now-current record together with ErrVersionMismatch so
	// the caller can re-decide.
	CompareAndSwap(ctx context.Context, next *Referral, expectedVersion int64) (*Referral, error)

	// ListOpenFor returns pending referrals addressed to one provider;
	// ListOpenAll returns every pending referral (operator queues).
	ListOpenFor(ctx context.Context, providerID uuid.UUID) ([]Referral, error)
	ListOpenAll(ctx context.Context) ([]Referral, error)

	// FindOverdue returns unresolved referrals whose deadline has passed,
	// oldest deadline first, at most limit rows.
	FindOverdue(ctx context.Context, now time.Time, limit int) ([]Referral, error)

	InsertEvent(ctx context.Context, ev Event) error
}
