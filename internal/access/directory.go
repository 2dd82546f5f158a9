package access

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/referral-handoff/internal/referral"
)

// Directory resolves staff identity and role from the provider table and
// gates lifecycle transitions: the receiving provider may act on their own
// inbound referrals, operators may act on any provider's behalf, and
// nobody else may act at all. The sending provider keeps no authority over
// the handoff once it is created.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) RoleOf(ctx context.Context, actorID uuid.UUID) (referral.Role, bool, error) {
	var role referral.Role

	err := d.pool.QueryRow(ctx, `
		SELECT role
		FROM providers
		WHERE id = $1
	`, actorID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	return role, true, nil
}

func (d *Directory) Authorize(ctx context.Context, actorID uuid.UUID, action referral.Action, r *referral.Referral) (bool, error) {
	role, known, err := d.RoleOf(ctx, actorID)
	if err != nil {
		return false, err
	}
	if !known {
		return false, nil
	}
	return Decide(actorID, role, r), nil
}

// Decide is the pure authorization rule: accept, reject and convert are
// all gated the same way, on the receiving side of the handoff.
func Decide(actorID uuid.UUID, role referral.Role, r *referral.Referral) bool {
	if role == referral.RoleOperator {
		return true
	}
	return role == referral.RoleProvider && actorID == r.ToProviderID
}
