package access

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/carebridge/referral-handoff/internal/referral"
)

func TestDecide(t *testing.T) {
	receiver := uuid.New()
	sender := uuid.New()
	r := &referral.Referral{
		FromProviderID: sender,
		ToProviderID:   receiver,
	}

	tests := []struct {
		name    string
		actorID uuid.UUID
		role    referral.Role
		want    bool
	}{
		{"receiving provider", receiver, referral.RoleProvider, true},
		{"operator on any referral", uuid.New(), referral.RoleOperator, true},
		{"sending provider has no authority", sender, referral.RoleProvider, false},
		{"unrelated provider", uuid.New(), referral.RoleProvider, false},
		{"unknown role", receiver, referral.Role("auditor"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.actorID, tt.role, r))
		})
	}
}
