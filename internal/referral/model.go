package referral

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusConverted Status = "converted"
	StatusExpired   Status = "expired"
)

type Urgency string

const (
	UrgencyRoutine   Urgency = "routine"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// Rank orders urgencies for triage: emergency > urgent > routine.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyEmergency:
		return 3
	case UrgencyUrgent:
		return 2
	case UrgencyRoutine:
		return 1
	default:
		return 0
	}
}

func (u Urgency) Valid() bool {
	return u.Rank() > 0
}

// transitions is the full edge set of the referral state machine.
// Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusConverted, StatusExpired},
	StatusAccepted: {StatusConverted, StatusExpired},
}

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusConverted, StatusExpired:
		return true
	}
	return false
}

// Referral is a request to hand a patient's care from one provider to
// another. The record is mutated only through the lifecycle engine or the
// expiry sweeper and is never deleted; terminal states stay for audit.
type Referral struct {
	ID             uuid.UUID
	FromProviderID uuid.UUID
	ToProviderID   uuid.UUID
	PatientID      uuid.UUID
	Reason         string
	Urgency        Urgency
	ClinicalNotes  *string
	RequestedTests *string
	Status         Status
	AppointmentID  *uuid.UUID
	RejectedReason *string
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	ResolvedAt     *time.Time
	ExpiresAt      time.Time
	Version        int64
}

// CheckInvariants verifies the at-rest consistency rules for a persisted
// referral: status-dependent fields agree with the status and timestamps
// are ordered.
func (r *Referral) CheckInvariants() error {
	if r.FromProviderID == r.ToProviderID {
		return &ValidationError{Field: "to_provider_id", Msg: "referral cannot point back at the sending provider"}
	}
	if r.Reason == "" {
		return &ValidationError{Field: "reason", Msg: "reason must not be empty"}
	}
	if !r.Urgency.Valid() {
		return &ValidationError{Field: "urgency", Msg: "unrecognized urgency"}
	}

	if (r.AppointmentID != nil) != (r.Status == StatusConverted) {
		return &ValidationError{Field: "appointment_id", Msg: "appointment id must be set exactly when status is converted"}
	}
	if (r.RejectedReason != nil) != (r.Status == StatusRejected) {
		return &ValidationError{Field: "rejected_reason", Msg: "rejected reason must be set exactly when status is rejected"}
	}
	// accepted_at survives a later expiry: accepted -> expired is a legal
	// edge and timestamps are set once, never unset.
	if r.AcceptedAt != nil && (r.Status == StatusPending || r.Status == StatusRejected) {
		return &ValidationError{Field: "accepted_at", Msg: "accepted_at set on a never-accepted referral"}
	}
	if (r.ResolvedAt != nil) != r.Status.Terminal() {
		return &ValidationError{Field: "resolved_at", Msg: "resolved_at must be set exactly on terminal referrals"}
	}
	if r.ResolvedAt != nil && r.ResolvedAt.Before(r.CreatedAt) {
		return &ValidationError{Field: "resolved_at", Msg: "resolved_at precedes created_at"}
	}
	return nil
}

// Event is an append-only audit record of an engine transition.
type Event struct {
	ID         int64
	EventType  string
	ReferralID uuid.UUID
	ActorID    *uuid.UUID
	Payload    []byte
	CreatedAt  time.Time
}
