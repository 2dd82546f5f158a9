package scheduler

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeUnavailable means the provider already has an appointment at
	// the requested time.
	ErrTimeUnavailable = errors.New("provider unavailable at requested time")

	// ErrSlotBeingBooked means another booking for the same provider and
	// time currently holds the lock.
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")
)

// Appointment is the scheduled visit a referral converts into. ReferralID
// records the source referral so an appointment whose referral link lost a
// version race stays discoverable for reconciliation.
type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	ProviderID  uuid.UUID
	ScheduledAt time.Time
	Reason      string
	Notes       *string
	ReferralID  *uuid.UUID
	CreatedAt   time.Time
}
