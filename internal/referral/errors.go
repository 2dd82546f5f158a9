package referral

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrReferralNotFound = errors.New("referral not found")

	// ErrVersionMismatch is returned by the store adapter when a
	// compare-and-swap loses against a concurrent writer.
	ErrVersionMismatch = errors.New("referral version mismatch")
)

// ValidationError reports malformed input. It carries no retry semantics.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ForbiddenError reports that the actor lacks authority over this referral
// and action.
type ForbiddenError struct {
	ActorID uuid.UUID
	Action  Action
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s this referral", e.ActorID, e.Action)
}

// ConflictError reports that the referral moved under the caller: the
// expected version no longer matches. Current carries the post-write record
// so the caller can re-decide. If a conversion's appointment was created
// before the store write lost the race, AppointmentID is set and the caller
// must treat it as "appointment exists, referral link pending retry" rather
// than retrying blindly.
type ConflictError struct {
	Current       *Referral
	AppointmentID *uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.AppointmentID != nil {
		return fmt.Sprintf("referral changed concurrently; appointment %s awaits reconciliation", *e.AppointmentID)
	}
	return "referral changed concurrently"
}

// AlreadyFinalizedError is the conflict case that permits no re-decision:
// the referral is already in a terminal state.
type AlreadyFinalizedError struct {
	Current *Referral
}

func (e *AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("referral already finalized as %s", e.Current.Status)
}

// SchedulingConflictError reports that the appointment scheduler rejected
// the requested time. The referral is left untouched; the caller may pick a
// new time.
type SchedulingConflictError struct {
	ProviderID uuid.UUID
	Err        error
}

func (e *SchedulingConflictError) Error() string {
	return fmt.Sprintf("provider %s is not available at the requested time", e.ProviderID)
}

func (e *SchedulingConflictError) Unwrap() error {
	return e.Err
}
