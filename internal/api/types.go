package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/referral-handoff/internal/referral"
)

type CreateReferralRequest struct {
	FromProviderID string  `json:"from_provider_id,omitempty"` // defaults to the acting provider
	ToProviderID   string  `json:"to_provider_id"`
	PatientID      string  `json:"patient_id"`
	Reason         string  `json:"reason"`
	Urgency        string  `json:"urgency"`
	ClinicalNotes  *string `json:"clinical_notes,omitempty"`
	RequestedTests *string `json:"requested_tests,omitempty"`
	TTLHours       int     `json:"ttl_hours,omitempty"`
}

type AutoConvertRequest struct {
	DateTime          time.Time `json:"date_time"`
	AppointmentReason *string   `json:"appointment_reason,omitempty"`
	AppointmentNotes  *string   `json:"appointment_notes,omitempty"`
}

type AcceptReferralRequest struct {
	ExpectedVersion int64               `json:"expected_version"`
	Note            *string             `json:"note,omitempty"`
	AutoConvert     *AutoConvertRequest `json:"auto_convert,omitempty"`
}

type RejectReferralRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason"`
}

type ConvertReferralRequest struct {
	ExpectedVersion   int64     `json:"expected_version"`
	DateTime          time.Time `json:"date_time"`
	AppointmentReason *string   `json:"appointment_reason,omitempty"`
	AppointmentNotes  *string   `json:"appointment_notes,omitempty"`
}

type ReferralResponse struct {
	ID             uuid.UUID  `json:"id"`
	FromProviderID uuid.UUID  `json:"from_provider_id"`
	ToProviderID   uuid.UUID  `json:"to_provider_id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	Reason         string     `json:"reason"`
	Urgency        string     `json:"urgency"`
	ClinicalNotes  *string    `json:"clinical_notes,omitempty"`
	RequestedTests *string    `json:"requested_tests,omitempty"`
	Status         string     `json:"status"`
	AppointmentID  *uuid.UUID `json:"appointment_id,omitempty"`
	RejectedReason *string    `json:"rejected_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Version        int64      `json:"version"`
}

func toReferralResponse(r *referral.Referral) ReferralResponse {
	return ReferralResponse{
		ID:             r.ID,
		FromProviderID: r.FromProviderID,
		ToProviderID:   r.ToProviderID,
		PatientID:      r.PatientID,
		Reason:         r.Reason,
		Urgency:        string(r.Urgency),
		ClinicalNotes:  r.ClinicalNotes,
		RequestedTests: r.RequestedTests,
		Status:         string(r.Status),
		AppointmentID:  r.AppointmentID,
		RejectedReason: r.RejectedReason,
		CreatedAt:      r.CreatedAt,
		AcceptedAt:     r.AcceptedAt,
		ResolvedAt:     r.ResolvedAt,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
	}
}

type TriageQueueResponse struct {
	Referrals []ReferralResponse `json:"referrals"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Current is the post-write record on conflict responses so the
	// caller can re-decide against fresh state.
	Current *ReferralResponse `json:"current,omitempty"`

	// AppointmentID is set when a conversion's appointment was booked but
	// the referral link lost the version race; the appointment exists and
	// awaits reconciliation.
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}
