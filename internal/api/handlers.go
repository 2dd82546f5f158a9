package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carebridge/referral-handoff/internal/referral"
	"github.com/carebridge/referral-handoff/internal/scheduler"
)

// ReferralService is the engine surface the handlers drive.
type ReferralService interface {
	Create(ctx context.Context, p referral.CreateParams) (*referral.Referral, error)
	Accept(ctx context.Context, p referral.AcceptParams) (*referral.Referral, error)
	Reject(ctx context.Context, p referral.RejectParams) (*referral.Referral, error)
	Convert(ctx context.Context, p referral.ConvertParams) (*referral.Referral, error)
	Get(ctx context.Context, id uuid.UUID) (*referral.Referral, error)
	ListTriageQueue(ctx context.Context, actorID uuid.UUID) ([]referral.Referral, error)
}

func createReferralHandler(svc ReferralService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := GetActorID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no actor in request context")
			return
		}

		var req CreateReferralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		fromProviderID := actorID
		if req.FromProviderID != "" {
			id, err := uuid.Parse(req.FromProviderID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_from_provider_id", "from_provider_id must be a valid UUID")
				return
			}
			fromProviderID = id
		}

		toProviderID, err := uuid.Parse(req.ToProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to_provider_id", "to_provider_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		created, err := svc.Create(r.Context(), referral.CreateParams{
			FromProviderID: fromProviderID,
			ToProviderID:   toProviderID,
			PatientID:      patientID,
			Reason:         req.Reason,
			Urgency:        referral.Urgency(req.Urgency),
			ClinicalNotes:  req.ClinicalNotes,
			RequestedTests: req.RequestedTests,
			TTL:            time.Duration(req.TTLHours) * time.Hour,
		})
		if err != nil {
			handleEngineError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toReferralResponse(created))
	}
}

func getReferralHandler(svc ReferralService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		ref, err := svc.Get(r.Context(), id)
		if err != nil {
			handleEngineError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReferralResponse(ref))
	}
}

func acceptReferralHandler(svc ReferralService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		actorID, ok := GetActorID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no actor in request context")
			return
		}

		var req AcceptReferralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		params := referral.AcceptParams{
			ReferralID:      id,
			ActorID:         actorID,
			ExpectedVersion: req.ExpectedVersion,
			Note:            req.Note,
		}
		if req.AutoConvert != nil {
			params.AutoConvert = &referral.ConvertDetails{
				DateTime:          req.AutoConvert.DateTime,
				AppointmentReason: req.AutoConvert.AppointmentReason,
				AppointmentNotes:  req.AutoConvert.AppointmentNotes,
			}
		}

		updated, err := svc.Accept(r.Context(), params)
		if err != nil {
			handleEngineError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReferralResponse(updated))
	}
}

func rejectReferralHandler(svc ReferralService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		actorID, ok := GetActorID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no actor in request context")
			return
		}

		var req RejectReferralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		updated, err := svc.Reject(r.Context(), referral.RejectParams{
			ReferralID:      id,
			ActorID:         actorID,
			ExpectedVersion: req.ExpectedVersion,
			Reason:          req.Reason,
		})
		if err != nil {
			handleEngineError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReferralResponse(updated))
	}
}

func convertReferralHandler(svc ReferralService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		actorID, ok := GetActorID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no actor in request context")
			return
		}

		var req ConvertReferralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		updated, err := svc.Convert(r.Context(), referral.ConvertParams{
			ReferralID:      id,
			ActorID:         actorID,
			ExpectedVersion: req.ExpectedVersion,
			Details: referral.ConvertDetails{
				DateTime:          req.DateTime,
				AppointmentReason: req.AppointmentReason,
				AppointmentNotes:  req.AppointmentNotes,
			},
		})
		if err != nil {
			handleEngineError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReferralResponse(updated))
	}
}

func triageQueueHandler(svc ReferralService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := GetActorID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no actor in request context")
			return
		}

		refs, err := svc.ListTriageQueue(r.Context(), actorID)
		if err != nil {
			handleEngineError(w, err)
			return
		}

		resp := TriageQueueResponse{Referrals: make([]ReferralResponse, 0, len(refs))}
		for i := range refs {
			resp.Referrals = append(resp.Referrals, toReferralResponse(&refs[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_referral_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// handleEngineError maps the engine's error taxonomy onto HTTP. Conflict
// payloads carry the current record, and an orphaned appointment id when
// one exists, so callers can re-decide or reconcile.
func handleEngineError(w http.ResponseWriter, err error) {
	var (
		validationErr *referral.ValidationError
		forbiddenErr  *referral.ForbiddenError
		finalizedErr  *referral.AlreadyFinalizedError
		conflictErr   *referral.ConflictError
		schedErr      *referral.SchedulingConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation_error", validationErr.Error())
	case errors.As(err, &forbiddenErr):
		writeError(w, http.StatusForbidden, "forbidden", forbiddenErr.Error())
	case errors.Is(err, referral.ErrReferralNotFound):
		writeError(w, http.StatusNotFound, "referral_not_found", err.Error())
	case errors.As(err, &finalizedErr):
		cur := toReferralResponse(finalizedErr.Current)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "already_finalized",
			Details: finalizedErr.Error(),
			Current: &cur,
		})
	case errors.As(err, &conflictErr):
		resp := ErrorResponse{
			Error:         "conflict",
			Details:       conflictErr.Error(),
			AppointmentID: conflictErr.AppointmentID,
		}
		if conflictErr.Current != nil {
			cur := toReferralResponse(conflictErr.Current)
			resp.Current = &cur
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.As(err, &schedErr):
		writeError(w, http.StatusConflict, "scheduling_conflict", schedErr.Error())
	case errors.Is(err, scheduler.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
