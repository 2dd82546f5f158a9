package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/referral-handoff/internal/config"
	"github.com/carebridge/referral-handoff/internal/metrics"
	"github.com/carebridge/referral-handoff/internal/scheduler"
)

const (
	EventReferralCreated   = "REFERRAL_CREATED"
	EventReferralAccepted  = "REFERRAL_ACCEPTED"
	EventReferralRejected  = "REFERRAL_REJECTED"
	EventReferralConverted = "REFERRAL_CONVERTED"
	EventReferralExpired   = "REFERRAL_EXPIRED"
)

type Action string

const (
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionConvert Action = "convert"
)

type Role string

const (
	RoleProvider Role = "provider"
	RoleOperator Role = "operator"
)

// Authorizer resolves whether an actor may drive a transition on a
// referral. Providers act on referrals addressed to them; operators act on
// any provider's behalf.
type Authorizer interface {
	RoleOf(ctx context.Context, actorID uuid.UUID) (Role, bool, error)
	Authorize(ctx context.Context, actorID uuid.UUID, action Action, r *Referral) (bool, error)
}

// Scheduler books the appointment a conversion resolves into. A taken slot
// is reported as scheduler.ErrTimeUnavailable and must leave no partial
// state behind.
type Scheduler interface {
	Schedule(ctx context.Context, patientID, providerID uuid.UUID, at time.Time, reason string, notes *string, referralID *uuid.UUID) (uuid.UUID, error)
}

// Service is the referral lifecycle engine. It never holds a lock across
// the authorization check, the scheduler call, and the final write; all
// contention is resolved by the store's compare-and-swap.
type Service struct {
	repo  Repository
	authz Authorizer
	sched Scheduler
	cfg   config.Config
	mtx   *metrics.Collector
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(repo Repository, authz Authorizer, sched Scheduler, cfg config.Config, mtx *metrics.Collector, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		authz: authz,
		sched: sched,
		cfg:   cfg,
		mtx:   mtx,
		log:   log.With().Str("component", "referral-engine").Logger(),
		now:   time.Now,
	}
}

type CreateParams struct {
	FromProviderID uuid.UUID
	ToProviderID   uuid.UUID
	PatientID      uuid.UUID
	Reason         string
	Urgency        Urgency
	ClinicalNotes  *string
	RequestedTests *string
	TTL            time.Duration
}

// Create opens a new referral in pending state with its expiry deadline
// fixed at creation.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Referral, error) {
	if strings.TrimSpace(p.Reason) == "" {
		return nil, &ValidationError{Field: "reason", Msg: "reason must not be empty"}
	}
	if !p.Urgency.Valid() {
		return nil, &ValidationError{Field: "urgency", Msg: fmt.Sprintf("unrecognized urgency %q", p.Urgency)}
	}
	if p.FromProviderID == p.ToProviderID {
		return nil, &ValidationError{Field: "to_provider_id", Msg: "referral cannot point back at the sending provider"}
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.cfg.ReferralTTL
	}

	now := s.now()
	r := &Referral{
		ID:             uuid.New(),
		FromProviderID: p.FromProviderID,
		ToProviderID:   p.ToProviderID,
		PatientID:      p.PatientID,
		Reason:         p.Reason,
		Urgency:        p.Urgency,
		ClinicalNotes:  p.ClinicalNotes,
		RequestedTests: p.RequestedTests,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	if err := s.repo.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("create referral: %w", err)
	}

	s.mtx.TransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logEvent(ctx, r.ID, &p.FromProviderID, EventReferralCreated, map[string]any{
		"to_provider_id": p.ToProviderID.String(),
		"urgency":        string(p.Urgency),
		"expires_at":     r.ExpiresAt,
	})

	return r, nil
}

type ConvertDetails struct {
	DateTime          time.Time
	AppointmentReason *string
	AppointmentNotes  *string
}

type AcceptParams struct {
	ReferralID      uuid.UUID
	ActorID         uuid.UUID
	ExpectedVersion int64
	Note            *string
	AutoConvert     *ConvertDetails
}

// Accept moves a pending referral to accepted, or, when AutoConvert is
// present, straight to converted with the appointment booked in the same
// logical operation.
func (s *Service) Accept(ctx context.Context, p AcceptParams) (*Referral, error) {
	cur, err := s.repo.Load(ctx, p.ReferralID)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, p.ActorID, ActionAccept, cur); err != nil {
		return nil, err
	}

	// Retry-after-timeout tolerance: a prior attempt may already have
	// landed this exact outcome under a later version.
	if cur.Version > p.ExpectedVersion && acceptLanded(cur, p) {
		return cur, nil
	}

	if cur.Status.Terminal() {
		return nil, &AlreadyFinalizedError{Current: cur}
	}
	if cur.Status != StatusPending || cur.Version != p.ExpectedVersion {
		s.mtx.ConflictsTotal.WithLabelValues(string(ActionAccept)).Inc()
		return nil, &ConflictError{Current: cur}
	}

	if p.AutoConvert != nil {
		return s.convert(ctx, cur, p.ActorID, p.ExpectedVersion, *p.AutoConvert, true)
	}

	now := s.now()
	next := *cur
	next.Status = StatusAccepted
	next.AcceptedAt = &now

	updated, err := s.repo.CompareAndSwap(ctx, &next, p.ExpectedVersion)
	if errors.Is(err, ErrVersionMismatch) {
		return s.lostRace(ActionAccept, updated, func() bool { return acceptLanded(updated, p) })
	}
	if err != nil {
		return nil, fmt.Errorf("accept referral: %w", err)
	}

	s.mtx.TransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	s.logEvent(ctx, updated.ID, &p.ActorID, EventReferralAccepted, map[string]any{
		"note": p.Note,
	})

	return updated, nil
}

func acceptLanded(cur *Referral, p AcceptParams) bool {
	if p.AutoConvert != nil {
		return cur.Status == StatusConverted && cur.AppointmentID != nil
	}
	return cur.Status == StatusAccepted
}

type RejectParams struct {
	ReferralID      uuid.UUID
	ActorID         uuid.UUID
	ExpectedVersion int64
	Reason          string
}

// Reject finalizes a pending referral with a non-empty reason. Rejection is
// only valid from the initial triage point; an accepted referral can no
// longer be rejected, though it may still expire.
func (s *Service) Reject(ctx context.Context, p RejectParams) (*Referral, error) {
	if strings.TrimSpace(p.Reason) == "" {
		return nil, &ValidationError{Field: "reason", Msg: "rejection reason must not be empty"}
	}

	cur, err := s.repo.Load(ctx, p.ReferralID)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, p.ActorID, ActionReject, cur); err != nil {
		return nil, err
	}

	if cur.Version > p.ExpectedVersion && rejectLanded(cur, p) {
		return cur, nil
	}

	if cur.Status.Terminal() {
		return nil, &AlreadyFinalizedError{Current: cur}
	}
	if cur.Status != StatusPending || cur.Version != p.ExpectedVersion {
		s.mtx.ConflictsTotal.WithLabelValues(string(ActionReject)).Inc()
		return nil, &ConflictError{Current: cur}
	}

	now := s.now()
	next := *cur
	next.Status = StatusRejected
	next.RejectedReason = &p.Reason
	next.ResolvedAt = &now

	updated, err := s.repo.CompareAndSwap(ctx, &next, p.ExpectedVersion)
	if errors.Is(err, ErrVersionMismatch) {
		return s.lostRace(ActionReject, updated, func() bool { return rejectLanded(updated, p) })
	}
	if err != nil {
		return nil, fmt.Errorf("reject referral: %w", err)
	}

	s.mtx.TransitionsTotal.WithLabelValues(string(StatusRejected)).Inc()
	s.logEvent(ctx, updated.ID, &p.ActorID, EventReferralRejected, map[string]any{
		"reason": p.Reason,
	})

	return updated, nil
}

func rejectLanded(cur *Referral, p RejectParams) bool {
	return cur.Status == StatusRejected &&
		cur.RejectedReason != nil && *cur.RejectedReason == p.Reason
}

type ConvertParams struct {
	ReferralID      uuid.UUID
	ActorID         uuid.UUID
	ExpectedVersion int64
	Details         ConvertDetails
}

// Convert resolves a pending or accepted referral into a booked
// appointment.
func (s *Service) Convert(ctx context.Context, p ConvertParams) (*Referral, error) {
	cur, err := s.repo.Load(ctx, p.ReferralID)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, p.ActorID, ActionConvert, cur); err != nil {
		return nil, err
	}

	if cur.Version > p.ExpectedVersion && cur.Status == StatusConverted && cur.AppointmentID != nil {
		return cur, nil
	}

	if cur.Status.Terminal() {
		return nil, &AlreadyFinalizedError{Current: cur}
	}
	if cur.Version != p.ExpectedVersion {
		s.mtx.ConflictsTotal.WithLabelValues(string(ActionConvert)).Inc()
		return nil, &ConflictError{Current: cur}
	}

	return s.convert(ctx, cur, p.ActorID, p.ExpectedVersion, p.Details, false)
}

// convert books the appointment and then commits the converted status with
// a compare-and-swap. If the write loses to a concurrent commit after the
// appointment already exists, the appointment id rides along on the
// ConflictError so a compensating step can link or cancel it; aborting
// silently at that point is not an option.
func (s *Service) convert(ctx context.Context, cur *Referral, actorID uuid.UUID, expectedVersion int64, d ConvertDetails, viaAccept bool) (*Referral, error) {
	reason := cur.Reason
	if d.AppointmentReason != nil && *d.AppointmentReason != "" {
		reason = *d.AppointmentReason
	}

	apptID, err := s.sched.Schedule(ctx, cur.PatientID, cur.ToProviderID, d.DateTime, reason, d.AppointmentNotes, &cur.ID)
	if err != nil {
		if errors.Is(err, scheduler.ErrTimeUnavailable) {
			return nil, &SchedulingConflictError{ProviderID: cur.ToProviderID, Err: err}
		}
		return nil, fmt.Errorf("schedule appointment: %w", err)
	}

	now := s.now()
	next := *cur
	next.Status = StatusConverted
	next.AppointmentID = &apptID
	next.ResolvedAt = &now
	if viaAccept && next.AcceptedAt == nil {
		next.AcceptedAt = &now
	}

	updated, err := s.repo.CompareAndSwap(ctx, &next, expectedVersion)
	if errors.Is(err, ErrVersionMismatch) {
		s.mtx.ConflictsTotal.WithLabelValues(string(ActionConvert)).Inc()
		s.log.Warn().
			Str("referral_id", cur.ID.String()).
			Str("appointment_id", apptID.String()).
			Msg("conversion write lost the version race; appointment needs reconciliation")
		return nil, &ConflictError{Current: updated, AppointmentID: &apptID}
	}
	if err != nil {
		return nil, fmt.Errorf("convert referral: %w", err)
	}

	s.mtx.TransitionsTotal.WithLabelValues(string(StatusConverted)).Inc()
	s.logEvent(ctx, updated.ID, &actorID, EventReferralConverted, map[string]any{
		"appointment_id": apptID.String(),
		"scheduled_at":   d.DateTime,
		"via_accept":     viaAccept,
	})

	return updated, nil
}

// Get returns the current record and version for a referral.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Referral, error) {
	return s.repo.Load(ctx, id)
}

// ListTriageQueue returns the open referrals the actor may triage, in
// urgency order: the whole queue for operators, their own inbound referrals
// for providers.
func (s *Service) ListTriageQueue(ctx context.Context, actorID uuid.UUID) ([]Referral, error) {
	role, known, err := s.authz.RoleOf(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("resolve actor role: %w", err)
	}
	if !known {
		return nil, &ForbiddenError{ActorID: actorID, Action: "triage"}
	}

	var open []Referral
	if role == RoleOperator {
		open, err = s.repo.ListOpenAll(ctx)
	} else {
		open, err = s.repo.ListOpenFor(ctx, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("list open referrals: %w", err)
	}

	SortTriage(open)
	return open, nil
}

func (s *Service) authorize(ctx context.Context, actorID uuid.UUID, action Action, r *Referral) error {
	ok, err := s.authz.Authorize(ctx, actorID, action, r)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", action, err)
	}
	if !ok {
		return &ForbiddenError{ActorID: actorID, Action: action}
	}
	return nil
}

// lostRace turns a compare-and-swap miss into the right caller-facing
// error: success if our own earlier attempt already landed, otherwise
// already-finalized or conflict with the now-current record. The losing
// action is surfaced, never silently dropped.
func (s *Service) lostRace(action Action, current *Referral, landed func() bool) (*Referral, error) {
	s.mtx.ConflictsTotal.WithLabelValues(string(action)).Inc()
	if landed() {
		return current, nil
	}
	if current.Status.Terminal() {
		return nil, &AlreadyFinalizedError{Current: current}
	}
	return nil, &ConflictError{Current: current}
}

func (s *Service) logEvent(ctx context.Context, referralID uuid.UUID, actorID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	ev := Event{
		EventType:  eventType,
		ReferralID: referralID,
		ActorID:    actorID,
		Payload:    data,
		CreatedAt:  s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event_type", eventType).
			Str("referral_id", referralID.String()).
			Msg("insert referral event")
	}
}
