package referral

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/referral-handoff/internal/scheduler"
)

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	base := CreateParams{
		FromProviderID: f.sender,
		ToProviderID:   f.receiver,
		PatientID:      f.patient,
		Reason:         "chest pain",
		Urgency:        UrgencyEmergency,
		TTL:            24 * time.Hour,
	}

	t.Run("empty reason", func(t *testing.T) {
		p := base
		p.Reason = "   "
		_, err := f.svc.Create(ctx, p)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "reason", vErr.Field)
	})

	t.Run("bad urgency", func(t *testing.T) {
		p := base
		p.Urgency = "stat"
		_, err := f.svc.Create(ctx, p)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "urgency", vErr.Field)
	})

	t.Run("self referral", func(t *testing.T) {
		p := base
		p.ToProviderID = p.FromProviderID
		_, err := f.svc.Create(ctx, p)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
	})
}

func TestCreate_PendingWithDeadline(t *testing.T) {
	f := newFixture()

	r := f.createPending(UrgencyEmergency, 24*time.Hour)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, f.clock, r.CreatedAt)
	assert.Equal(t, f.clock.Add(24*time.Hour), r.ExpiresAt)
	assert.Nil(t, r.AppointmentID)
	assert.Nil(t, r.AcceptedAt)
	require.NoError(t, r.CheckInvariants())
	assert.Contains(t, f.repo.eventTypes(), EventReferralCreated)
}

func TestCreate_DefaultTTL(t *testing.T) {
	f := newFixture()

	r := f.createPending(UrgencyRoutine, 0)

	assert.Equal(t, f.clock.Add(72*time.Hour), r.ExpiresAt)
}

func TestAccept_ByReceiver(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	f.advance(10 * time.Minute)
	updated, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, updated.Status)
	assert.Equal(t, int64(2), updated.Version)
	require.NotNil(t, updated.AcceptedAt)
	assert.Equal(t, f.clock, *updated.AcceptedAt)
	assert.Nil(t, updated.ResolvedAt)
	require.NoError(t, updated.CheckInvariants())
	assert.Contains(t, f.repo.eventTypes(), EventReferralAccepted)
}

func TestAccept_ByOperatorOnProvidersBehalf(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	_, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.operator,
		ExpectedVersion: r.Version,
	})
	assert.NoError(t, err)
}

func TestAccept_Forbidden(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	for _, actor := range []uuid.UUID{f.sender, uuid.New()} {
		_, err := f.svc.Accept(context.Background(), AcceptParams{
			ReferralID:      r.ID,
			ActorID:         actor,
			ExpectedVersion: r.Version,
		})
		var fErr *ForbiddenError
		require.ErrorAs(t, err, &fErr)
	}

	// Unchanged after the denied attempts.
	cur, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cur.Status)
	assert.Equal(t, int64(1), cur.Version)
}

func TestAccept_StaleVersionConflict(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	_, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version - 1,
	})

	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, StatusPending, cErr.Current.Status)
	assert.Nil(t, cErr.AppointmentID)
}

func TestAccept_NotFound(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      uuid.New(),
		ActorID:         f.receiver,
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, ErrReferralNotFound)
}

func TestAccept_RetryAfterTimeoutIsIdempotent(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	params := AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
	}

	first, err := f.svc.Accept(context.Background(), params)
	require.NoError(t, err)

	// Same call replayed with the original expected version: the outcome
	// already landed, so this is success, not a conflict.
	second, err := f.svc.Accept(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, StatusAccepted, second.Status)
}

func TestAccept_LosesRaceToReject(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)
	ctx := context.Background()

	// A rejection commits inside accept's read-decide-write window.
	f.repo.beforeCAS = func() {
		_, err := f.svc.Reject(ctx, RejectParams{
			ReferralID:      r.ID,
			ActorID:         f.operator,
			ExpectedVersion: r.Version,
			Reason:          "duplicate referral",
		})
		require.NoError(t, err)
	}

	_, err := f.svc.Accept(ctx, AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
	})

	// The rejection is terminal, so the loser learns no re-decision is
	// possible.
	var finalErr *AlreadyFinalizedError
	require.ErrorAs(t, err, &finalErr)
	assert.Equal(t, StatusRejected, finalErr.Current.Status)
}

func TestReject_LosesRaceToAccept(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)
	ctx := context.Background()

	f.repo.beforeCAS = func() {
		_, err := f.svc.Accept(ctx, AcceptParams{
			ReferralID:      r.ID,
			ActorID:         f.receiver,
			ExpectedVersion: r.Version,
		})
		require.NoError(t, err)
	}

	_, err := f.svc.Reject(ctx, RejectParams{
		ReferralID:      r.ID,
		ActorID:         f.operator,
		ExpectedVersion: r.Version,
		Reason:          "not my specialty",
	})

	// Accepted is not terminal, so the loser gets the current record and
	// may re-decide.
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, StatusAccepted, cErr.Current.Status)
	assert.Equal(t, int64(2), cErr.Current.Version)

	// The losing write changed nothing.
	cur, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, cur.Status)
	assert.Nil(t, cur.RejectedReason)
}

func TestAccept_AutoConvert(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyEmergency, 24*time.Hour)

	slot := f.clock.Add(25 * time.Hour)
	updated, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.operator,
		ExpectedVersion: r.Version,
		AutoConvert:     &ConvertDetails{DateTime: slot},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusConverted, updated.Status)
	require.NotNil(t, updated.AppointmentID)
	assert.Equal(t, f.sched.lastAppt, *updated.AppointmentID)
	require.NotNil(t, updated.AcceptedAt)
	require.NotNil(t, updated.ResolvedAt)
	require.NoError(t, updated.CheckInvariants())

	// The scheduler got the referral's own reason as fallback.
	assert.Equal(t, "chest pain", f.sched.lastReason)
	assert.Contains(t, f.repo.eventTypes(), EventReferralConverted)
}

func TestAccept_AutoConvertSchedulingConflictLeavesReferralUntouched(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyEmergency, 24*time.Hour)
	f.sched.failNextWith(scheduler.ErrTimeUnavailable)

	_, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		AutoConvert:     &ConvertDetails{DateTime: f.clock.Add(time.Hour)},
	})

	var sErr *SchedulingConflictError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, f.receiver, sErr.ProviderID)

	// No partial state: still pending at the original version.
	cur, getErr := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusPending, cur.Status)
	assert.Equal(t, int64(1), cur.Version)
	assert.Nil(t, cur.AcceptedAt)
}

func TestReject_ByReceiver(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyRoutine, 24*time.Hour)

	f.advance(time.Hour)
	updated, err := f.svc.Reject(context.Background(), RejectParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Reason:          "Not my specialty",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, updated.Status)
	require.NotNil(t, updated.RejectedReason)
	assert.Equal(t, "Not my specialty", *updated.RejectedReason)
	assert.Nil(t, updated.AppointmentID)
	require.NotNil(t, updated.ResolvedAt)
	assert.Equal(t, f.clock, *updated.ResolvedAt)
	require.NoError(t, updated.CheckInvariants())
}

func TestReject_EmptyReason(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyRoutine, 24*time.Hour)

	_, err := f.svc.Reject(context.Background(), RejectParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Reason:          "  ",
	})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestReject_AcceptedReferralCannotBeRejected(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyRoutine, 24*time.Hour)

	accepted, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
	})
	require.NoError(t, err)

	_, err = f.svc.Reject(context.Background(), RejectParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: accepted.Version,
		Reason:          "changed my mind",
	})

	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, StatusAccepted, cErr.Current.Status)
}

func TestReject_RetryAfterTimeoutIsIdempotent(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyRoutine, 24*time.Hour)

	params := RejectParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Reason:          "duplicate referral",
	}

	_, err := f.svc.Reject(context.Background(), params)
	require.NoError(t, err)

	replayed, err := f.svc.Reject(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, replayed.Status)

	// A different rejection against the finalized record is not a retry.
	params.Reason = "some other reason"
	_, err = f.svc.Reject(context.Background(), params)
	var finalErr *AlreadyFinalizedError
	require.ErrorAs(t, err, &finalErr)
}

func TestConvert_FromPending(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	slot := f.clock.Add(26 * time.Hour)
	notes := "bring prior imaging"
	updated, err := f.svc.Convert(context.Background(), ConvertParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Details: ConvertDetails{
			DateTime:         slot,
			AppointmentNotes: &notes,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusConverted, updated.Status)
	require.NotNil(t, updated.AppointmentID)
	require.NotNil(t, updated.ResolvedAt)
	assert.Nil(t, updated.AcceptedAt, "plain convert does not fabricate an accept timestamp")
	require.NoError(t, updated.CheckInvariants())
}

func TestConvert_FromAcceptedKeepsAcceptTimestamp(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 48*time.Hour)

	accepted, err := f.svc.Accept(context.Background(), AcceptParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
	})
	require.NoError(t, err)
	acceptTime := *accepted.AcceptedAt

	f.advance(2 * time.Hour)
	updated, err := f.svc.Convert(context.Background(), ConvertParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: accepted.Version,
		Details:         ConvertDetails{DateTime: f.clock.Add(24 * time.Hour)},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusConverted, updated.Status)
	require.NotNil(t, updated.AcceptedAt)
	assert.Equal(t, acceptTime, *updated.AcceptedAt)
}

func TestConvert_CustomAppointmentReason(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	reason := "cardiology consult"
	_, err := f.svc.Convert(context.Background(), ConvertParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Details: ConvertDetails{
			DateTime:          f.clock.Add(time.Hour),
			AppointmentReason: &reason,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, reason, f.sched.lastReason)
}

func TestConvert_SchedulingConflictLeavesReferralUntouched(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)
	f.sched.failNextWith(scheduler.ErrTimeUnavailable)

	_, err := f.svc.Convert(context.Background(), ConvertParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Details:         ConvertDetails{DateTime: f.clock.Add(time.Hour)},
	})

	var sErr *SchedulingConflictError
	require.ErrorAs(t, err, &sErr)

	cur, getErr := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusPending, cur.Status)
	assert.Equal(t, int64(1), cur.Version)
}

func TestConvert_LostRaceCarriesOrphanedAppointment(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)
	ctx := context.Background()

	// A rejection lands between the scheduler call and the store write.
	f.repo.beforeCAS = func() {
		_, err := f.svc.Reject(ctx, RejectParams{
			ReferralID:      r.ID,
			ActorID:         f.operator,
			ExpectedVersion: r.Version,
			Reason:          "patient cancelled",
		})
		require.NoError(t, err)
	}

	_, err := f.svc.Convert(ctx, ConvertParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Details:         ConvertDetails{DateTime: f.clock.Add(time.Hour)},
	})

	// The appointment exists in the external system; the conflict must
	// carry its id for reconciliation instead of aborting silently.
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	require.NotNil(t, cErr.AppointmentID)
	assert.Equal(t, f.sched.lastAppt, *cErr.AppointmentID)
	assert.Equal(t, StatusRejected, cErr.Current.Status)

	// The human-set terminal state stands.
	cur, getErr := f.svc.Get(ctx, r.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusRejected, cur.Status)
	assert.Nil(t, cur.AppointmentID)
}

func TestConvert_RetryAfterTimeoutIsIdempotent(t *testing.T) {
	f := newFixture()
	r := f.createPending(UrgencyUrgent, 24*time.Hour)

	params := ConvertParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Details:         ConvertDetails{DateTime: f.clock.Add(time.Hour)},
	}

	first, err := f.svc.Convert(context.Background(), params)
	require.NoError(t, err)

	replayed, err := f.svc.Convert(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, *first.AppointmentID, *replayed.AppointmentID)
	assert.Equal(t, 1, f.sched.calls, "replay must not book a second appointment")
}

func TestTerminalStatesAreWriteOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r := f.createPending(UrgencyUrgent, 24*time.Hour)
	rejected, err := f.svc.Reject(ctx, RejectParams{
		ReferralID:      r.ID,
		ActorID:         f.receiver,
		ExpectedVersion: r.Version,
		Reason:          "out of network",
	})
	require.NoError(t, err)

	var finalErr *AlreadyFinalizedError

	_, err = f.svc.Accept(ctx, AcceptParams{
		ReferralID: r.ID, ActorID: f.receiver, ExpectedVersion: rejected.Version,
	})
	require.ErrorAs(t, err, &finalErr)

	_, err = f.svc.Convert(ctx, ConvertParams{
		ReferralID: r.ID, ActorID: f.receiver, ExpectedVersion: rejected.Version,
		Details: ConvertDetails{DateTime: f.clock.Add(time.Hour)},
	})
	require.ErrorAs(t, err, &finalErr)

	cur, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, cur.Status)
	assert.Equal(t, rejected.Version, cur.Version)
	assert.Equal(t, "out of network", *cur.RejectedReason)
}

func TestListTriageQueue_ProviderScope(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	mine := f.createPending(UrgencyUrgent, 24*time.Hour)

	// A referral addressed to someone else.
	other := uuid.New()
	f.authz.roles[other] = RoleProvider
	_, err := f.svc.Create(ctx, CreateParams{
		FromProviderID: f.sender,
		ToProviderID:   other,
		PatientID:      f.patient,
		Reason:         "follow-up",
		Urgency:        UrgencyRoutine,
		TTL:            24 * time.Hour,
	})
	require.NoError(t, err)

	queue, err := f.svc.ListTriageQueue(ctx, f.receiver)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, mine.ID, queue[0].ID)
}

func TestListTriageQueue_OperatorSeesAllInTriageOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	routine := f.createPending(UrgencyRoutine, 24*time.Hour)
	f.advance(time.Minute)
	emergency := f.createPending(UrgencyEmergency, 24*time.Hour)
	f.advance(time.Minute)
	urgent := f.createPending(UrgencyUrgent, 24*time.Hour)

	queue, err := f.svc.ListTriageQueue(ctx, f.operator)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, emergency.ID, queue[0].ID)
	assert.Equal(t, urgent.ID, queue[1].ID)
	assert.Equal(t, routine.ID, queue[2].ID)
}

func TestListTriageQueue_UnknownActorForbidden(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ListTriageQueue(context.Background(), uuid.New())
	var fErr *ForbiddenError
	require.ErrorAs(t, err, &fErr)
}
