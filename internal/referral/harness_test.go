package referral

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/carebridge/referral-handoff/internal/config"
	"github.com/carebridge/referral-handoff/internal/metrics"
	redisclient "github.com/carebridge/referral-handoff/internal/redis"
)

// -- In-memory store adapter --

type memRepo struct {
	mu     sync.Mutex
	store  map[uuid.UUID]*Referral
	events []Event

	// beforeCAS, when set, runs once right before the next
	// compare-and-swap. Tests use it to commit a concurrent write in the
	// engine's read-decide-write window.
	beforeCAS func()
}

func newMemRepo() *memRepo {
	return &memRepo{store: make(map[uuid.UUID]*Referral)}
}

func copyReferral(r *Referral) *Referral {
	c := *r
	return &c
}

func (m *memRepo) Insert(_ context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.Version = 1
	m.store[r.ID] = copyReferral(r)
	return nil
}

func (m *memRepo) Load(_ context.Context, id uuid.UUID) (*Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.store[id]
	if !ok {
		return nil, ErrReferralNotFound
	}
	return copyReferral(r), nil
}

func (m *memRepo) CompareAndSwap(_ context.Context, next *Referral, expectedVersion int64) (*Referral, error) {
	if m.beforeCAS != nil {
		hook := m.beforeCAS
		m.beforeCAS = nil
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.store[next.ID]
	if !ok {
		return nil, ErrReferralNotFound
	}
	if cur.Version != expectedVersion {
		return copyReferral(cur), ErrVersionMismatch
	}

	updated := copyReferral(next)
	updated.Version = expectedVersion + 1
	m.store[next.ID] = updated
	return copyReferral(updated), nil
}

func (m *memRepo) ListOpenFor(_ context.Context, providerID uuid.UUID) ([]Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Referral
	for _, r := range m.store {
		if r.Status == StatusPending && r.ToProviderID == providerID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepo) ListOpenAll(_ context.Context) ([]Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Referral
	for _, r := range m.store {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepo) FindOverdue(_ context.Context, now time.Time, limit int) ([]Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Referral
	for _, r := range m.store {
		if len(out) >= limit {
			break
		}
		if (r.Status == StatusPending || r.Status == StatusAccepted) && !r.ExpiresAt.After(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRepo) InsertEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

// -- Mock identity & access context --

type memAuthz struct {
	roles map[uuid.UUID]Role
}

func newMemAuthz() *memAuthz {
	return &memAuthz{roles: make(map[uuid.UUID]Role)}
}

func (a *memAuthz) RoleOf(_ context.Context, actorID uuid.UUID) (Role, bool, error) {
	role, ok := a.roles[actorID]
	return role, ok, nil
}

func (a *memAuthz) Authorize(_ context.Context, actorID uuid.UUID, _ Action, r *Referral) (bool, error) {
	role, ok := a.roles[actorID]
	if !ok {
		return false, nil
	}
	if role == RoleOperator {
		return true, nil
	}
	return actorID == r.ToProviderID, nil
}

// -- Mock appointment scheduler --

type memScheduler struct {
	mu         sync.Mutex
	nextErr    error
	calls      int
	bookedAt   []time.Time
	lastAppt   uuid.UUID
	lastReason string
}

func (s *memScheduler) Schedule(_ context.Context, _, _ uuid.UUID, at time.Time, reason string, _ *string, _ *uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.nextErr != nil {
		err := s.nextErr
		s.nextErr = nil
		return uuid.Nil, err
	}

	s.bookedAt = append(s.bookedAt, at)
	s.lastAppt = uuid.New()
	s.lastReason = reason
	return s.lastAppt, nil
}

func (s *memScheduler) failNextWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
}

var _ Scheduler = (*memScheduler)(nil)

// -- Locker that always grants --

type grantingLocker struct {
	denied bool
}

func (l *grantingLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if l.denied {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

// -- Fixture --

type fixture struct {
	svc      *Service
	repo     *memRepo
	authz    *memAuthz
	sched    *memScheduler
	receiver uuid.UUID
	sender   uuid.UUID
	operator uuid.UUID
	patient  uuid.UUID
	clock    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		repo:     newMemRepo(),
		authz:    newMemAuthz(),
		sched:    &memScheduler{},
		receiver: uuid.New(),
		sender:   uuid.New(),
		operator: uuid.New(),
		patient:  uuid.New(),
		clock:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	f.authz.roles[f.receiver] = RoleProvider
	f.authz.roles[f.sender] = RoleProvider
	f.authz.roles[f.operator] = RoleOperator

	cfg := config.Config{ReferralTTL: 72 * time.Hour}
	f.svc = NewService(f.repo, f.authz, f.sched, cfg, metrics.NewCollector(prometheus.NewRegistry()), zerolog.Nop())
	f.svc.now = func() time.Time { return f.clock }

	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) createPending(urgency Urgency, ttl time.Duration) *Referral {
	r, err := f.svc.Create(context.Background(), CreateParams{
		FromProviderID: f.sender,
		ToProviderID:   f.receiver,
		PatientID:      f.patient,
		Reason:         "chest pain",
		Urgency:        urgency,
		TTL:            ttl,
	})
	if err != nil {
		panic(err)
	}
	return r
}

func (f *fixture) newSweeper(locker *grantingLocker, batch int) *Sweeper {
	sw := NewSweeper(f.repo, locker, metrics.NewCollector(prometheus.NewRegistry()), zerolog.Nop(), time.Minute, batch)
	sw.now = func() time.Time { return f.clock }
	return sw
}
