package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/referral-handoff/internal/db"
	"github.com/carebridge/referral-handoff/internal/referral"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	providers, err := seedProviders(context.Background(), pool, 40, 6)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	patients, err := seedPatients(context.Background(), pool, 500)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedReferrals(context.Background(), pool, providers, patients, 300); err != nil {
		log.Fatalf("seed referrals: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, clinicians, operators int) ([]uuid.UUID, error) {
	log.Printf("seeding %d clinicians and %d operators", clinicians, operators)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	ids := make([]uuid.UUID, 0, clinicians)

	for i := 0; i < clinicians; i++ {
		id := uuid.New()
		specialty := specialties[i%len(specialties)]

		_, err := pool.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, role, created_at, updated_at)
			VALUES ($1, $2, $3, 'provider', now(), now())
		`, id, "Dr. "+gofakeit.Name(), specialty)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	for i := 0; i < operators; i++ {
		_, err := pool.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, role, created_at, updated_at)
			VALUES ($1, $2, NULL, 'operator', now(), now())
		`, uuid.New(), gofakeit.Name())
		if err != nil {
			return nil, err
		}
	}

	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	ids := make([]uuid.UUID, 0, count)

	for i := 0; i < count; i++ {
		id := uuid.New()
		email := gofakeit.Email()

		_, err := pool.Exec(ctx, `
			INSERT INTO patients (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, gofakeit.Name(), email)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func seedReferrals(ctx context.Context, pool *pgxpool.Pool, providers, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d pending referrals", count)

	urgencies := []referral.Urgency{
		referral.UrgencyRoutine,
		referral.UrgencyRoutine,
		referral.UrgencyRoutine,
		referral.UrgencyUrgent,
		referral.UrgencyUrgent,
		referral.UrgencyEmergency,
	}

	reasons := []string{
		"chest pain on exertion",
		"persistent rash, unresponsive to topical treatment",
		"recurring migraines",
		"suspected arrhythmia",
		"chronic joint pain",
		"abnormal lab results, follow-up needed",
	}

	for i := 0; i < count; i++ {
		from := providers[gofakeit.Number(0, len(providers)-1)]
		to := providers[gofakeit.Number(0, len(providers)-1)]
		if from == to {
			continue
		}

		createdAt := time.Now().Add(-time.Duration(gofakeit.Number(0, 72)) * time.Hour)
		// Leave roughly a tenth already overdue so the sweeper has work.
		ttl := time.Duration(gofakeit.Number(24, 96)) * time.Hour
		if gofakeit.Number(1, 10) == 1 {
			ttl = time.Duration(gofakeit.Number(1, 12)) * time.Hour
		}

		r := referral.Referral{
			ID:             uuid.New(),
			FromProviderID: from,
			ToProviderID:   to,
			PatientID:      patients[gofakeit.Number(0, len(patients)-1)],
			Reason:         reasons[gofakeit.Number(0, len(reasons)-1)],
			Urgency:        urgencies[gofakeit.Number(0, len(urgencies)-1)],
			Status:         referral.StatusPending,
			CreatedAt:      createdAt,
			ExpiresAt:      createdAt.Add(ttl),
		}
		if err := r.CheckInvariants(); err != nil {
			return err
		}

		_, err := pool.Exec(ctx, `
			INSERT INTO referrals (id, from_provider_id, to_provider_id, patient_id, reason, urgency, status, created_at, expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		`, r.ID, r.FromProviderID, r.ToProviderID, r.PatientID, r.Reason, r.Urgency, r.Status, r.CreatedAt, r.ExpiresAt)
		if err != nil {
			return err
		}
	}

	return nil
}
