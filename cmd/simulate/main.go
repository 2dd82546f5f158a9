package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/referral-handoff/internal/config"
	"github.com/carebridge/referral-handoff/internal/db"
)

// The simulator deliberately races accept, reject, and convert against a
// small shared pool of pending referrals to measure how the engine's
// optimistic versioning behaves under contention: exactly one racer should
// win each referral, everyone else should see 409s.

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	AcceptRatio   float64
	RejectRatio   float64
	ConvertRatio  float64
	ReadRatio     float64
	ReferralLimit int
	PostgresDSN   string
}

type DataPool struct {
	Referrals []uuid.UUID
	Operators []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Accept   OperationMetrics
	Reject   OperationMetrics
	Convert  OperationMetrics
	Queue    OperationMetrics
	ReadByID OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d accept=%.2f reject=%.2f convert=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.AcceptRatio, cfg.RejectRatio, cfg.ConvertRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d pending referrals, %d operators", len(dataPool.Referrals), len(dataPool.Operators))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getSimDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		AcceptRatio:   getFloat("SIM_ACCEPT_RATIO", 0.3),
		RejectRatio:   getFloat("SIM_REJECT_RATIO", 0.2),
		ConvertRatio:  getFloat("SIM_CONVERT_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		ReferralLimit: getInt("SIM_REFERRAL_LIMIT", 200),
		PostgresDSN:   baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.AcceptRatio + cfg.RejectRatio + cfg.ConvertRatio + cfg.ReadRatio
	if total > 0 {
		cfg.AcceptRatio /= total
		cfg.RejectRatio /= total
		cfg.ConvertRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM referrals
		WHERE status = 'pending'
		LIMIT $1
	`, cfg.ReferralLimit)
	if err != nil {
		return nil, fmt.Errorf("load referrals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Referrals = append(dataPool.Referrals, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM providers
		WHERE role = 'operator'
	`)
	if err != nil {
		return nil, fmt.Errorf("load operators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Operators = append(dataPool.Operators, id)
	}

	if len(dataPool.Referrals) == 0 {
		return nil, fmt.Errorf("no pending referrals loaded (run cmd/seed first)")
	}
	if len(dataPool.Operators) == 0 {
		return nil, fmt.Errorf("no operators loaded (run cmd/seed first)")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.AcceptRatio:
				s.doAccept(ctx, rng)
			case r < s.config.AcceptRatio+s.config.RejectRatio:
				s.doReject(ctx, rng)
			case r < s.config.AcceptRatio+s.config.RejectRatio+s.config.ConvertRatio:
				s.doConvert(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doTriageQueue(ctx, rng)
				} else {
					s.doReadByID(ctx, rng)
				}
			}
		}
	}
}

// currentVersion fetches the referral so the mutation can race against a
// genuinely current expected_version, the way a human client would.
func (s *Simulator) currentVersion(ctx context.Context, actorID, referralID uuid.UUID) (int64, string, bool) {
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/referrals/%s", s.config.APIBaseURL, referralID), nil)
	req.Header.Set("X-Actor-ID", actorID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", false
	}

	var body struct {
		Version int64  `json:"version"`
		Status  string `json:"status"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, "", false
	}
	return body.Version, body.Status, true
}

func (s *Simulator) randomActorAndReferral(rng *rand.Rand) (uuid.UUID, uuid.UUID) {
	actor := s.pool.Operators[rng.Intn(len(s.pool.Operators))]
	ref := s.pool.Referrals[rng.Intn(len(s.pool.Referrals))]
	return actor, ref
}

func (s *Simulator) doMutation(ctx context.Context, om *OperationMetrics, actorID uuid.UUID, path string, payload map[string]any) {
	body, _ := json.Marshal(payload)

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actorID.String())

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}

	om.Record(latency, success, conflict)
}

func (s *Simulator) doAccept(ctx context.Context, rng *rand.Rand) {
	actor, ref := s.randomActorAndReferral(rng)
	version, status, ok := s.currentVersion(ctx, actor, ref)
	if !ok || status != "pending" {
		return
	}

	s.doMutation(ctx, &s.metrics.Accept, actor,
		fmt.Sprintf("/referrals/%s/accept", ref),
		map[string]any{"expected_version": version})
}

func (s *Simulator) doReject(ctx context.Context, rng *rand.Rand) {
	actor, ref := s.randomActorAndReferral(rng)
	version, status, ok := s.currentVersion(ctx, actor, ref)
	if !ok || status != "pending" {
		return
	}

	s.doMutation(ctx, &s.metrics.Reject, actor,
		fmt.Sprintf("/referrals/%s/reject", ref),
		map[string]any{
			"expected_version": version,
			"reason":           "simulated triage rejection",
		})
}

func (s *Simulator) doConvert(ctx context.Context, rng *rand.Rand) {
	actor, ref := s.randomActorAndReferral(rng)
	version, status, ok := s.currentVersion(ctx, actor, ref)
	if !ok || (status != "pending" && status != "accepted") {
		return
	}

	// Random future slot; collisions across workers are part of the test.
	slot := time.Now().Truncate(time.Hour).Add(time.Duration(rng.Intn(14*24)) * time.Hour)

	s.doMutation(ctx, &s.metrics.Convert, actor,
		fmt.Sprintf("/referrals/%s/convert", ref),
		map[string]any{
			"expected_version": version,
			"date_time":        slot.Format(time.RFC3339),
		})
}

func (s *Simulator) doTriageQueue(ctx context.Context, rng *rand.Rand) {
	actor := s.pool.Operators[rng.Intn(len(s.pool.Operators))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET", s.config.APIBaseURL+"/triage-queue", nil)
	req.Header.Set("X-Actor-ID", actor.String())

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Queue.Record(latency, success, false)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	actor, ref := s.randomActorAndReferral(rng)

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/referrals/%s", s.config.APIBaseURL, ref), nil)
	req.Header.Set("X-Actor-ID", actor.String())

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Accept", &s.metrics.Accept)
	printOperationReport("Reject", &s.metrics.Reject)
	printOperationReport("Convert", &s.metrics.Convert)
	printOperationReport("Triage Queue", &s.metrics.Queue)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getSimDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
