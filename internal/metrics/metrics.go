package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	TransitionsTotal *prometheus.CounterVec
	ConflictsTotal   *prometheus.CounterVec

	SweepRunsTotal prometheus.Counter
	SweepExpired   prometheus.Counter
	SweepLostRaces prometheus.Counter
	SweepSkipped   prometheus.Counter
}

// NewCollector registers the service's metrics with reg. Tests pass a fresh
// registry so parallel test packages do not collide on registration.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "referral_handoff",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Committed referral transitions by resulting status.",
		}, []string{"status"}),

		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "engine",
			Name:      "conflicts_total",
			Help:      "Lost optimistic-concurrency races by attempted action.",
		}, []string{"action"}),

		SweepRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Completed expiry sweep runs.",
		}),

		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "sweep",
			Name:      "expired_total",
			Help:      "Referrals finalized as expired by the sweeper.",
		}),

		SweepLostRaces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "sweep",
			Name:      "lost_races_total",
			Help:      "Sweep writes discarded because a human action committed first.",
		}),

		SweepSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "referral_handoff",
			Subsystem: "sweep",
			Name:      "skipped_runs_total",
			Help:      "Sweep ticks skipped because another replica held the sweep lock.",
		}),
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
