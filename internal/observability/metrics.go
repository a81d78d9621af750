// Package observability registers the engine's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_engine",
		Subsystem: "sessions",
		Name:      "started_total",
		Help:      "Sync sessions started, by sync type.",
	}, []string{"sync_type"})
	sessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_engine",
		Subsystem: "sessions",
		Name:      "finished_total",
		Help:      "Sync sessions that reached a terminal status.",
	}, []string{"status"})
	recordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_engine",
		Subsystem: "records",
		Name:      "processed_total",
		Help:      "Records moved through each pipeline phase.",
	}, []string{"phase"})
	storeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_engine",
		Subsystem: "records",
		Name:      "store_outcomes_total",
		Help:      "Per-record outcomes of the storage phase.",
	}, []string{"outcome"})
	phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync_engine",
		Subsystem: "sessions",
		Name:      "phase_duration_seconds",
		Help:      "Wall-clock duration of each pipeline phase.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"phase"})
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sync_engine",
		Subsystem: "upstream",
		Name:      "breaker_open",
		Help:      "1 when the named circuit breaker is open, 0 otherwise.",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(
		sessionsStarted, sessionsFinished,
		recordsProcessed, storeOutcomes,
		phaseDuration, breakerState,
	)
}

// SessionStarted counts a newly created session.
func SessionStarted(syncType string) {
	sessionsStarted.WithLabelValues(syncType).Inc()
}

// SessionFinished counts a terminal transition.
func SessionFinished(status string) {
	sessionsFinished.WithLabelValues(status).Inc()
}

// RecordsProcessed counts records through a phase.
func RecordsProcessed(phase string, n int) {
	if n <= 0 {
		return
	}
	recordsProcessed.WithLabelValues(phase).Add(float64(n))
}

// StoreOutcome counts one per-record storage outcome.
func StoreOutcome(outcome string, n int) {
	if n <= 0 {
		return
	}
	storeOutcomes.WithLabelValues(outcome).Add(float64(n))
}

// ObservePhase records how long a phase took.
func ObservePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetBreakerOpen flips the open gauge for a breaker.
func SetBreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	breakerState.WithLabelValues(name).Set(v)
}
