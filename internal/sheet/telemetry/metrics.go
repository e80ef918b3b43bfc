// Package telemetry exposes Prometheus metrics for the resilient sheet
// layer. Labels are bounded (operation names, taxonomy kinds, lock classes);
// no per-resource or per-actor cardinality ever reaches a label.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetguard_executor_attempts_total",
		Help: "Executor attempts by operation and outcome (ok or taxonomy kind)",
	}, []string{"op", "outcome"})

	breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetguard_breaker_transitions_total",
		Help: "Circuit breaker state transitions by operation class and new state",
	}, []string{"class", "state"})

	lockContentionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetguard_lock_contention_total",
		Help: "Lock acquisitions rejected as busy, by lock class",
	}, []string{"class"})

	batchRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sheetguard_batch_rows",
		Help:    "Requested rows per bulk-read chunk (shrinks under rate limiting)",
		Buckets: []float64{10, 25, 50, 70, 100},
	})

	batchTruncationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sheetguard_batch_truncations_total",
		Help: "Bulk reads that stopped early because the time budget expired",
	})

	togglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetguard_toggles_total",
		Help: "Completed toggle mutations by action (added/removed)",
	}, []string{"action"})

	upsertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetguard_identity_upserts_total",
		Help: "Identity upserts by result (created/found)",
	}, []string{"result"})
)

func init() {
	// Registered eagerly; harmless if no metrics endpoint is exposed.
	prometheus.MustRegister(attemptsTotal, breakerTransitionsTotal, lockContentionTotal,
		batchRows, batchTruncationsTotal, togglesTotal, upsertsTotal)
}

// RecordAttempt counts one executor attempt. outcome is "ok" or a Kind string.
func RecordAttempt(op, outcome string) { attemptsTotal.WithLabelValues(op, outcome).Inc() }

// RecordBreakerTransition counts a breaker state change.
func RecordBreakerTransition(class, state string) {
	breakerTransitionsTotal.WithLabelValues(class, state).Inc()
}

// RecordLockContention counts a busy-rejected lock acquisition.
func RecordLockContention(class string) { lockContentionTotal.WithLabelValues(class).Inc() }

// ObserveBatchSize records the requested size of one bulk-read chunk.
func ObserveBatchSize(rows int) { batchRows.Observe(float64(rows)) }

// RecordBatchTruncation counts a budget-expired partial bulk read.
func RecordBatchTruncation() { batchTruncationsTotal.Inc() }

// RecordToggle counts a completed toggle by action.
func RecordToggle(action string) { togglesTotal.WithLabelValues(action).Inc() }

// RecordUpsert counts an identity upsert by result.
func RecordUpsert(created bool) {
	if created {
		upsertsTotal.WithLabelValues("created").Inc()
	} else {
		upsertsTotal.WithLabelValues("found").Inc()
	}
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler { return promhttp.Handler() }
