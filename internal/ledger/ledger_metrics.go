package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infravault",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "infravault",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// SubmissionsTotal counts accepted network submissions by sector.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infravault",
			Name:      "submissions_total",
			Help:      "Accepted network submissions by sector.",
		},
		[]string{"sector"},
	)

	// OracleRequestsTotal counts decryption requests dispatched to the oracle.
	OracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infravault",
			Name:      "oracle_requests_total",
			Help:      "Decryption requests dispatched by kind.",
		},
		[]string{"kind"},
	)

	// CallbacksTotal counts oracle callbacks by kind and outcome.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infravault",
			Name:      "callbacks_total",
			Help:      "Oracle callbacks by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// PendingRequests tracks outstanding oracle requests seen by this process.
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "infravault",
			Name:      "pending_requests",
			Help:      "Oracle requests awaiting a callback.",
		},
	)

	// OracleRoundTrip observes time from dispatch to accepted callback.
	OracleRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "infravault",
			Name:      "oracle_round_trip_seconds",
			Help:      "Seconds between a decryption request and its accepted callback.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"kind"},
	)

	// PendingExpiredTotal counts pending requests retired by the janitor.
	PendingExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infravault",
			Name:      "pending_expired_total",
			Help:      "Pending oracle requests expired without a callback.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		SubmissionsTotal,
		OracleRequestsTotal,
		CallbacksTotal,
		PendingRequests,
		OracleRoundTrip,
		PendingExpiredTotal,
	)
}

// observeOp returns a function that records the operation's outcome and
// duration.
func observeOp(opType string) func(error) {
	start := time.Now()
	return func(err error) {
		LedgerOpsTotal.WithLabelValues(opType, resultLabel(err)).Inc()
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, ErrProofVerificationFailed):
		return "proof_rejected"
	case errors.Is(err, ErrMalformedCleartext):
		return "malformed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyRevealed), errors.Is(err, ErrAlreadyAnalyzed), errors.Is(err, ErrAnalysisPending):
		return "conflict"
	default:
		return "error"
	}
}
