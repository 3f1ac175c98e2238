package reconciliation

import "github.com/prometheus/client_golang/prometheus"

// Finding labels for findingsGauge.
const (
	findingMissingTarget   = "missing_target"
	findingAlreadyAnalyzed = "already_analyzed"
	findingAlreadyRevealed = "already_revealed"
	findingOverdue         = "overdue"
)

var (
	findingsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "infravault",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Pending requests flagged by the last reconciliation run, by finding.",
	}, []string{"finding"})

	runSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "infravault",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Reconciliation run duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 6),
	})

	checkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "infravault",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs or checks that failed.",
	})
)

func init() {
	prometheus.MustRegister(findingsGauge, runSeconds, checkErrors)
}

func observe(r *Report) {
	findingsGauge.WithLabelValues(findingMissingTarget).Set(float64(r.MissingTargets))
	findingsGauge.WithLabelValues(findingAlreadyAnalyzed).Set(float64(r.AlreadyAnalyzed))
	findingsGauge.WithLabelValues(findingAlreadyRevealed).Set(float64(r.AlreadyRevealed))
	findingsGauge.WithLabelValues(findingOverdue).Set(float64(r.Overdue))
	runSeconds.Observe(r.Duration.Seconds())
}
