// Package metrics holds the process-wide Prometheus collectors: HTTP
// traffic, event delivery and the database pool. Ledger protocol metrics
// live next to the ledger.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "infravault"

// unmatchedRoute labels requests that hit no registered route so scanners
// for random paths share one series.
const unmatchedRoute = "unmatched"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})

	HTTPRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	// WebhookDeliveriesTotal results: delivered, failed, blocked, circuit_open.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})

	WebhooksDisabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "disabled_total",
		Help:      "Webhook subscriptions disabled after repeated failures.",
	})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})

	RealtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected event stream clients.",
	})

	// RealtimeFramesTotal is labelled live, replay or dropped.
	RealtimeFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "frames_total",
		Help:      "Event frames queued to stream clients.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		WebhookDeliveriesTotal,
		WebhooksDisabledTotal,
		RateLimitedTotal,
		RealtimeClients,
		RealtimeFramesTotal,
	)
}

// RegisterDB exports connection pool statistics for db under the given
// name. Registering the same name twice is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count, latency and concurrency by route
// pattern, never by raw path.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
