package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_appends_total",
		Help: "Ledger append attempts by result.",
	}, []string{"result"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditledger_append_duration_seconds",
		Help:    "Time spent in the append critical section, including the wait for the chain lock.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	chainValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_chain_valid",
		Help: "1 if the last integrity check found the chain intact, 0 otherwise.",
	})

	chainEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_chain_entries",
		Help: "Entries replayed by the last integrity check.",
	})

	integrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_integrity_checks_total",
		Help: "Scheduled integrity checks by result.",
	}, []string{"result"})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_alert_deliveries_total",
		Help: "Integrity alert webhook deliveries by status.",
	}, []string{"status"})

	archiveSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_archive_snapshots_total",
		Help: "Archive snapshots by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a ledger append outcome. Its signature matches
// ledger.AppendMetricsFunc.
func RecordAppend(err error, elapsed time.Duration) {
	appendDuration.Observe(elapsed.Seconds())
	if err != nil {
		appendsTotal.WithLabelValues("error").Inc()
		return
	}
	appendsTotal.WithLabelValues("success").Inc()
}

// RecordChainStatus records the outcome of an integrity check. A check that
// failed with a storage error is counted but leaves the gauges untouched.
func RecordChainStatus(valid bool, entries int, err error) {
	switch {
	case err != nil:
		integrityChecksTotal.WithLabelValues("error").Inc()
		return
	case valid:
		integrityChecksTotal.WithLabelValues("valid").Inc()
		chainValid.Set(1)
	default:
		integrityChecksTotal.WithLabelValues("invalid").Inc()
		chainValid.Set(0)
	}
	chainEntries.Set(float64(entries))
}

// RecordAlertDelivery records an alert webhook delivery attempt.
func RecordAlertDelivery(success bool) {
	if success {
		alertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordArchiveSnapshot records an archive snapshot outcome.
func RecordArchiveSnapshot(err error) {
	if err != nil {
		archiveSnapshotsTotal.WithLabelValues("error").Inc()
		return
	}
	archiveSnapshotsTotal.WithLabelValues("success").Inc()
}
