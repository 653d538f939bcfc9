package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	reconciliationResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_results_total",
			Help: "Payment events processed by the reconciliation engine, by outcome",
		},
		[]string{"channel", "result"},
	)

	adapterRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_rejections_total",
			Help: "Channel payloads refused before reaching the idempotency guard",
		},
		[]string{"channel", "kind"},
	)

	dedupDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_duplicates_total",
			Help: "Payment events dropped as duplicates",
		},
		[]string{"channel"},
	)

	dispatchActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_actions_total",
			Help: "Side-effect action attempts",
		},
		[]string{"action", "result"},
	)

	pollRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_requests_total",
			Help: "Gateway status polls",
		},
		[]string{"channel", "result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(reconciliationResultsTotal)
	prometheus.MustRegister(adapterRejectionsTotal)
	prometheus.MustRegister(dedupDuplicatesTotal)
	prometheus.MustRegister(dispatchActionsTotal)
	prometheus.MustRegister(pollRequestsTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordReconciliation counts one engine result: applied, noop, duplicate or a rejection reason.
func RecordReconciliation(channel, result string) {
	reconciliationResultsTotal.WithLabelValues(channel, result).Inc()
}

func RecordAdapterRejection(channel, kind string) {
	adapterRejectionsTotal.WithLabelValues(channel, kind).Inc()
}

func RecordDuplicate(channel string) {
	dedupDuplicatesTotal.WithLabelValues(channel).Inc()
}

func RecordDispatchAction(action, result string) {
	dispatchActionsTotal.WithLabelValues(action, result).Inc()
}

func RecordPoll(channel, result string) {
	pollRequestsTotal.WithLabelValues(channel, result).Inc()
}
