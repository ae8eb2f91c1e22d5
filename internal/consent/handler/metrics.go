package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	consentRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	consentRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consent_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	consentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_transitions_total",
		Help: "Total consent lifecycle transitions by resulting status.",
	}, []string{"status"})

	consentReceiptVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_receipt_verifications_total",
		Help: "Total receipt verifications by outcome.",
	}, []string{"status"})

	consentChainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_chain_verifications_total",
		Help: "Total audit chain verifications by verdict.",
	}, []string{"status"})

	consentIntegrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_integrity_checks_total",
		Help: "Total background audit chain integrity checks by outcome.",
	}, []string{"result"})

	consentLedgerEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consent_ledger_events_total",
		Help: "Total audit events appended by this process.",
	})
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

		consentRequestsTotal.WithLabelValues(method, path, status).Inc()
		consentRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// recordTransition records a lifecycle change and the audit event it appended.
func recordTransition(status string) {
	consentTransitionsTotal.WithLabelValues(status).Inc()
	consentLedgerEventsTotal.Inc()
}

func recordReceiptVerification(status string) {
	consentReceiptVerificationsTotal.WithLabelValues(status).Inc()
}

func recordChainVerification(status string) {
	consentChainVerificationsTotal.WithLabelValues(status).Inc()
}

// RecordIntegrityCheck records one background chain integrity check.
func RecordIntegrityCheck(healthy bool) {
	if healthy {
		consentIntegrityChecksTotal.WithLabelValues("healthy").Inc()
		return
	}
	consentIntegrityChecksTotal.WithLabelValues("failed").Inc()
}
