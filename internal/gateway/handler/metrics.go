package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/arenaguard/internal/ratelimit"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	guardRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenaguard_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	guardRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arenaguard_request_duration_seconds",
		Help:    "Request duration in seconds, including the upstream.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	guardSecurityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenaguard_security_events_total",
		Help: "Security events recorded by type and severity.",
	}, []string{"type", "severity"})

	guardDetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenaguard_detections_total",
		Help: "Detector firings by kind.",
	}, []string{"kind"})

	guardBlockedRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arenaguard_blocked_requests_total",
		Help: "Requests rejected because their origin is blocked.",
	})

	guardBlockLookupErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arenaguard_block_lookup_errors_total",
		Help: "Block list lookups that failed open.",
	})

	guardRateLimitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenaguard_ratelimit_decisions_total",
		Help: "Rate limiter decisions by policy and outcome.",
	}, []string{"policy", "outcome"})

	guardAlertNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arenaguard_alert_notifications_total",
		Help: "Alert notifications by sink and status.",
	}, []string{"sink", "status"})

	guardDependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arenaguard_dependency_up",
		Help: "1 if the last probe of the dependency succeeded, 0 otherwise.",
	}, []string{"dependency"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		// Proxied paths are unbounded, so only routed paths are used as labels.
		path := c.FullPath()
		if path == "" {
			path = "upstream"
		}

		guardRequestsTotal.WithLabelValues(method, path, status).Inc()
		guardRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSecurityEvent counts a recorded security event.
func RecordSecurityEvent(ev threat.Event) {
	guardSecurityEventsTotal.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
}

// RecordDetection counts a detector firing.
func RecordDetection(kind threat.EventType) {
	guardDetectionsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordBlockLookupError counts a block lookup that failed open.
func RecordBlockLookupError(error) {
	guardBlockLookupErrorsTotal.Inc()
}

// RecordRateLimitDecision counts a limiter decision.
func RecordRateLimitDecision(policy string, d ratelimit.Decision) {
	outcome := "allowed"
	switch {
	case d.FailOpen:
		outcome = "fail_open"
	case !d.Allowed:
		outcome = "limited"
	}
	guardRateLimitTotal.WithLabelValues(policy, outcome).Inc()
}

// RecordAlertNotification counts an alert notification attempt.
func RecordAlertNotification(sink string, success bool) {
	if success {
		guardAlertNotificationsTotal.WithLabelValues(sink, "success").Inc()
	} else {
		guardAlertNotificationsTotal.WithLabelValues(sink, "failure").Inc()
	}
}

// RecordDependencyHealth sets the probe result gauge for a dependency.
func RecordDependencyHealth(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	guardDependencyUp.WithLabelValues(name).Set(v)
}
