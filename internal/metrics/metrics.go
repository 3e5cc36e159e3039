// Package metrics exposes process-wide Prometheus collectors for the tracker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes recorded by ObserveSession.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeCanceled  = "canceled"
)

var (
	sessionsTotal              *prometheus.CounterVec
	reconnectsTotal            prometheus.Counter
	heartbeatTimeoutsTotal     prometheus.Counter
	messagesDroppedTotal       *prometheus.CounterVec
	apiRequestsTotal           *prometheus.CounterVec
	apiRequestDurationSeconds  *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeSessions             prometheus.Gauge
	throttleDelaySeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtracker_sessions_total",
				Help: "Tracking sessions ended, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobtracker_reconnects_total",
				Help: "Reconnect attempts made across all sessions.",
			},
		)

		heartbeatTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobtracker_heartbeat_timeouts_total",
				Help: "Connections declared dead by the heartbeat monitor.",
			},
		)

		messagesDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtracker_messages_dropped_total",
				Help: "Inbound frames discarded, labeled by reason.",
			},
			[]string{"reason"},
		)

		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtracker_api_requests_total",
				Help: "Job API requests, labeled by operation and status code.",
			},
			[]string{"operation", "code"},
		)

		apiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobtracker_api_request_duration_seconds",
				Help:    "Job API request latencies, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobtracker_api_throttle_delay_seconds",
				Help:    "Time requests waited on the client-side rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"host"},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobtracker_active_sessions",
				Help: "Tracking sessions currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSession counts a finished session.
func ObserveSession(outcome string) {
	Init()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconnect counts a reconnect attempt.
func ObserveReconnect() {
	Init()
	reconnectsTotal.Inc()
}

// ObserveHeartbeatTimeout counts a connection killed by the heartbeat monitor.
func ObserveHeartbeatTimeout() {
	Init()
	heartbeatTimeoutsTotal.Inc()
}

// ObserveDroppedMessage counts a discarded inbound frame.
func ObserveDroppedMessage(reason string) {
	Init()
	messagesDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveAPIRequest records one job API round trip. A code of 0 means the
// request never produced a response.
func ObserveAPIRequest(operation string, code int, duration time.Duration) {
	Init()
	apiRequestsTotal.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	apiRequestDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveThrottleDelay records a wait imposed by the request rate limiter.
func ObserveThrottleDelay(host string, delay time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	Init()
	activeSessions.Inc()
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	Init()
	activeSessions.Dec()
}
