package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Attachment outcomes
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics records nothing.
type Metrics struct {
	// SweepsTotal counts finished sweeps by provider and status
	SweepsTotal *prometheus.CounterVec
	// MessagesProcessed counts messages written to the ledger
	MessagesProcessed *prometheus.CounterVec
	// Attachments counts scanned attachments by outcome
	Attachments *prometheus.CounterVec
	// SweepErrors counts caught sweep errors by scope
	SweepErrors *prometheus.CounterVec
	// SweepDuration tracks sweep wall time by provider and trigger
	SweepDuration *prometheus.HistogramVec
	// OutboxDispatched counts outbox publish attempts by result
	OutboxDispatched *prometheus.CounterVec
	// HTTPRequestsTotal counts HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency
	RequestLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all Prometheus metrics on a private registry
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Total number of account sweeps",
			},
			[]string{"provider", "status"},
		),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Total number of messages fully processed",
			},
			[]string{"provider"},
		),
		Attachments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attachments_total",
				Help:      "Total number of attachments scanned, by outcome",
			},
			[]string{"provider", "outcome"},
		),
		SweepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_errors_total",
				Help:      "Total number of errors caught during sweeps",
			},
			[]string{"provider", "scope"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of account sweeps in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "trigger"},
		),
		OutboxDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dispatched_total",
				Help:      "Total number of outbox publish attempts",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "method", "status"},
		),
	}

	registry.MustRegister(
		m.SweepsTotal,
		m.MessagesProcessed,
		m.Attachments,
		m.SweepErrors,
		m.SweepDuration,
		m.OutboxDispatched,
		m.HTTPRequestsTotal,
		m.RequestLatency,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSweep records one finished sweep
func (m *Metrics) RecordSweep(provider, trigger, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(provider, status).Inc()
	m.SweepDuration.WithLabelValues(provider, trigger).Observe(d.Seconds())
}

// RecordMessage records one processed message
func (m *Metrics) RecordMessage(provider string) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(provider).Inc()
}

// RecordAttachment records one attachment outcome
func (m *Metrics) RecordAttachment(provider, outcome string) {
	if m == nil {
		return
	}
	m.Attachments.WithLabelValues(provider, outcome).Inc()
}

// RecordSweepError records one caught error
func (m *Metrics) RecordSweepError(provider, scope string) {
	if m == nil {
		return
	}
	m.SweepErrors.WithLabelValues(provider, scope).Inc()
}

// RecordOutbox records one publish attempt
func (m *Metrics) RecordOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxDispatched.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}
