package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobTransitions    *prometheus.CounterVec
	JobsAbsorbed      prometheus.Counter
	LedgerOutcomes    *prometheus.CounterVec
	RateDecisions     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
	QueueMessages     *prometheus.CounterVec
	RenderDuration    *prometheus.HistogramVec
	SQLDuration       *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}
	m.JobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docapi_job_transitions_total",
		Help: "Job state transitions by job type and target status",
	}, []string{"job_type", "status"})
	m.JobsAbsorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docapi_job_duplicate_deliveries_total",
		Help: "Queue deliveries absorbed by the processing guard",
	})
	m.LedgerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docapi_ledger_operations_total",
		Help: "Ledger operations by type and outcome",
	}, []string{"operation", "outcome"})
	m.RateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docapi_admission_decisions_total",
		Help: "Rate limit and quota decisions",
	}, []string{"check", "decision"})
	m.WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docapi_webhook_attempts_total",
		Help: "Webhook delivery attempts by status",
	}, []string{"status"})
	m.WebhookLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docapi_webhook_attempt_duration_seconds",
		Help:    "Duration of single webhook delivery attempts",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	m.QueueMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docapi_queue_messages_total",
		Help: "Queue messages handled by kind and result",
	}, []string{"kind", "result"})
	m.RenderDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docapi_render_duration_seconds",
		Help:    "Renderer latency by job type",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job_type"})
	m.SQLDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docapi_sql_duration_seconds",
		Help:    "Inline SQL latency by query marker and result",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"query_id", "result"})

	reg.MustRegister(
		m.JobTransitions,
		m.JobsAbsorbed,
		m.LedgerOutcomes,
		m.RateDecisions,
		m.WebhookDeliveries,
		m.WebhookLatency,
		m.QueueMessages,
		m.RenderDuration,
		m.SQLDuration,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobTransition(jobType, status string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) DuplicateAbsorbed() {
	if m == nil {
		return
	}
	m.JobsAbsorbed.Inc()
}

func (m *Metrics) Ledger(operation, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Admission(check, decision string) {
	if m == nil {
		return
	}
	m.RateDecisions.WithLabelValues(check, decision).Inc()
}

func (m *Metrics) WebhookAttempt(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(status).Inc()
	m.WebhookLatency.Observe(took.Seconds())
}

func (m *Metrics) QueueMessage(kind, result string) {
	if m == nil {
		return
	}
	m.QueueMessages.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Render(jobType string, took time.Duration) {
	if m == nil {
		return
	}
	m.RenderDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

// SQL records one inline query.
func (m *Metrics) SQL(queryID string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SQLDuration.WithLabelValues(queryID, result).Observe(took.Seconds())
}
