// Package metrics holds the treasury's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "treasury"

// Metrics is the set of treasury collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	walletsCreated   prometheus.Counter
	transactions     *prometheus.CounterVec
	signatures       *prometheus.CounterVec
	limitRejections  *prometheus.CounterVec
	payouts          *prometheus.CounterVec
	payoutSubmit     *prometheus.HistogramVec
	auditEntries     prometheus.Counter
	auditSinkDropped *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, including Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),

		walletsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_created_total",
			Help:      "Total number of treasury wallets created.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Multi-signature transaction transitions by resulting status.",
		}, []string{"status"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Signature submissions by result.",
		}, []string{"result"}),
		limitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_rejections_total",
			Help:      "Transactions refused by a spend limit.",
		}, []string{"window"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payout transitions by network and status.",
		}, []string{"network", "status"}),
		payoutSubmit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payout_submit_duration_seconds",
			Help:      "Time from payout submit to broadcast.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"network"}),
		auditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries appended to the chain.",
		}),
		auditSinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_dropped_total",
			Help:      "Audit entries a sink could not deliver.",
		}, []string{"sink"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"job"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.walletsCreated,
		m.transactions,
		m.signatures,
		m.limitRejections,
		m.payouts,
		m.payoutSubmit,
		m.auditEntries,
		m.auditSinkDropped,
		m.jobRuns,
		m.jobDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks a request as started.
func (m *Metrics) IncrementInFlight() {
	if m != nil {
		m.httpInFlight.Inc()
	}
}

// DecrementInFlight marks a request as finished.
func (m *Metrics) DecrementInFlight() {
	if m != nil {
		m.httpInFlight.Dec()
	}
}

// RecordHTTPRequest records one handled request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) WalletCreated() {
	if m != nil {
		m.walletsCreated.Inc()
	}
}

func (m *Metrics) TransactionStatus(status string) {
	if m != nil {
		m.transactions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Signature(result string) {
	if m != nil {
		m.signatures.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) LimitRejected(window string) {
	if m != nil {
		m.limitRejections.WithLabelValues(window).Inc()
	}
}

func (m *Metrics) Payout(network, status string) {
	if m != nil {
		m.payouts.WithLabelValues(network, status).Inc()
	}
}

func (m *Metrics) PayoutSubmitted(network string, duration time.Duration) {
	if m != nil {
		m.payoutSubmit.WithLabelValues(network).Observe(duration.Seconds())
	}
}

func (m *Metrics) AuditAppended(n int) {
	if m != nil {
		m.auditEntries.Add(float64(n))
	}
}

func (m *Metrics) AuditDropped(sink string) {
	if m != nil {
		m.auditSinkDropped.WithLabelValues(sink).Inc()
	}
}

// JobRun records a scheduled job run.
func (m *Metrics) JobRun(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
