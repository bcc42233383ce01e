// Package metrics exposes Prometheus instrumentation for the billing drivers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subscriptions"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sweepRuns     prometheus.Counter
	sweepChecked  prometheus.Counter
	sweepBlocked  prometheus.Counter
	sweepFailed   prometheus.Counter
	sweepDuration prometheus.Histogram
	syncTotal     *prometheus.CounterVec
	webhookTotal  *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	accessDenied  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total sweep runs",
		}),
		sweepChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "checked_total",
			Help:      "Total active accounts examined by the sweep",
		}),
		sweepBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "blocked_total",
			Help:      "Total accounts suspended by the sweep",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "failed_total",
			Help:      "Total accounts the sweep could not write",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Sweep run duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "On-demand sync requests by outcome",
		}, []string{"outcome"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "notifications_total",
			Help:      "Provider notifications by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_writes_total",
			Help:      "Account writes by driver and resulting payment status",
		}, []string{"source", "payment_status"}),
		accessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "denied_total",
			Help:      "Dashboard requests turned away by account state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sweepRuns, m.sweepChecked, m.sweepBlocked, m.sweepFailed, m.sweepDuration,
		m.syncTotal, m.webhookTotal, m.transitions, m.accessDenied,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SweepFinished(checked, blocked, failed int, seconds float64) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepChecked.Add(float64(checked))
	m.sweepBlocked.Add(float64(blocked))
	m.sweepFailed.Add(float64(failed))
	m.sweepDuration.Observe(seconds)
}

func (m *Metrics) SyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookOutcome(outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(outcome).Inc()
}

// AccountWritten counts a persisted decision.
func (m *Metrics) AccountWritten(source, paymentStatus string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(source, paymentStatus).Inc()
}

func (m *Metrics) AccessDenied(state string) {
	if m == nil {
		return
	}
	m.accessDenied.WithLabelValues(state).Inc()
}
