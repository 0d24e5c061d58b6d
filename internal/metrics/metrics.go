// Package metrics exposes Prometheus collectors for the API and the workers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"groupsave/internal/core"
)

const namespace = "groupsave"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	operations     *prometheus.CounterVec
	ledgerApplied  prometheus.Counter
	integrity      prometheus.Counter
	outboxEvents   *prometheus.CounterVec
	reminders      prometheus.Counter
	suspicious     *prometheus.CounterVec
	rateLimited    prometheus.Counter
	consumedEvents *prometheus.CounterVec
}

// New registers every collector on a private registry, together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Workflow operations by name and outcome kind.",
		}, []string{"operation", "outcome"}),
		ledgerApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_applied_cents_total",
			Help:      "Confirmed contribution amounts applied to group totals, in cents.",
		}),
		integrity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_errors_total",
			Help:      "Ledger invariant violations detected.",
		}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox publish attempts by result.",
		}, []string{"result"}),
		reminders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contribution_reminders_total",
			Help:      "Contribution reminders sent.",
		}),
		suspicious: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_requests_total",
			Help:      "Requests flagged by the security detector.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		consumedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_messages_total",
			Help:      "Queue messages handled by the worker, by type and result.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.operations, m.ledgerApplied, m.integrity,
		m.outboxEvents, m.reminders, m.suspicious, m.rateLimited, m.consumedEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Operation counts a workflow call by the kind of its result.
func (m *Metrics) Operation(name string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(name, core.KindName(err)).Inc()
	if core.KindOf(err) == core.ErrIntegrity {
		m.integrity.Inc()
	}
}

func (m *Metrics) LedgerApplied(cents int64) {
	if m == nil {
		return
	}
	m.ledgerApplied.Add(float64(cents))
}

func (m *Metrics) OutboxPublished(ok bool) {
	if m == nil {
		return
	}
	result := "published"
	if !ok {
		result = "failed"
	}
	m.outboxEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.reminders.Inc()
}

func (m *Metrics) SuspiciousRequest(reason string) {
	if m == nil {
		return
	}
	m.suspicious.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) MessageConsumed(msgType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.consumedEvents.WithLabelValues(msgType, result).Inc()
}
