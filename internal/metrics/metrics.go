// Package metrics exposes Prometheus instrumentation of the relay.
//
// All recording methods accept a nil *Metrics and do nothing, so components
// can be constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushrelay"

// Metrics groups the relay's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	oracleChecks  *prometheus.CounterVec
	oracleLatency *prometheus.HistogramVec
	credCache     *prometheus.CounterVec
	messages      *prometheus.CounterVec
	registrations *prometheus.CounterVec
	polls         *prometheus.CounterVec
}

// New creates and registers every collector, plus Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route, long polls included.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 300},
		}, []string{"route"}),
		oracleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "checks_total",
			Help: "Authentication oracle checks by oracle and result.",
		}, []string{"oracle", "result"}),
		oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "check_duration_seconds",
			Help:    "Authentication oracle round trip, pool wait included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"oracle"}),
		credCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credcache", Name: "lookups_total",
			Help: "Credential cache lookups by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_enqueued_total",
			Help: "Enqueued messages, appended or collapsed into a pending one.",
		}, []string{"kind"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registrations_total",
			Help: "Registration changes by operation.",
		}, []string{"op"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_resolved_total",
			Help: "Long polls resolved by outcome.",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.oracleChecks, m.oracleLatency,
		m.credCache, m.messages, m.registrations, m.polls,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// PendingPolls registers a gauge reading the number of held long polls from fn.
func (m *Metrics) PendingPolls(fn func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "polls_pending",
		Help: "Long polls currently held open.",
	}, func() float64 { return float64(fn()) }))
}

// CredCacheSize registers a gauge reading the number of cached credentials from fn.
func (m *Metrics) CredCacheSize(fn func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "credcache", Name: "entries",
		Help: "Credentials currently cached.",
	}, func() float64 { return float64(fn()) }))
}

// HTTP records one served request.
func (m *Metrics) HTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Oracle records one oracle check; result is accepted, rejected or unavailable.
func (m *Metrics) Oracle(name, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.oracleChecks.WithLabelValues(name, result).Inc()
	m.oracleLatency.WithLabelValues(name).Observe(d.Seconds())
}

// CredCache records a cache hit or miss.
func (m *Metrics) CredCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.credCache.WithLabelValues("hit").Inc()
		return
	}
	m.credCache.WithLabelValues("miss").Inc()
}

// Enqueued records an accepted message.
func (m *Metrics) Enqueued(collapsed bool) {
	if m == nil {
		return
	}
	if collapsed {
		m.messages.WithLabelValues("collapsed").Inc()
		return
	}
	m.messages.WithLabelValues("appended").Inc()
}

// Registration records a registration change: created, removed or dropped.
func (m *Metrics) Registration(op string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(op).Inc()
}

// Poll records a resolved long poll.
func (m *Metrics) Poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}
