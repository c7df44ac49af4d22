// Package metrics holds Plaza's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plaza"

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	pushDeliveries  *prometheus.CounterVec
	emailsSent      *prometheus.CounterVec
	realtimeClients prometheus.Gauge
	unreadRecounts  *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	dbCircuit       *prometheus.GaugeVec
}

// New creates and registers every collector, plus the process and Go
// runtime collectors.
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

		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "deliveries_total",
			Help:      "Web push delivery attempts by result.",
		}, []string{"result"}),
		emailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "email",
			Name:      "sent_total",
			Help:      "Transactional emails by template and result.",
		}, []string{"template", "result"}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connected_clients",
			Help:      "Websocket clients connected to the unread hub.",
		}),
		unreadRecounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unread",
			Name:      "recounts_total",
			Help:      "Unread recounts by trigger.",
		}, []string{"trigger"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs.",
		}, []string{"job", "success"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"job"}),
		dbCircuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "circuit_state",
			Help:      "1 for the current state of the hosted database circuit breaker.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.pushDeliveries,
		m.emailsSent,
		m.realtimeClients,
		m.unreadRecounts,
		m.jobRuns,
		m.jobDuration,
		m.dbCircuit,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	m.SetDatabaseCircuit("closed")
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

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one handled request. path should be a route
// template, not the raw URL.
func (m *Metrics) RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordPush counts a push delivery: "sent", "gone" or "failed". The
// recorders below are no-ops on a nil *Metrics so services can run without
// one.
func (m *Metrics) RecordPush(result string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordEmail(template string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.emailsSent.WithLabelValues(template, result).Inc()
}

func (m *Metrics) RealtimeConnected() {
	if m != nil {
		m.realtimeClients.Inc()
	}
}

func (m *Metrics) RealtimeDisconnected() {
	if m != nil {
		m.realtimeClients.Dec()
	}
}

func (m *Metrics) RecordUnreadRecount(trigger string) {
	if m == nil {
		return
	}
	m.unreadRecounts.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordJob(job string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

var circuitStates = []string{"closed", "half-open", "open"}

// SetDatabaseCircuit records the hosted database circuit breaker state.
func (m *Metrics) SetDatabaseCircuit(state string) {
	if m == nil {
		return
	}
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.dbCircuit.WithLabelValues(s).Set(v)
	}
}
