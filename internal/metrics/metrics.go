// Package metrics collects orchestrator-wide Prometheus metrics and a
// small in-memory ring buffer of recent errors. It is kept as its own
// leaf package (no dependency on orchestrator, delivery, listener, or
// ingress) so every producer of a counter can import it without
// forming an import cycle back through the Supervisor.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestrator-wide Prometheus metrics and keeps a
// small in-memory ring buffer of recent errors for the /health endpoint.
type Metrics struct {
	registry *prometheus.Registry

	messagesIngested  *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	messagesSkipped   *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec
	platformLatency   *prometheus.HistogramVec
	platformCalls     *prometheus.CounterVec
	instancesConnected prometheus.Gauge
	listenersActive    prometheus.Gauge

	mu     sync.Mutex
	errors []RecentError
	cap    int
}

// RecentError is one entry of the recent-error ring buffer.
type RecentError struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// New constructs a Metrics collector registered against a fresh
// Prometheus registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry, cap: 100}

	m.messagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wxorc", Name: "messages_ingested_total", Help: "Total messages accepted by MessageIngress",
	}, []string{"instance_id"})
	m.messagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wxorc", Name: "messages_delivered_total", Help: "Total replies successfully delivered",
	}, []string{"platform_id"})
	m.messagesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wxorc", Name: "messages_skipped_total", Help: "Total messages skipped, by reason",
	}, []string{"reason"})
	m.messagesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wxorc", Name: "messages_failed_total", Help: "Total messages that failed delivery",
	}, []string{"platform_id"})
	m.platformLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wxorc", Name: "platform_call_latency_seconds", Help: "Platform ProcessMessage latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"platform_id", "kind"})
	m.platformCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wxorc", Name: "platform_calls_total", Help: "Total platform calls by outcome",
	}, []string{"platform_id", "outcome"})
	m.instancesConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wxorc", Name: "instances_connected", Help: "Number of instances with a reachable daemon",
	})
	m.listenersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wxorc", Name: "listeners_active", Help: "Number of active listeners across all instances",
	})

	registry.MustRegister(
		m.messagesIngested, m.messagesDelivered, m.messagesSkipped, m.messagesFailed,
		m.platformLatency, m.platformCalls, m.instancesConnected, m.listenersActive,
	)
	return m
}

func (m *Metrics) IncrIngested(instanceID string)  { m.messagesIngested.WithLabelValues(instanceID).Inc() }
func (m *Metrics) IncrDelivered(platformID string) { m.messagesDelivered.WithLabelValues(platformID).Inc() }
func (m *Metrics) IncrSkipped(reason string)       { m.messagesSkipped.WithLabelValues(reason).Inc() }
func (m *Metrics) IncrFailed(platformID string)    { m.messagesFailed.WithLabelValues(platformID).Inc() }
func (m *Metrics) SetInstancesConnected(n int)     { m.instancesConnected.Set(float64(n)) }
func (m *Metrics) SetListenersActive(n int)        { m.listenersActive.Set(float64(n)) }

func (m *Metrics) ObservePlatformCall(platformID, kind, outcome string, d time.Duration) {
	m.platformLatency.WithLabelValues(platformID, kind).Observe(d.Seconds())
	m.platformCalls.WithLabelValues(platformID, outcome).Inc()
}

// RecordError appends an entry to the recent-error ring buffer shown by
// the /health endpoint.
func (m *Metrics) RecordError(component, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, RecentError{Time: time.Now(), Component: component, Message: message})
	if len(m.errors) > m.cap {
		m.errors = m.errors[len(m.errors)-m.cap:]
	}
}

// RecentErrors returns a copy of the ring buffer, oldest first.
func (m *Metrics) RecentErrors() []RecentError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecentError, len(m.errors))
	copy(out, m.errors)
	return out
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
