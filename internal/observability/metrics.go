package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// Every method is safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	AutomationCalls  *prometheus.CounterVec
	RateLimitWait    prometheus.Histogram
	Teardowns        *prometheus.CounterVec
	Refunds          prometheus.Counter
	ProvisionLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of video call sessions currently holding a room.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		AutomationCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_calls_total",
			Help:      "Privileged platform calls by method and outcome.",
		}, []string{"method", "outcome"}),
		RateLimitWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "automation_rate_limit_wait_seconds",
			Help:      "Platform-dictated waits absorbed by the automation client.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		Teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_total",
			Help:      "Room teardowns by outcome.",
		}, []string{"outcome"}),
		Refunds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund obligations raised for cancelled paid sessions.",
		}),
		ProvisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_latency_ms",
			Help:      "Time to create and record a room in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SetActiveSessions overwrites the gauge, used after reconciliation.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) AutomationCall(method, outcome string) {
	if m == nil {
		return
	}
	m.AutomationCalls.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) Teardown(outcome string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefundRaised() {
	if m == nil {
		return
	}
	m.Refunds.Inc()
}

func (m *Metrics) ObserveProvisionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ProvisionLatency.Observe(float64(d.Milliseconds()))
}

// Handler exposes this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
