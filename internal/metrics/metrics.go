// Package metrics exposes the gateway's Prometheus collectors. Every method is
// safe to call on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsRunning   prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	sessionsExpired   prometheus.Counter
	payloadsReceived  prometheus.Counter
	dispatchTotal     *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	closures          *prometheus.CounterVec
	admissionRejected *prometheus.CounterVec
	presenceConflicts prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_sessions_running",
			Help: "Number of sessions with both loops active",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_sessions_total",
			Help: "Sessions accepted, by whether they were created or resumed",
		}, []string{"kind"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_sessions_expired_total",
			Help: "Sessions removed by the expiry sweep",
		}),
		payloadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_payloads_received_total",
			Help: "Inbound envelopes decoded successfully",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_dispatch_total",
			Help: "Dispatch payloads enqueued, by event",
		}, []string{"event"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_dispatch_failures_total",
			Help: "Dispatch payloads that could not be enqueued, by event",
		}, []string{"event"}),
		closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_closures_total",
			Help: "Sessions stopped by the server, by close code",
		}, []string{"code"}),
		admissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_admission_rejected_total",
			Help: "Upgrade requests rejected before the handshake, by reason",
		}, []string{"reason"}),
		presenceConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_presence_conflicts_total",
			Help: "Optimistic concurrency conflicts while writing presence",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.sessionsRunning, m.sessionsTotal, m.sessionsExpired, m.payloadsReceived,
		m.dispatchTotal, m.dispatchFailures, m.closures, m.admissionRejected, m.presenceConflicts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsRunning.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.sessionsRunning.Dec()
}

// SessionAccepted counts an upgrade; resumed reports whether an existing
// session was reused.
func (m *Metrics) SessionAccepted(resumed bool) {
	if m == nil {
		return
	}
	kind := "created"
	if resumed {
		kind = "resumed"
	}
	m.sessionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}

func (m *Metrics) PayloadReceived() {
	if m == nil {
		return
	}
	m.payloadsReceived.Inc()
}

func (m *Metrics) Dispatched(event string, delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.dispatchTotal.WithLabelValues(event).Add(float64(delivered))
	}
	if failed > 0 {
		m.dispatchFailures.WithLabelValues(event).Add(float64(failed))
	}
}

func (m *Metrics) Closed(code int) {
	if m == nil {
		return
	}
	m.closures.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PresenceConflict() {
	if m == nil {
		return
	}
	m.presenceConflicts.Inc()
}
