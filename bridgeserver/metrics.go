package bridgeserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"hop.computer/wsbridge/bridge"
	"hop.computer/wsbridge/proxy"
)

const metricsNamespace = "wsbridge"

// Metrics counts sessions and relayed traffic. It implements bridge.Observer.
type Metrics struct {
	sessions *prometheus.CounterVec
	active   prometheus.Gauge
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewMetrics creates the bridge collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Sessions ended, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently open.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Messages relayed, by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "message_bytes_total",
			Help:      "Payload bytes relayed, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.sessions, m.active, m.messages, m.bytes)

	// Export zeros so that dashboards see every series from the start.
	for _, o := range bridge.Outcomes {
		m.sessions.WithLabelValues(string(o))
	}
	for _, d := range []proxy.Direction{proxy.ClientToServer, proxy.ServerToClient} {
		m.messages.WithLabelValues(d.String())
		m.bytes.WithLabelValues(d.String())
	}
	return m
}

// SessionOpened implements bridge.Observer.
func (m *Metrics) SessionOpened() {
	m.active.Inc()
}

// SessionClosed implements bridge.Observer.
func (m *Metrics) SessionClosed(outcome bridge.Outcome) {
	m.active.Dec()
	m.sessions.WithLabelValues(string(outcome)).Inc()
}

// MessageRelayed implements bridge.Observer.
func (m *Metrics) MessageRelayed(d proxy.Direction, n int) {
	m.messages.WithLabelValues(d.String()).Inc()
	m.bytes.WithLabelValues(d.String()).Add(float64(n))
}
