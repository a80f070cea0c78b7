// Package metrics exposes prometheus collectors for the bridge.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wabridge"

type Metrics struct {
	Viewers         prometheus.Gauge
	Broadcasts      *prometheus.CounterVec
	ViewersDropped  prometheus.Counter
	PushDeliveries  *prometheus.CounterVec
	InboundMessages prometheus.Counter
	SessionPhase    *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Connected viewers.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Events broadcast to all viewers.",
		}, []string{"event"}),
		ViewersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewers_dropped_total",
			Help:      "Viewers disconnected because their send buffer was full.",
		}),
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Push notification delivery attempts.",
		}, []string{"result"}),
		InboundMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Messages received from the platform.",
		}),
		SessionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_phase",
			Help:      "1 for the current session phase, 0 otherwise.",
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.Viewers, m.Broadcasts, m.ViewersDropped, m.PushDeliveries, m.InboundMessages, m.SessionPhase)
	}
	return m
}

func (m *Metrics) ViewerConnected() {
	if m == nil {
		return
	}
	m.Viewers.Inc()
}

func (m *Metrics) ViewerDisconnected() {
	if m == nil {
		return
	}
	m.Viewers.Dec()
}

func (m *Metrics) Broadcast(event string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) ViewerDropped() {
	if m == nil {
		return
	}
	m.ViewersDropped.Inc()
}

func (m *Metrics) PushDelivery(result string) {
	if m == nil {
		return
	}
	m.PushDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) Inbound() {
	if m == nil {
		return
	}
	m.InboundMessages.Inc()
}

// Phase marks phase as current and every other known phase as not.
func (m *Metrics) Phase(current string, all ...string) {
	if m == nil {
		return
	}
	for _, p := range all {
		m.SessionPhase.WithLabelValues(p).Set(0)
	}
	m.SessionPhase.WithLabelValues(current).Set(1)
}
