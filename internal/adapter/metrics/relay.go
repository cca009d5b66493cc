package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics counts messages moved between the messenger and the portal.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	MessagesTotal *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Total number of relayed messages, by direction and result.",
		}, []string{"direction", "result"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "portal_events_total",
			Help:      "Total number of portal events received, by type and outcome.",
		}, []string{"type", "outcome"}),
	}

	reg.MustRegister(m.MessagesTotal, m.EventsTotal)
	return m
}

func (m *RelayMetrics) Message(direction, result string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, result).Inc()
}

func (m *RelayMetrics) Event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}
