package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PortalMetrics tracks outbound portal REST and OAuth traffic.
// A nil *PortalMetrics is valid and records nothing.
type PortalMetrics struct {
	CallsTotal     *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	RefreshesTotal *prometheus.CounterVec
}

func NewPortalMetrics(reg prometheus.Registerer) *PortalMetrics {
	m := &PortalMetrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "calls_total",
			Help:      "Total number of portal REST calls, by method and outcome.",
		}, []string{"method", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "call_duration_seconds",
			Help:      "Duration of portal REST calls in seconds, including refresh and retry.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "token_refreshes_total",
			Help:      "Total number of OAuth token refreshes, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.CallsTotal, m.CallDuration, m.RefreshesTotal)
	return m
}

func (m *PortalMetrics) ObserveCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(method, outcome).Inc()
	m.CallDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *PortalMetrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
}
