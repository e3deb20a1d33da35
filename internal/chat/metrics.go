package chat

import "github.com/prometheus/client_golang/prometheus"

type serviceMetrics struct {
	deliveries     *prometheus.CounterVec
	logins         *prometheus.CounterVec
	sessions       prometheus.Gauge
	dispatchErrors *prometheus.CounterVec
}

// newServiceMetrics registers the engine's collectors on reg. A nil reg disables metrics.
func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	if reg == nil {
		return nil
	}
	m := &serviceMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_deliveries_total",
			Help: "Envelopes routed, by outcome.",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_logins_total",
			Help: "Login attempts, by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatd_sessions_active",
			Help: "Users with a live session on this node.",
		}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_dispatch_errors_total",
			Help: "Frames dropped by the dispatcher, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.deliveries, m.logins, m.sessions, m.dispatchErrors)
	return m
}

func (m *serviceMetrics) delivered(o Outcome) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(o.String()).Inc()
}

func (m *serviceMetrics) offlineFailed() {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("offline_failed").Inc()
}

func (m *serviceMetrics) login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *serviceMetrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *serviceMetrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(reason).Inc()
}
