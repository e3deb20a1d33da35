package bridge

import "github.com/prometheus/client_golang/prometheus"

type bridgeMetrics struct {
	publishes     prometheus.Counter
	publishErrors prometheus.Counter
	inbound       prometheus.Counter
	reconnects    prometheus.Counter
}

// newBridgeMetrics registers the bridge counters on reg. A nil reg disables metrics.
func newBridgeMetrics(reg prometheus.Registerer) *bridgeMetrics {
	if reg == nil {
		return nil
	}
	m := &bridgeMetrics{
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_bridge_publishes_total",
			Help: "Envelopes forwarded to other nodes.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_bridge_publish_errors_total",
			Help: "Failed broker publishes.",
		}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_bridge_inbound_total",
			Help: "Envelopes received from other nodes.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatd_bridge_reconnects_total",
			Help: "Successful broker reconnects.",
		}),
	}
	reg.MustRegister(m.publishes, m.publishErrors, m.inbound, m.reconnects)
	return m
}

func (m *bridgeMetrics) published() {
	if m == nil {
		return
	}
	m.publishes.Inc()
}

func (m *bridgeMetrics) publishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *bridgeMetrics) received() {
	if m == nil {
		return
	}
	m.inbound.Inc()
}

func (m *bridgeMetrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
