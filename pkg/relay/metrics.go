package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests      *prometheus.CounterVec
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	events        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay_call",
			Name:      "requests_total",
			Help:      "Signaling store requests handled, by op and result.",
		}, []string{"op", "result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay_call",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay_call",
			Name:      "subscriptions",
			Help:      "Live store subscriptions across all connections.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay_call",
			Name:      "events_pushed_total",
			Help:      "Change events pushed to clients.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.connections, m.subscriptions, m.events)
	}

	return m
}

func (m *metrics) request(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	m.requests.WithLabelValues(op, result).Inc()
}
