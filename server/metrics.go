package server

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "jimrelay"

type metrics struct {
	registry         *prometheus.Registry
	accepted         prometheus.Counter
	handshakes       *prometheus.CounterVec
	closed           *prometheus.CounterVec
	open             prometheus.Gauge
	requests         *prometheus.CounterVec
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "TCP connections accepted by the relay loop.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Presence handshakes by result.",
		}, []string{"result"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections removed from the registry by reason.",
		}, []string{"reason"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_connections",
			Help:      "Connections currently held in the registry.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests served after the handshake by action.",
		}, []string{"action"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Chat messages written to recipients.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_failures_total",
			Help:      "Chat messages that could not be written to a recipient.",
		}),
	}
	m.registry.MustRegister(m.accepted, m.handshakes, m.closed, m.open, m.requests, m.deliveries, m.deliveryFailures)
	return m
}
