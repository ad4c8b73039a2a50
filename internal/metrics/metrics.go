// Package metrics exposes the reactor's connection and byte counters as
// Prometheus collectors, registered on the admin HTTP server's /metrics
// route alongside the spec's diagnostic dump.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the reactor updates during a tick.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsActive    prometheus.Gauge
	ConnectionsClosed    *prometheus.CounterVec // label "reason": the reactor's close reason, e.g. drained|client_recv_error|server_send_error|parse_Malformed|no_route|dial_failure
	BytesRelayed         *prometheus.CounterVec // label "direction": client_to_server|server_to_client
	AcceptRefused        *prometheus.CounterVec // label "reason": handle_range|accept_error
}

// New constructs and registers the Metrics collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sniproxy",
			Name:      "connections_accepted_total",
			Help:      "Total connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sniproxy",
			Name:      "connections_active",
			Help:      "Connections currently in the table.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniproxy",
			Name:      "connections_closed_total",
			Help:      "Total connections reaching CLOSED, by reason.",
		}, []string{"reason"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniproxy",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, by direction.",
		}, []string{"direction"}),
		AcceptRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniproxy",
			Name:      "accept_refused_total",
			Help:      "Total connections refused at accept, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.ConnectionsAccepted, m.ConnectionsActive, m.ConnectionsClosed, m.BytesRelayed, m.AcceptRefused)
	return m
}
