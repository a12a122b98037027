package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promMetrics implements wsbroker.Observer, generalizing the teacher's
// ad hoc broker/metrics.go (an hourly country-counter logged to a flat
// file) into Prometheus gauges/counters scraped on /metrics, since
// node-to-node routing has no IP/country dimension worth tracking but
// does have the same "how healthy is the broker" need.
type promMetrics struct {
	nodesConnected prometheus.Gauge
	relayTotal     *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	return &promMetrics{
		nodesConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "p2pnode_broker_nodes_connected",
			Help: "Number of nodes currently authenticated with the broker.",
		}),
		relayTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pnode_broker_relay_total",
			Help: "Relayed signaling frames by message type and ack outcome.",
		}, []string{"type", "ack"}),
	}
}

func (m *promMetrics) OnNodeRegistered(string)   { m.nodesConnected.Inc() }
func (m *promMetrics) OnNodeUnregistered(string) { m.nodesConnected.Dec() }
func (m *promMetrics) OnRelay(msgType, ack string) {
	m.relayTotal.WithLabelValues(msgType, ack).Inc()
}
