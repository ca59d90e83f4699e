package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the relay's operational counters. All of them are
// labelled by room so per-document traffic is visible.
type Metrics struct {
	Connections      *prometheus.GaugeVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	SnapshotWrites   *prometheus.CounterVec
	AwarenessExpired *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Currently connected replicas per room.",
		}, []string{"room"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Messages received from replicas.",
		}, []string{"room", "type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Messages fanned out to replicas.",
		}, []string{"room", "type"}),
		SnapshotWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_snapshot_writes_total",
			Help: "Snapshot write attempts by outcome.",
		}, []string{"room", "outcome"}),
		AwarenessExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_awareness_expired_total",
			Help: "Awareness records removed by the expiry timeout.",
		}, []string{"room"}),
	}
}
