package peerlink

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine metrics.
type Metrics struct {
	ChunksWritten    prometheus.Counter
	WriteFailures    prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesReceived    prometheus.Counter
	PeerFailures     prometheus.Counter
	ConnectedPeers   prometheus.Gauge
}

// NewMetrics creates metrics. Backend label distinguishes engines running different transports.
func NewMetrics(backend string) *Metrics {
	labels := prometheus.Labels{"backend": backend}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "peerlink",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		ChunksWritten:    counter("chunks_written_total", "Number of chunks confirmed by transport."),
		WriteFailures:    counter("write_failures_total", "Number of failed chunk writes."),
		MessagesSent:     counter("messages_sent_total", "Number of messages written completely."),
		MessagesReceived: counter("messages_received_total", "Number of complete messages received."),
		BytesReceived:    counter("received_bytes_total", "Number of fragment bytes received."),
		PeerFailures:     counter("peer_failures_total", "Number of peers disconnected due to failure."),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "peerlink",
			Name:        "connected_peers",
			Help:        "Number of connected peers.",
			ConstLabels: labels,
		}),
	}
}

// Register registers metrics in registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ChunksWritten,
		m.WriteFailures,
		m.MessagesSent,
		m.MessagesReceived,
		m.BytesReceived,
		m.PeerFailures,
		m.ConnectedPeers,
	} {
		if err := registry.Register(c); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
