// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxelnet"

// Metrics holds every collector updated by the reactor and the session layer.
type Metrics struct {
	PeersOnline      prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec
	DisconnectsTotal *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec

	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter

	QueueDepth    prometheus.Gauge
	QueueDropped  prometheus.Counter
	QueueRetried  *prometheus.CounterVec
	DispatchTime  prometheus.Histogram
	LoopBatchSize prometheus.Histogram

	LoginsTotal *prometheus.CounterVec
	WorldEdits  prometheus.Counter
	ChatLines   prometheus.Counter
}

// New registers the collectors on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_online",
			Help:      "Number of registered peers",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connection attempts by result",
		}, []string{"result"}),
		DisconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Closed connections by reason",
		}, []string{"reason"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections dropped for protocol violations",
		}, []string{"error"}),

		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Decoded packets by kind",
		}, []string{"kind"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Encoded packets handed to the transport by kind",
		}, []string{"kind"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Raw bytes read from peers",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Raw bytes written to peers",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "queue_depth",
			Help:      "Entries waiting in the outbound queue",
		}),
		QueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "dropped_total",
			Help:      "Messages dropped because the outbound queue was full",
		}),
		QueueRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "retries_total",
			Help:      "Outbound queue retry attempts by outcome",
		}, []string{"outcome"}),
		DispatchTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent handling one decoded packet",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		LoopBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_batch_events",
			Help:      "Events processed per reactor wakeup",
			Buckets:   prometheus.LinearBuckets(1, 8, 8),
		}),

		LoginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		WorldEdits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "world_edits_total",
			Help:      "Applied block edits",
		}),
		ChatLines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_lines_total",
			Help:      "Relayed chat lines",
		}),
	}
}
