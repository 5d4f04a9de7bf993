// Package metrics provides Prometheus metrics for SteamLink stations.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "steamlink"
)

// Metrics contains all Prometheus metrics for a station.
// Record helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Packet metrics
	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter
	DecodeErrors    *prometheus.CounterVec
	Delivered       *prometheus.CounterVec

	// Ack metrics
	AcksSent        *prometheus.CounterVec
	AcksReceived    *prometheus.CounterVec
	Duplicates      prometheus.Counter
	Retransmits     prometheus.Counter
	DeliveriesOK    prometheus.Counter
	DeliveryFailure *prometheus.CounterVec
	Outstanding     prometheus.Gauge
	AckRTT          prometheus.Histogram

	// Bridge metrics
	BridgeForwarded *prometheus.CounterVec
	BridgeDropped   *prometheus.CounterVec

	// Node liveness (store role)
	NodesKnown   prometheus.Gauge
	NodesOffline prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Packet metrics
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received by op",
		}, []string{"op"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets transmitted by op, retransmissions included",
		}, []string{"op"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received from radio drivers",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes handed to radio drivers",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total packets dropped before classification by reason",
		}, []string{"reason"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_delivered_total",
			Help:      "Total application payloads handed to the receive callback by op",
		}, []string{"op"}),

		// Ack metrics
		AcksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Total acknowledgments sent by ack code",
		}, []string{"code"}),
		AcksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Total acknowledgments received by ack code",
		}, []string{"code"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total packets suppressed as duplicates",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total retransmissions of reliable packets",
		}),
		DeliveriesOK: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliable_deliveries_total",
			Help:      "Total reliable sends confirmed by an ack",
		}),
		DeliveryFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliable_failures_total",
			Help:      "Total reliable sends that failed by reason",
		}, []string{"reason"}),
		Outstanding: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reliable_outstanding",
			Help:      "Number of reliable sends awaiting an ack",
		}),
		AckRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_rtt_seconds",
			Help:      "Histogram of time from first transmission to ack",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		// Bridge metrics
		BridgeForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_forwarded_total",
			Help:      "Total packets relayed across bridge legs by destination leg",
		}, []string{"leg"}),
		BridgeDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_dropped_total",
			Help:      "Total packets a bridge refused to relay by reason",
		}, []string{"reason"}),

		NodesKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_known",
			Help:      "Number of nodes a store has heard from",
		}),
		NodesOffline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_offline",
			Help:      "Number of nodes that announced an offline window",
		}),
	}

	return m
}

// RecordPacketReceived records an inbound packet.
func (m *Metrics) RecordPacketReceived(op string, bytes int) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(op).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordPacketSent records an outbound packet.
func (m *Metrics) RecordPacketSent(op string, bytes int) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(op).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordDecodeError records a packet dropped before classification.
func (m *Metrics) RecordDecodeError(reason string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

// RecordDelivered records a payload handed to the application.
func (m *Metrics) RecordDelivered(op string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(op).Inc()
}

// RecordAckSent records an acknowledgment sent.
func (m *Metrics) RecordAckSent(code string) {
	if m == nil {
		return
	}
	m.AcksSent.WithLabelValues(code).Inc()
}

// RecordAckReceived records an acknowledgment received.
func (m *Metrics) RecordAckReceived(code string) {
	if m == nil {
		return
	}
	m.AcksReceived.WithLabelValues(code).Inc()
}

// RecordDuplicate records a duplicate suppression.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// RecordReliableSend records a reliable send entering the outstanding table.
func (m *Metrics) RecordReliableSend() {
	if m == nil {
		return
	}
	m.Outstanding.Inc()
}

// RecordRetransmit records a retransmission.
func (m *Metrics) RecordRetransmit() {
	if m == nil {
		return
	}
	m.Retransmits.Inc()
}

// RecordDelivery records a confirmed reliable send.
func (m *Metrics) RecordDelivery(rttSeconds float64) {
	if m == nil {
		return
	}
	m.Outstanding.Dec()
	m.DeliveriesOK.Inc()
	m.AckRTT.Observe(rttSeconds)
}

// RecordDeliveryFailure records a reliable send that will not be retried.
func (m *Metrics) RecordDeliveryFailure(reason string) {
	if m == nil {
		return
	}
	m.Outstanding.Dec()
	m.DeliveryFailure.WithLabelValues(reason).Inc()
}

// RecordBridgeForward records a relayed packet.
func (m *Metrics) RecordBridgeForward(leg string) {
	if m == nil {
		return
	}
	m.BridgeForwarded.WithLabelValues(leg).Inc()
}

// RecordBridgeDrop records a packet a bridge refused to relay.
func (m *Metrics) RecordBridgeDrop(reason string) {
	if m == nil {
		return
	}
	m.BridgeDropped.WithLabelValues(reason).Inc()
}

// SetNodes sets the store's node liveness gauges.
func (m *Metrics) SetNodes(known, offline int) {
	if m == nil {
		return
	}
	m.NodesKnown.Set(float64(known))
	m.NodesOffline.Set(float64(offline))
}
