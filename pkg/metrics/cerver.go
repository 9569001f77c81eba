package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CerverMetrics records the cerver engine's connection and packet counters.
// All methods are safe on a nil receiver, so callers never need to branch
// on whether metrics are enabled.
type CerverMetrics struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	activeConnections   *prometheus.GaugeVec
	packetsReceived     *prometheus.CounterVec
	packetsSent         *prometheus.CounterVec
	bytesReceived       *prometheus.CounterVec
	bytesSent           *prometheus.CounterVec
	badPackets          *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec
	jobsDropped         *prometheus.CounterVec
}

var (
	cerverMetricsOnce sync.Once
	cerverMetrics     *CerverMetrics
)

// NewCerverMetrics returns the Prometheus-backed recorder, labelled by
// cerver name and plane ("client" or "admin"). The underlying collectors
// are registered once; every cerver in the process shares them and is
// told apart by its name label.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCerverMetrics() *CerverMetrics {
	if !IsEnabled() {
		return nil
	}

	cerverMetricsOnce.Do(func() {
		cerverMetrics = newCerverMetrics(GetRegistry())
	})
	return cerverMetrics
}

func newCerverMetrics(reg *prometheus.Registry) *CerverMetrics {
	return &CerverMetrics{
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_connections_accepted_total",
				Help: "Total number of accepted TCP connections",
			},
			[]string{"cerver", "plane"},
		),
		connectionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_connections_closed_total",
				Help: "Total number of closed TCP connections",
			},
			[]string{"cerver", "plane"},
		),
		activeConnections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cerver_active_connections",
				Help: "Current number of live TCP connections",
			},
			[]string{"cerver", "plane"},
		),
		packetsReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_packets_received_total",
				Help: "Total number of complete packets received, by packet type",
			},
			[]string{"cerver", "plane", "type"},
		),
		packetsSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_packets_sent_total",
				Help: "Total number of packets sent",
			},
			[]string{"cerver", "plane"},
		),
		bytesReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_bytes_received_total",
				Help: "Total bytes pulled off client sockets",
			},
			[]string{"cerver", "plane"},
		),
		bytesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_bytes_sent_total",
				Help: "Total bytes written to client sockets",
			},
			[]string{"cerver", "plane"},
		),
		badPackets: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_bad_packets_total",
				Help: "Total number of malformed or rejected packets",
			},
			[]string{"cerver", "plane"},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cerver_handler_queue_depth",
				Help: "Jobs waiting in a handler's queue",
			},
			[]string{"cerver", "handler"},
		),
		jobsDropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerver_handler_jobs_dropped_total",
				Help: "Packets dropped because a handler's queue was full",
			},
			[]string{"cerver", "handler"},
		),
	}
}

// RecordConnectionAccepted increments the accepted-connections counter.
func (m *CerverMetrics) RecordConnectionAccepted(cerver, plane string) {
	if m == nil {
		return
	}
	m.connectionsAccepted.WithLabelValues(cerver, plane).Inc()
}

// RecordConnectionClosed increments the closed-connections counter.
func (m *CerverMetrics) RecordConnectionClosed(cerver, plane string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(cerver, plane).Inc()
}

// SetActiveConnections records the current live connection count.
func (m *CerverMetrics) SetActiveConnections(cerver, plane string, n int) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(cerver, plane).Set(float64(n))
}

// RecordPacketReceived counts one complete inbound packet.
func (m *CerverMetrics) RecordPacketReceived(cerver, plane, packetType string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(cerver, plane, packetType).Inc()
}

// RecordPacketSent counts one outbound packet of the given size.
func (m *CerverMetrics) RecordPacketSent(cerver, plane string, bytes int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(cerver, plane).Inc()
	m.bytesSent.WithLabelValues(cerver, plane).Add(float64(bytes))
}

// RecordBytesReceived counts bytes pulled off a socket.
func (m *CerverMetrics) RecordBytesReceived(cerver, plane string, bytes int) {
	if m == nil {
		return
	}
	m.bytesReceived.WithLabelValues(cerver, plane).Add(float64(bytes))
}

// RecordBadPacket counts one malformed or rejected packet.
func (m *CerverMetrics) RecordBadPacket(cerver, plane string) {
	if m == nil {
		return
	}
	m.badPackets.WithLabelValues(cerver, plane).Inc()
}

// SetQueueDepth records a handler queue's current length.
func (m *CerverMetrics) SetQueueDepth(cerver, handler string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(cerver, handler).Set(float64(depth))
}

// RecordJobDropped counts a packet dropped on a full handler queue.
func (m *CerverMetrics) RecordJobDropped(cerver, handler string) {
	if m == nil {
		return
	}
	m.jobsDropped.WithLabelValues(cerver, handler).Inc()
}
