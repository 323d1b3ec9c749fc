// Package metrics defines the Prometheus collectors exported by the rooms
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomsync"

// Metrics groups the rooms service collectors.
type Metrics struct {
	roomsActive       prometheus.Gauge
	connections       prometheus.Gauge
	envelopes         *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	rejections        *prometheus.CounterVec
	roomsArchived     prometheus.Counter
	archiveFailures   prometheus.Counter
	broadcastDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently held in the registry.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open client connections.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_delivered_total",
			Help:      "Envelopes delivered to a connection, by payload kind.",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Envelope deliveries that failed and triggered an implicit leave.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Inbound events rejected with a roomError, by code.",
		}, []string{"code"}),
		roomsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_archived_total",
			Help:      "Rooms closed by the inactivity reaper.",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failures_total",
			Help:      "Archived rooms the sink failed to persist.",
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_tick_seconds",
			Help:      "Time spent fanning out one periodic state sync tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.roomsActive,
			m.connections,
			m.envelopes,
			m.deliveryFailures,
			m.rejections,
			m.roomsArchived,
			m.archiveFailures,
			m.broadcastDuration,
		)
	}
	return m
}

// SetRoomsActive records the registry size.
func (m *Metrics) SetRoomsActive(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// EnvelopeDelivered counts one delivered envelope.
func (m *Metrics) EnvelopeDelivered(kind string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(kind).Inc()
}

// DeliveryFailed counts one failed delivery.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// Rejected counts one rejected inbound event.
func (m *Metrics) Rejected(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

// RoomArchived counts one reaped room.
func (m *Metrics) RoomArchived() {
	if m == nil {
		return
	}
	m.roomsArchived.Inc()
}

// ArchiveFailed counts one sink failure.
func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.archiveFailures.Inc()
}

// ObserveBroadcastTick records the duration of one scheduler tick.
func (m *Metrics) ObserveBroadcastTick(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(d.Seconds())
}
