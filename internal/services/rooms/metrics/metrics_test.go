package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetRoomsActive(3)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.EnvelopeDelivered("chatMessage")
	m.EnvelopeDelivered("chatMessage")
	m.DeliveryFailed()
	m.Rejected("ROOM_FULL")
	m.RoomArchived()
	m.ArchiveFailed()
	m.ObserveBroadcastTick(2 * time.Millisecond)

	if got := testutil.ToFloat64(m.roomsActive); got != 3 {
		t.Fatalf("rooms active = %v", got)
	}
	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Fatalf("connections = %v", got)
	}
	if got := testutil.ToFloat64(m.envelopes.WithLabelValues("chatMessage")); got != 2 {
		t.Fatalf("chat envelopes = %v", got)
	}
	if got := testutil.ToFloat64(m.rejections.WithLabelValues("ROOM_FULL")); got != 1 {
		t.Fatalf("rejections = %v", got)
	}
	if got := testutil.ToFloat64(m.roomsArchived); got != 1 {
		t.Fatalf("archived = %v", got)
	}

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count == 0 {
		t.Fatal("no metrics gathered")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetRoomsActive(1)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.EnvelopeDelivered("x")
	m.DeliveryFailed()
	m.Rejected("x")
	m.RoomArchived()
	m.ArchiveFailed()
	m.ObserveBroadcastTick(time.Second)
}
