package memory

import (
	"context"
	"testing"
	"time"

	"github.com/physlab/roomsync/internal/services/rooms/room"
)

func TestSinkStoresAndLists(t *testing.T) {
	sink := New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	archived := room.Archive{RoomID: "lab", Name: "Lab", SequenceNumber: 7, ArchivedAt: at}

	if err := sink.Archive(context.Background(), archived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := sink.Archive(context.Background(), archived); err == nil {
		t.Fatal("expected duplicate error")
	}

	got, err := sink.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RoomID != "lab" || got[0].SequenceNumber != 7 || sink.Len() != 1 {
		t.Fatalf("archives = %+v", got)
	}
}

func TestSinkHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New().Archive(ctx, room.Archive{RoomID: "lab"}); err == nil {
		t.Fatal("expected context error")
	}
}
