package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/physlab/roomsync/internal/services/rooms/registry"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	"github.com/physlab/roomsync/internal/services/rooms/snapshot"
)

func TestTickSyncsOnlyOccupiedRooms(t *testing.T) {
	deliverer := newRecordingDeliverer()
	fanout := NewFanout(deliverer, nil, nil)
	t.Cleanup(fanout.Close)
	reg := registry.New(registry.Options{Publisher: fanout.Publisher})
	t.Cleanup(reg.Close)

	occupied, _, err := reg.GetOrCreate("occupied", registry.Defaults{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, _, err := reg.GetOrCreate("empty", registry.Defaults{}); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := occupied.Join(context.Background(), room.Profile{ID: "A"}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	store := snapshot.NewStore(0)
	if err := store.Put("occupied", []byte(`{"angle":0.3}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	scheduler := NewScheduler(reg, store, time.Second, nil)

	if got := scheduler.Tick(context.Background()); got != 1 {
		t.Fatalf("synced = %d, want 1", got)
	}
	waitFor(t, "stateSync", func() bool {
		for _, env := range deliverer.envelopes("A") {
			if env.PayloadKind == room.KindStateSync {
				return true
			}
		}
		return false
	})
	for _, env := range deliverer.envelopes("A") {
		if env.PayloadKind != room.KindStateSync {
			continue
		}
		payload := env.Payload.(room.StateSync)
		if string(payload.Snapshot) != `{"angle":0.3}` {
			t.Fatalf("snapshot = %s", payload.Snapshot)
		}
		if env.SequenceNumber != payload.Room.SequenceNumber {
			t.Fatalf("envelope seq %d != room seq %d", env.SequenceNumber, payload.Room.SequenceNumber)
		}
	}
}

func TestTickKeepsPreviousSnapshotWhenPullFails(t *testing.T) {
	var (
		mu    sync.Mutex
		syncs []room.StateSync
	)
	reg := registry.New(registry.Options{Publisher: func(string) room.Publisher {
		return room.PublisherFunc(func(delivery room.Delivery) {
			if payload, ok := delivery.Envelope.Payload.(room.StateSync); ok {
				mu.Lock()
				syncs = append(syncs, payload)
				mu.Unlock()
			}
		})
	}})
	t.Cleanup(reg.Close)
	lab, _, err := reg.GetOrCreate("lab", registry.Defaults{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := lab.Join(context.Background(), room.Profile{ID: "A"}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := lab.SyncState(context.Background(), json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	failing := snapshot.SourceFunc(func(context.Context, string) (json.RawMessage, error) {
		return nil, errors.New("producer offline")
	})
	scheduler := NewScheduler(reg, failing, 0, nil)
	if got := scheduler.Tick(context.Background()); got != 1 {
		t.Fatalf("synced = %d, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(syncs) != 2 || string(syncs[1].Snapshot) != `{"v":1}` {
		t.Fatalf("state syncs = %+v", syncs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := registry.New(registry.Options{})
	t.Cleanup(reg.Close)
	scheduler := NewScheduler(reg, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
