package reaper

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/services/rooms/archive/memory"
	"github.com/physlab/roomsync/internal/services/rooms/registry"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type failingSink struct{ calls int }

func (s *failingSink) Archive(context.Context, room.Archive) error {
	s.calls++
	return errors.New("disk full")
}

func setup(t *testing.T) (*registry.Registry, *fakeClock, time.Time) {
	t.Helper()
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	reg := registry.New(registry.Options{Now: clock.Now})
	t.Cleanup(reg.Close)
	return reg, clock, start
}

func TestSweepRespectsInactivityThreshold(t *testing.T) {
	reg, clock, start := setup(t)
	sink := memory.New()
	reaper := New(reg, Options{Threshold: 1800 * time.Second, Sink: sink, Now: clock.Now})
	ctx := context.Background()

	lab, _, err := reg.GetOrCreate("R", registry.Defaults{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := lab.Join(ctx, room.Profile{ID: "A"}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := lab.Leave(ctx, "A"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	clock.Set(start.Add(1799 * time.Second))
	if removed := reaper.Sweep(ctx); len(removed) != 0 {
		t.Fatalf("removed at 1799s: %v", removed)
	}
	if _, err := reg.Get("R"); err != nil {
		t.Fatalf("room missing at 1799s: %v", err)
	}

	clock.Set(start.Add(1801 * time.Second))
	if removed := reaper.Sweep(ctx); !slices.Equal(removed, []string{"R"}) {
		t.Fatalf("removed at 1801s: %v", removed)
	}
	if _, err := reg.Get("R"); !apperrors.IsCode(err, apperrors.CodeRoomNotFound) {
		t.Fatalf("get after sweep = %v", err)
	}

	archives, err := sink.List()
	if err != nil {
		t.Fatalf("list archives: %v", err)
	}
	if len(archives) != 1 || archives[0].RoomID != "R" {
		t.Fatalf("archives = %+v", archives)
	}
}

func TestSweepSkipsOccupiedRooms(t *testing.T) {
	reg, clock, start := setup(t)
	reaper := New(reg, Options{Threshold: time.Minute, Now: clock.Now})
	ctx := context.Background()

	lab, _, err := reg.GetOrCreate("busy", registry.Defaults{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := lab.Join(ctx, room.Profile{ID: "A"}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	clock.Set(start.Add(time.Hour))
	if removed := reaper.Sweep(ctx); len(removed) != 0 {
		t.Fatalf("removed occupied room: %v", removed)
	}
}

func TestSweepRemovesRoomEvenWhenSinkFails(t *testing.T) {
	reg, clock, start := setup(t)
	sink := &failingSink{}
	reaper := New(reg, Options{Threshold: time.Minute, Sink: sink, Now: clock.Now})

	if _, _, err := reg.GetOrCreate("idle", registry.Defaults{}); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	clock.Set(start.Add(2 * time.Minute))
	if removed := reaper.Sweep(context.Background()); len(removed) != 1 {
		t.Fatalf("removed = %v", removed)
	}
	if sink.calls != 1 || reg.Len() != 0 {
		t.Fatalf("sink calls=%d registry len=%d", sink.calls, reg.Len())
	}
}

func TestJoinAfterSweepCreatesFreshRoom(t *testing.T) {
	reg, clock, start := setup(t)
	reaper := New(reg, Options{Threshold: time.Minute, Now: clock.Now})
	ctx := context.Background()

	first, _, err := reg.GetOrCreate("lab", registry.Defaults{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	clock.Set(start.Add(time.Hour))
	reaper.Sweep(ctx)

	if _, err := first.Join(ctx, room.Profile{ID: "late"}, nil); !apperrors.IsCode(err, apperrors.CodeRoomNotFound) {
		t.Fatalf("join on reaped handle = %v", err)
	}
	second, created, err := reg.GetOrCreate("lab", registry.Defaults{})
	if err != nil || !created {
		t.Fatalf("recreate = %v, %v", created, err)
	}
	if _, err := second.Join(ctx, room.Profile{ID: "late"}, nil); err != nil {
		t.Fatalf("join recreated room: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg, _, _ := setup(t)
	reaper := New(reg, Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
