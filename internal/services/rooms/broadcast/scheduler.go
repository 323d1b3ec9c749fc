package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/physlab/roomsync/internal/platform/timeouts"
	"github.com/physlab/roomsync/internal/services/rooms/metrics"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	"github.com/physlab/roomsync/internal/services/rooms/snapshot"
)

// Directory is the registry view the scheduler needs.
type Directory interface {
	ListActive() []room.Summary
	Get(roomID string) (*room.Room, error)
}

// Scheduler periodically pulls each occupied room's snapshot and submits a
// state sync to the room actor, which stamps the sequence number.
type Scheduler struct {
	rooms    Directory
	source   snapshot.Source
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(rooms Directory, source snapshot.Source, interval time.Duration, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = timeouts.BroadcastInterval
	}
	return &Scheduler{
		rooms:    rooms,
		source:   source,
		interval: interval,
		metrics:  m,
		now:      time.Now,
	}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick syncs every room with at least one member and returns how many rooms
// received a stateSync envelope.
func (s *Scheduler) Tick(ctx context.Context) int {
	started := s.now()
	synced := 0
	for _, summary := range s.rooms.ListActive() {
		if ctx.Err() != nil {
			break
		}
		if summary.MemberCount == 0 {
			continue
		}
		target, err := s.rooms.Get(summary.ID)
		if err != nil {
			continue
		}
		sent, err := target.SyncState(ctx, s.pull(ctx, summary.ID))
		if err != nil {
			log.Printf("rooms: state sync for %s: %v", summary.ID, err)
			continue
		}
		if sent {
			synced++
		}
	}
	s.metrics.ObserveBroadcastTick(s.now().Sub(started))
	return synced
}

// pull fetches the latest snapshot outside the room actor. A failed pull
// keeps the room's previous snapshot.
func (s *Scheduler) pull(ctx context.Context, roomID string) json.RawMessage {
	if s.source == nil {
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, timeouts.SnapshotPull)
	defer cancel()
	data, err := s.source.CurrentSnapshot(pullCtx, roomID)
	if err != nil {
		log.Printf("rooms: pull snapshot for %s: %v", roomID, err)
		return nil
	}
	return data
}
