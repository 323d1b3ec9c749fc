// Package reaper archives and removes rooms that stayed empty past the
// inactivity threshold.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/physlab/roomsync/internal/platform/timeouts"
	"github.com/physlab/roomsync/internal/services/rooms/archive"
	"github.com/physlab/roomsync/internal/services/rooms/metrics"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

// Directory is the registry view the reaper needs.
type Directory interface {
	ListActive() []room.Summary
	Get(roomID string) (*room.Room, error)
	Remove(roomID string) bool
	Len() int
}

// Options configure a Reaper.
type Options struct {
	Interval  time.Duration
	Threshold time.Duration
	Sink      archive.Sink
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Reaper periodically sweeps the registry.
type Reaper struct {
	rooms     Directory
	sink      archive.Sink
	interval  time.Duration
	threshold time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a reaper over rooms.
func New(rooms Directory, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = timeouts.SweepInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = timeouts.InactivityThreshold
	}
	if opts.Sink == nil {
		opts.Sink = archive.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		rooms:     rooms,
		sink:      opts.Sink,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Run sweeps every interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep archives every eligible room and returns the ids removed. The
// summary filter is only a hint; each room re-checks eligibility atomically
// before closing.
func (r *Reaper) Sweep(ctx context.Context) []string {
	now := r.now()
	var removed []string
	for _, summary := range r.rooms.ListActive() {
		if ctx.Err() != nil {
			break
		}
		if summary.MemberCount > 0 || now.Sub(summary.LastActivityAt) <= r.threshold {
			continue
		}
		target, err := r.rooms.Get(summary.ID)
		if err != nil {
			continue
		}
		archived, ok, err := target.Archive(ctx, now, r.threshold)
		if err != nil {
			log.Printf("rooms: archive room %s: %v", summary.ID, err)
			continue
		}
		if !ok {
			continue
		}
		r.rooms.Remove(summary.ID)
		removed = append(removed, summary.ID)
		r.metrics.RoomArchived()
		r.persist(ctx, archived)
	}
	r.metrics.SetRoomsActive(r.rooms.Len())
	return removed
}

func (r *Reaper) persist(ctx context.Context, archived room.Archive) {
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Archive)
	defer cancel()
	if err := r.sink.Archive(archiveCtx, archived); err != nil {
		r.metrics.ArchiveFailed()
		log.Printf("rooms: persist archive for %s: %v", archived.RoomID, err)
		return
	}
	log.Printf("rooms: archived room %s at sequence %d", archived.RoomID, archived.SequenceNumber)
}
