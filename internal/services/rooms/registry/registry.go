// Package registry is the process-wide directory of live rooms.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/platform/id"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

// Defaults describe a room created on demand.
type Defaults struct {
	Name     string
	OwnerID  string
	Capacity int
	Settings *room.Settings
}

// Options configure a Registry.
type Options struct {
	DefaultCapacity int
	DefaultSettings room.Settings
	// Publisher returns the ordered outbox for a room.
	Publisher func(roomID string) room.Publisher
	// OnRemove runs while a closed room is dropped from the directory, with
	// the directory locked. It must not block or call back into the Registry.
	OnRemove func(roomID string)
	Now      func() time.Time
	NewID    func(prefix string) (string, error)
}

// Registry maps room ids to running room actors. Lookups and creation are
// linearizable: concurrent GetOrCreate calls for one id observe one room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room
	opts  Options
}

// New constructs an empty registry.
func New(opts Options) *Registry {
	if opts.DefaultCapacity <= 0 {
		opts.DefaultCapacity = 16
	}
	if opts.NewID == nil {
		opts.NewID = id.NewPrefixed
	}
	return &Registry{
		rooms: make(map[string]*room.Room),
		opts:  opts,
	}
}

// GetOrCreate returns the live room for roomID, creating it from defaults
// when missing. A closed room still present in the directory is replaced.
func (r *Registry) GetOrCreate(roomID string, defaults Defaults) (*room.Room, bool, error) {
	if roomID == "" {
		return nil, false, apperrors.New(apperrors.CodeValidationFailed, "room id is required")
	}

	r.mu.RLock()
	existing, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok && !existing.Closed() {
		return existing, false, nil
	}

	r.mu.Lock()
	existing, ok = r.rooms[roomID]
	if ok && !existing.Closed() {
		r.mu.Unlock()
		return existing, false, nil
	}
	created, err := r.newRoom(roomID, defaults)
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	r.rooms[roomID] = created
	r.mu.Unlock()

	if ok {
		// The archived actor is replaced before the reaper removed it.
		existing.Close()
	}
	return created, true, nil
}

// Create registers a new room under a generated id.
func (r *Registry) Create(defaults Defaults) (*room.Room, error) {
	roomID, err := r.opts.NewID("room")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "generate room id", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return nil, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("room id collision: %s", roomID))
	}
	created, err := r.newRoom(roomID, defaults)
	if err != nil {
		return nil, err
	}
	r.rooms[roomID] = created
	return created, nil
}

func (r *Registry) newRoom(roomID string, defaults Defaults) (*room.Room, error) {
	capacity := defaults.Capacity
	if capacity <= 0 {
		capacity = r.opts.DefaultCapacity
	}
	settings := r.opts.DefaultSettings
	if defaults.Settings != nil {
		settings = *defaults.Settings
	}
	var publisher room.Publisher
	if r.opts.Publisher != nil {
		publisher = r.opts.Publisher(roomID)
	}
	return room.New(room.Config{
		ID:        roomID,
		Name:      defaults.Name,
		OwnerID:   defaults.OwnerID,
		Capacity:  capacity,
		Settings:  settings,
		Publisher: publisher,
		Now:       r.opts.Now,
	})
}

// Get returns the live room for roomID.
func (r *Registry) Get(roomID string) (*room.Room, error) {
	r.mu.RLock()
	existing, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok || existing.Closed() {
		return nil, apperrors.WithMetadata(apperrors.CodeRoomNotFound, "room not found", map[string]string{"roomId": roomID})
	}
	return existing, nil
}

// ListActive returns summaries of all open rooms ordered by id. Summaries may
// lag behind their actors.
func (r *Registry) ListActive() []room.Summary {
	r.mu.RLock()
	summaries := make([]room.Summary, 0, len(r.rooms))
	for _, existing := range r.rooms {
		if existing.Closed() {
			continue
		}
		summaries = append(summaries, existing.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// Len returns the number of rooms in the directory, closed or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Remove drops roomID if its room has already been closed, then stops the
// actor. Live rooms are never removed.
func (r *Registry) Remove(roomID string) bool {
	r.mu.Lock()
	existing, ok := r.rooms[roomID]
	if !ok || !existing.Closed() {
		r.mu.Unlock()
		return false
	}
	delete(r.rooms, roomID)
	// A room recreated under roomID must not inherit resources released here.
	if r.opts.OnRemove != nil {
		r.opts.OnRemove(roomID)
	}
	r.mu.Unlock()

	existing.Close()
	return true
}

// Close stops every room actor.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := make([]*room.Room, 0, len(r.rooms))
	for _, existing := range r.rooms {
		rooms = append(rooms, existing)
	}
	r.rooms = make(map[string]*room.Room)
	r.mu.Unlock()

	for _, existing := range rooms {
		existing.Close()
	}
	if len(rooms) > 0 {
		log.Printf("rooms: registry stopped %d rooms", len(rooms))
	}
}
