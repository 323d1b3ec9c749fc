// Package snapshot holds the externally produced simulation state that the
// broadcast scheduler pulls into each stateSync envelope.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
)

// DefaultMaxBytes bounds one pushed snapshot.
const DefaultMaxBytes = 256 << 10

// Source returns the latest snapshot for a room, or nil when none exists.
type Source interface {
	CurrentSnapshot(ctx context.Context, roomID string) (json.RawMessage, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context, roomID string) (json.RawMessage, error)

// CurrentSnapshot calls f(ctx, roomID).
func (f SourceFunc) CurrentSnapshot(ctx context.Context, roomID string) (json.RawMessage, error) {
	return f(ctx, roomID)
}

type entry struct {
	data      json.RawMessage
	updatedAt time.Time
}

// Store is an in-memory Source fed by push from the simulation producer.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]entry
	maxBytes int
	now      func() time.Time
}

// NewStore creates a store accepting snapshots up to maxBytes.
func NewStore(maxBytes int) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{
		entries:  make(map[string]entry),
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Put replaces the snapshot for roomID. data must be a JSON document.
func (s *Store) Put(roomID string, data []byte) error {
	if roomID == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "room id is required")
	}
	if len(data) > s.maxBytes {
		return apperrors.New(apperrors.CodeValidationFailed, fmt.Sprintf("snapshot exceeds %d bytes", s.maxBytes))
	}
	if !json.Valid(data) {
		return apperrors.New(apperrors.CodeValidationFailed, "snapshot must be valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[roomID] = entry{data: slices.Clone(data), updatedAt: s.now().UTC()}
	return nil
}

// CurrentSnapshot implements Source.
func (s *Store) CurrentSnapshot(ctx context.Context, roomID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.entries[roomID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(current.data), nil
}

// UpdatedAt reports when roomID last received a snapshot.
func (s *Store) UpdatedAt(roomID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.entries[roomID]
	return current.updatedAt, ok
}

// Delete drops the snapshot for roomID.
func (s *Store) Delete(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, roomID)
}
