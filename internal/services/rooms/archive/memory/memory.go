// Package memory is an in-process archive sink. It keeps the encoded form so
// archives read back exactly as a durable sink would return them.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/physlab/roomsync/internal/services/rooms/archive"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

// Sink stores encoded archives keyed by archive.Key.
type Sink struct {
	mu      sync.RWMutex
	objects map[string][]byte
	order   []string
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{objects: make(map[string][]byte)}
}

// Archive implements archive.Sink.
func (s *Sink) Archive(ctx context.Context, archived room.Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := archive.Encode(archived)
	if err != nil {
		return err
	}
	key := archive.Key(archived)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return fmt.Errorf("archive %s already stored", key)
	}
	s.objects[key] = data
	s.order = append(s.order, key)
	return nil
}

// List decodes every stored archive in insertion order.
func (s *Sink) List() ([]room.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]room.Archive, 0, len(s.order))
	for _, key := range s.order {
		archived, err := archive.Decode(s.objects[key])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, archived)
	}
	return out, nil
}

// Len returns the number of stored archives.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
