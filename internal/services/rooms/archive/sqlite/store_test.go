package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/physlab/roomsync/internal/services/rooms/room"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestArchiveAndLatest(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)

	first := room.Archive{
		RoomID:         "lab",
		Name:           "Lab",
		SequenceNumber: 3,
		ChatHistory:    []room.ChatMessage{{ID: "msg_1", Text: "hi", SentAt: at}},
		LastActivityAt: at,
		ArchivedAt:     at.Add(31 * time.Minute),
	}
	second := first
	second.SequenceNumber = 9
	second.ArchivedAt = at.Add(2 * time.Hour)

	for _, archived := range []room.Archive{first, second} {
		if err := store.Archive(ctx, archived); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	got, err := store.Latest(ctx, "lab")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.SequenceNumber != 9 {
		t.Fatalf("sequence = %d, want 9", got.SequenceNumber)
	}
	if len(got.ChatHistory) != 1 || got.ChatHistory[0].Text != "hi" {
		t.Fatalf("chat history = %+v", got.ChatHistory)
	}
}

func TestArchiveRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	archived := room.Archive{RoomID: "lab", Name: "Lab", ArchivedAt: time.Now()}
	if err := store.Archive(context.Background(), archived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := store.Archive(context.Background(), archived); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate error = %v, want %v", err, ErrAlreadyExists)
	}
}

func TestLatestReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.Latest(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, ErrNotFound)
	}
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)
	for i, roomID := range []string{"a", "b", "c"} {
		archived := room.Archive{
			RoomID:      roomID,
			Name:        roomID,
			Experiments: make([]room.Experiment, i),
			ArchivedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Archive(ctx, archived); err != nil {
			t.Fatalf("archive %s: %v", roomID, err)
		}
	}

	records, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].RoomID != "c" || records[0].Experiments != 2 {
		t.Fatalf("records = %+v", records)
	}
	if !records[1].ArchivedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("archived at = %v", records[1].ArchivedAt)
	}
}

func TestArchiveRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Archive(ctx, room.Archive{RoomID: "lab"}); err == nil {
		t.Fatal("expected context error")
	}
}
