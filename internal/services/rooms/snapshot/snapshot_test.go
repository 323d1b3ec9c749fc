package snapshot

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
)

func TestStorePutAndCurrent(t *testing.T) {
	store := NewStore(0)
	ctx := context.Background()

	got, err := store.CurrentSnapshot(ctx, "lab")
	if err != nil || got != nil {
		t.Fatalf("empty snapshot = %s, %v", got, err)
	}

	if err := store.Put("lab", []byte(`{"t":1.5}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err = store.CurrentSnapshot(ctx, "lab")
	if err != nil || string(got) != `{"t":1.5}` {
		t.Fatalf("snapshot = %s, %v", got, err)
	}
	if _, ok := store.UpdatedAt("lab"); !ok {
		t.Fatal("missing update time")
	}

	store.Delete("lab")
	got, _ = store.CurrentSnapshot(ctx, "lab")
	if got != nil {
		t.Fatalf("snapshot after delete = %s", got)
	}
}

func TestStoreRejectsInvalidSnapshots(t *testing.T) {
	store := NewStore(8)

	for name, tc := range map[string]struct {
		roomID string
		data   string
	}{
		"missing room": {roomID: "", data: `{}`},
		"too large":    {roomID: "lab", data: `{"a":"bbbbbbbb"}`},
		"not json":     {roomID: "lab", data: `{`},
	} {
		if err := store.Put(tc.roomID, []byte(tc.data)); !apperrors.IsCode(err, apperrors.CodeValidationFailed) {
			t.Fatalf("%s: error = %v", name, err)
		}
	}
}

func TestCurrentSnapshotHonorsContext(t *testing.T) {
	store := NewStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.CurrentSnapshot(ctx, "lab"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSourceFunc(t *testing.T) {
	src := SourceFunc(func(context.Context, string) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	got, err := src.CurrentSnapshot(context.Background(), "x")
	if err != nil || string(got) != "1" {
		t.Fatalf("source = %s, %v", got, err)
	}
}
