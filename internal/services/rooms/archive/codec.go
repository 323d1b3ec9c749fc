// Package archive persists the final state of rooms closed by the reaper.
// Archives are encoded as deterministic CBOR compressed with zstd.
package archive

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

// ContentType identifies encoded archive payloads.
const ContentType = "application/cbor+zstd"

// Sink stores one room archive.
type Sink interface {
	Archive(ctx context.Context, archived room.Archive) error
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes an archive.
func Encode(archived room.Archive) ([]byte, error) {
	raw, err := encMode.Marshal(archived)
	if err != nil {
		return nil, fmt.Errorf("encode archive %s: %w", archived.RoomID, err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode reverses Encode.
func Decode(data []byte) (room.Archive, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return room.Archive{}, fmt.Errorf("decompress archive: %w", err)
	}
	var archived room.Archive
	if err := decMode.Unmarshal(raw, &archived); err != nil {
		return room.Archive{}, fmt.Errorf("decode archive: %w", err)
	}
	return archived, nil
}

// Key returns the object key used by blob-backed sinks.
func Key(archived room.Archive) string {
	return fmt.Sprintf("rooms/%s/%s.cbor.zst", archived.RoomID, archived.ArchivedAt.UTC().Format("20060102T150405.000000000Z"))
}

// Discard drops archives. It backs deployments that do not retain history.
type Discard struct{}

// Archive implements Sink.
func (Discard) Archive(context.Context, room.Archive) error {
	return nil
}
