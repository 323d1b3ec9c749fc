// Package sqlite provides a SQLite-backed room archive sink.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/physlab/roomsync/internal/platform/storage/sqlitemigrate"
	"github.com/physlab/roomsync/internal/services/rooms/archive"
	"github.com/physlab/roomsync/internal/services/rooms/archive/sqlite/migrations"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when no archive exists for a room.
	ErrNotFound = errors.New("archive not found")
	// ErrAlreadyExists is returned when the same room archive is stored twice.
	ErrAlreadyExists = errors.New("archive already exists")
)

// Record is the index row for one stored archive.
type Record struct {
	RoomID         string
	Name           string
	OwnerID        string
	SequenceNumber int64
	ChatMessages   int
	Experiments    int
	LastActivityAt time.Time
	ArchivedAt     time.Time
}

// Store persists room archives in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite archive store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Archive implements archive.Sink.
func (s *Store) Archive(ctx context.Context, archived room.Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(archived.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}
	if archived.ArchivedAt.IsZero() {
		archived.ArchivedAt = time.Now().UTC()
	}
	payload, err := archive.Encode(archived)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO room_archives (
		   room_id,
		   archived_at,
		   name,
		   owner_id,
		   sequence_number,
		   chat_messages,
		   experiments,
		   last_activity_at,
		   payload
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		archived.RoomID,
		toMillis(archived.ArchivedAt),
		archived.Name,
		archived.OwnerID,
		archived.SequenceNumber,
		len(archived.ChatHistory),
		len(archived.Experiments),
		toMillis(archived.LastActivityAt),
		payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert room archive: %w", err)
	}
	return nil
}

// Latest returns the most recent archive stored for roomID.
func (s *Store) Latest(ctx context.Context, roomID string) (room.Archive, error) {
	if err := ctx.Err(); err != nil {
		return room.Archive{}, err
	}
	if s == nil || s.sqlDB == nil {
		return room.Archive{}, fmt.Errorf("storage is not configured")
	}
	var payload []byte
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT payload FROM room_archives WHERE room_id = ? ORDER BY archived_at DESC LIMIT 1`,
		strings.TrimSpace(roomID),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return room.Archive{}, ErrNotFound
		}
		return room.Archive{}, fmt.Errorf("get room archive: %w", err)
	}
	return archive.Decode(payload)
}

// List returns up to limit index records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT room_id, name, owner_id, sequence_number, chat_messages, experiments, last_activity_at, archived_at
		   FROM room_archives
		  ORDER BY archived_at DESC, room_id ASC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list room archives: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			record         Record
			lastActivityAt int64
			archivedAt     int64
		)
		if err := rows.Scan(
			&record.RoomID,
			&record.Name,
			&record.OwnerID,
			&record.SequenceNumber,
			&record.ChatMessages,
			&record.Experiments,
			&lastActivityAt,
			&archivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan room archive: %w", err)
		}
		record.LastActivityAt = fromMillis(lastActivityAt)
		record.ArchivedAt = fromMillis(archivedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room archives: %w", err)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "room_archives")
}
