// Package store persists lobby room state in SQLite: a single embedded
// database file, idempotent schema migration at startup, and one exported
// method per query the lobby needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRoomNotFound is returned when no room exists for a given ID.
var ErrRoomNotFound = errors.New("lobby: room not found")

// Room is one persisted lobby room row.
type Room struct {
	ID        string
	ROMHash   uint64
	HostAddr  string
	Status    string // "open" or "started"
	CreatedAt time.Time
}

// Store persists lobby rooms and seats in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("lobby: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lobby: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("lobby: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("lobby sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	rom_hash INTEGER NOT NULL,
	host_addr TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_status ON rooms(status);

CREATE TABLE IF NOT EXISTS seats (
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	handle INTEGER NOT NULL,
	public_addr TEXT NOT NULL,
	ggrs_port INTEGER NOT NULL,
	display_name TEXT NOT NULL,
	color INTEGER NOT NULL,
	ready INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, handle)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("lobby: run sqlite migrations: %w", err)
	}
	slog.Debug("lobby sqlite migrations applied")
	return nil
}

// CreateRoom inserts a new room row keyed by a caller-supplied ID
// (lobby.Registry mints it with google/uuid).
func (s *Store) CreateRoom(ctx context.Context, id string, romHash uint64, hostAddr string) (Room, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, rom_hash, host_addr, status, created_at_unix_ms) VALUES (?, ?, ?, 'open', ?)`,
		id, romHash, hostAddr, now.UnixMilli(),
	)
	if err != nil {
		return Room{}, fmt.Errorf("lobby: insert room: %w", err)
	}
	return Room{ID: id, ROMHash: romHash, HostAddr: hostAddr, Status: "open", CreatedAt: now}, nil
}

// GetRoom fetches one room by ID.
func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rom_hash, host_addr, status, created_at_unix_ms FROM rooms WHERE id = ?`, id)
	var r Room
	var createdMs int64
	if err := row.Scan(&r.ID, &r.ROMHash, &r.HostAddr, &r.Status, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, fmt.Errorf("lobby: scan room: %w", err)
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	return r, nil
}

// SetRoomStatus updates a room's lifecycle status.
func (s *Store) SetRoomStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("lobby: update room status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// Seat is one player's seat within a room.
type Seat struct {
	Handle      uint8
	PublicAddr  string
	GGRSPort    uint16
	DisplayName string
	Color       uint32
	Ready       bool
}

// UpsertSeat inserts or replaces one seat in a room.
func (s *Store) UpsertSeat(ctx context.Context, roomID string, seat Seat) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO seats (room_id, handle, public_addr, ggrs_port, display_name, color, ready)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(room_id, handle) DO UPDATE SET
	public_addr = excluded.public_addr,
	ggrs_port = excluded.ggrs_port,
	display_name = excluded.display_name,
	color = excluded.color,
	ready = excluded.ready
`, roomID, seat.Handle, seat.PublicAddr, seat.GGRSPort, seat.DisplayName, seat.Color, boolToInt(seat.Ready))
	if err != nil {
		return fmt.Errorf("lobby: upsert seat: %w", err)
	}
	return nil
}

// Seats returns every seat in a room, ordered by handle.
func (s *Store) Seats(ctx context.Context, roomID string) ([]Seat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT handle, public_addr, ggrs_port, display_name, color, ready
FROM seats WHERE room_id = ? ORDER BY handle ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("lobby: query seats: %w", err)
	}
	defer rows.Close()

	var out []Seat
	for rows.Next() {
		var seat Seat
		var ready int
		if err := rows.Scan(&seat.Handle, &seat.PublicAddr, &seat.GGRSPort, &seat.DisplayName, &seat.Color, &ready); err != nil {
			return nil, fmt.Errorf("lobby: scan seat: %w", err)
		}
		seat.Ready = ready != 0
		out = append(out, seat)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
