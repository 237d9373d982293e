package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestCreateAndGetRoom(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lobby.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	room, err := st.CreateRoom(ctx, "room-1", 0xDEADBEEF, "198.51.100.1:7000")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.Status != "open" {
		t.Fatalf("expected new room status=open, got %q", room.Status)
	}

	got, err := st.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.ROMHash != 0xDEADBEEF || got.HostAddr != "198.51.100.1:7000" {
		t.Fatalf("unexpected room: %+v", got)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lobby.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.GetRoom(context.Background(), "missing")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSetRoomStatus(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lobby.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateRoom(ctx, "room-1", 1, "host"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := st.SetRoomStatus(ctx, "room-1", "started"); err != nil {
		t.Fatalf("set room status: %v", err)
	}
	got, err := st.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.Status != "started" {
		t.Fatalf("expected status=started, got %q", got.Status)
	}
}

func TestSetRoomStatusMissing(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lobby.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	err = st.SetRoomStatus(context.Background(), "missing", "started")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestUpsertSeatInsertsThenUpdates(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lobby.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateRoom(ctx, "room-1", 1, "host"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	seat := Seat{Handle: 1, PublicAddr: "203.0.113.5:9000", GGRSPort: 9001, DisplayName: "bob", Color: 0xFF00FF}
	if err := st.UpsertSeat(ctx, "room-1", seat); err != nil {
		t.Fatalf("insert seat: %v", err)
	}

	seat.Ready = true
	seat.DisplayName = "bobby"
	if err := st.UpsertSeat(ctx, "room-1", seat); err != nil {
		t.Fatalf("update seat: %v", err)
	}

	seats, err := st.Seats(ctx, "room-1")
	if err != nil {
		t.Fatalf("list seats: %v", err)
	}
	if len(seats) != 1 {
		t.Fatalf("expected 1 seat after upsert-update, got %d", len(seats))
	}
	if !seats[0].Ready || seats[0].DisplayName != "bobby" {
		t.Fatalf("expected seat update applied, got %+v", seats[0])
	}
}

func TestSeatsOrderedByHandle(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "lobby.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateRoom(ctx, "room-1", 1, "host"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, h := range []uint8{2, 0, 1} {
		if err := st.UpsertSeat(ctx, "room-1", Seat{Handle: h, PublicAddr: "a", DisplayName: "p"}); err != nil {
			t.Fatalf("upsert seat %d: %v", h, err)
		}
	}

	seats, err := st.Seats(ctx, "room-1")
	if err != nil {
		t.Fatalf("list seats: %v", err)
	}
	if len(seats) != 3 {
		t.Fatalf("expected 3 seats, got %d", len(seats))
	}
	for i, want := range []uint8{0, 1, 2} {
		if seats[i].Handle != want {
			t.Fatalf("expected seats ordered by handle, got %v", seats)
		}
	}
}
