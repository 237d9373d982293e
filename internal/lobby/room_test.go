package lobby

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nethercore-systems/nethercore-sub000/internal/descriptor"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lobby.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewRegistry(st)
}

func TestCreateRoomSeatsHostAtHandleZero(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 0x1234, "198.51.100.1:7000", "host", 0xFF0000)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	roster, err := r.Roster(ctx, id)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if roster.Status != "open" || len(roster.Seats) != 1 || roster.Seats[0].Handle != 0 {
		t.Fatalf("unexpected roster after create: %+v", roster)
	}
}

func TestJoinAssignsNextFreeHandle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 1, "host", "host", 0)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	h1, err := r.Join(ctx, id, "peer-a", 9001, "alice", 0)
	if err != nil {
		t.Fatalf("join 1: %v", err)
	}
	h2, err := r.Join(ctx, id, "peer-b", 9002, "bob", 0)
	if err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if h1 != 1 || h2 != 2 {
		t.Fatalf("expected handles 1 and 2, got %d and %d", h1, h2)
	}
}

func TestJoinRejectsFullRoom(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 1, "host", "host", 0)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for i := 0; i < MaxPlayers-1; i++ {
		if _, err := r.Join(ctx, id, "peer", 9000, "p", 0); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	if _, err := r.Join(ctx, id, "overflow", 9999, "late", 0); err == nil {
		t.Fatal("expected join to fail once the room is full")
	}
}

func TestJoinRejectsRoomNotOpen(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 1, "host", "host", 0)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := r.db.SetRoomStatus(ctx, id, "started"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if _, err := r.Join(ctx, id, "late", 9000, "late", 0); err == nil {
		t.Fatal("expected join to a started room to fail")
	}
}

func TestStartRequiresAllSeatsReady(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 1, "host", "host", 0)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := r.Join(ctx, id, "peer", 9000, "p", 0); err != nil {
		t.Fatalf("join: %v", err)
	}

	net := descriptor.NetworkConfig{TickRate: 60, InputDelay: 2, PredictionLimit: 8, SyncTestDistance: 0}
	if _, err := r.Start(ctx, id, net); err == nil {
		t.Fatal("expected start to fail when a seat is not ready")
	}
}

func TestStartAssemblesOneDescriptorPerSeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 0xABCD, "198.51.100.1:7000", "host", 0x00FF00)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := r.Join(ctx, id, "203.0.113.5:9000", 9001, "guest", 0x0000FF); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.SetReady(ctx, id, 0, true); err != nil {
		t.Fatalf("ready host: %v", err)
	}
	if err := r.SetReady(ctx, id, 1, true); err != nil {
		t.Fatalf("ready guest: %v", err)
	}

	net := descriptor.NetworkConfig{TickRate: 60, InputDelay: 2, PredictionLimit: 8, SyncTestDistance: 0}
	descs, err := r.Start(ctx, id, net)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	for handle, d := range descs {
		if d.LocalHandle != handle {
			t.Fatalf("descriptor for seat %d has local_handle=%d", handle, d.LocalHandle)
		}
		if d.PlayerCount != 2 || len(d.Players) != 2 {
			t.Fatalf("expected both players present in descriptor %d, got %+v", handle, d)
		}
		if d.RandomSeed == 0 {
			t.Fatalf("expected a nonzero random seed")
		}
		if d.Network != net {
			t.Fatalf("expected network config passed through unchanged, got %+v", d.Network)
		}
	}

	roster, err := r.Roster(ctx, id)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if roster.Status != "started" {
		t.Fatalf("expected room status=started after Start, got %q", roster.Status)
	}
}

func TestSubscribeReceivesRosterUpdates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 1, "host", "host", 0)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	updates, cancel := r.Subscribe(id)
	defer cancel()

	if _, err := r.Join(ctx, id, "peer", 9000, "p", 0); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case update := <-updates:
		if len(update.Seats) != 2 {
			t.Fatalf("expected 2 seats in pushed roster, got %+v", update)
		}
	default:
		t.Fatal("expected a roster update to be queued after join")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.CreateRoom(ctx, 1, "host", "host", 0)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	updates, cancel := r.Subscribe(id)
	cancel()

	if _, ok := <-updates; ok {
		t.Fatal("expected channel closed after cancel")
	}
}
