// Package lobby implements the out-of-core launcher-process component
// that accepts joiners, propagates readiness, and assembles a Session
// Descriptor once every seat is ready.
package lobby

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/descriptor"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/store"
)

// MaxPlayers bounds how many seats a room can hold.
const MaxPlayers = 4

// SeatView is the roster shape pushed to subscribers — a read model
// distinct from store.Seat, which is the persisted row shape.
type SeatView struct {
	Handle      uint8  `json:"handle"`
	PublicAddr  string `json:"public_addr"`
	GGRSPort    uint16 `json:"ggrs_port"`
	DisplayName string `json:"display_name"`
	Color       uint32 `json:"color"`
	Ready       bool   `json:"ready"`
}

// RosterUpdate is pushed to every websocket subscriber of a room
// whenever a join, ready toggle, or start changes its state.
type RosterUpdate struct {
	RoomID string     `json:"room_id"`
	Status string     `json:"status"`
	Seats  []SeatView `json:"seats"`
}

type roomState struct {
	mu          sync.Mutex
	subscribers map[uint64]chan RosterUpdate
	nextSubID   atomic.Uint64
}

// Registry holds the in-memory roster-broadcast state layered over the
// durable store.Store: in-memory presence for live subscribers, durable
// storage for room/seat history.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	db    *store.Store
}

// NewRegistry wraps a durable store with an in-memory broadcast layer.
func NewRegistry(db *store.Store) *Registry {
	return &Registry{rooms: make(map[string]*roomState), db: db}
}

func (r *Registry) stateFor(roomID string) *roomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{subscribers: make(map[uint64]chan RosterUpdate)}
		r.rooms[roomID] = rs
	}
	return rs
}

// CreateRoom registers a new room with the host seated at handle 0.
func (r *Registry) CreateRoom(ctx context.Context, romHash uint64, hostAddr, displayName string, color uint32) (string, error) {
	id := uuid.NewString()
	if _, err := r.db.CreateRoom(ctx, id, romHash, hostAddr); err != nil {
		return "", err
	}
	if err := r.db.UpsertSeat(ctx, id, store.Seat{Handle: 0, PublicAddr: hostAddr, DisplayName: displayName, Color: color}); err != nil {
		return "", err
	}
	r.stateFor(id)
	return id, nil
}

// Join seats a new player in an open room at the next free handle.
func (r *Registry) Join(ctx context.Context, roomID, publicAddr string, ggrsPort uint16, displayName string, color uint32) (uint8, error) {
	room, err := r.db.GetRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if room.Status != "open" {
		return 0, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("room %s is not accepting joins (status=%s)", roomID, room.Status))
	}

	seats, err := r.db.Seats(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if len(seats) >= MaxPlayers {
		return 0, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("room %s is full", roomID))
	}
	taken := make(map[uint8]bool, len(seats))
	for _, s := range seats {
		taken[s.Handle] = true
	}
	var handle uint8
	for h := uint8(1); h < MaxPlayers; h++ {
		if !taken[h] {
			handle = h
			break
		}
	}

	if err := r.db.UpsertSeat(ctx, roomID, store.Seat{
		Handle: handle, PublicAddr: publicAddr, GGRSPort: ggrsPort, DisplayName: displayName, Color: color,
	}); err != nil {
		return 0, err
	}
	r.broadcast(ctx, roomID, "open")
	return handle, nil
}

// SetReady toggles a seat's readiness.
func (r *Registry) SetReady(ctx context.Context, roomID string, handle uint8, ready bool) error {
	seats, err := r.db.Seats(ctx, roomID)
	if err != nil {
		return err
	}
	found := false
	for _, s := range seats {
		if s.Handle == handle {
			s.Ready = ready
			if err := r.db.UpsertSeat(ctx, roomID, s); err != nil {
				return err
			}
			found = true
			break
		}
	}
	if !found {
		return core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("handle %d not seated in room %s", handle, roomID))
	}
	r.broadcast(ctx, roomID, "open")
	return nil
}

// Start assembles the Session Descriptor once every seat is ready,
// marks the room started, and returns one descriptor per seat (each
// differing only in local_handle — the rest of the tuple is identical
// for every peer).
func (r *Registry) Start(ctx context.Context, roomID string, net descriptor.NetworkConfig) (map[uint8]descriptor.Descriptor, error) {
	room, err := r.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	seats, err := r.db.Seats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(seats) == 0 {
		return nil, core.NewError(core.ErrSessionDescriptorInvalid, "room has no seated players")
	}
	for _, s := range seats {
		if !s.Ready {
			return nil, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("handle %d is not ready", s.Handle))
		}
	}

	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}

	players := make([]descriptor.PlayerEntry, 0, len(seats))
	for _, s := range seats {
		players = append(players, descriptor.PlayerEntry{
			Handle: core.Handle(s.Handle), PublicAddr: s.PublicAddr, GGRSPort: s.GGRSPort,
			Active: true, DisplayName: s.DisplayName, Color: s.Color,
		})
	}

	out := make(map[uint8]descriptor.Descriptor, len(seats))
	for _, s := range seats {
		out[s.Handle] = descriptor.Descriptor{
			PlayerCount: len(players),
			TickRate:    net.TickRate,
			RandomSeed:  seed,
			Network:     net,
			Players:     players,
			LocalHandle: core.Handle(s.Handle),
		}
	}

	if err := r.db.SetRoomStatus(ctx, roomID, "started"); err != nil {
		return nil, err
	}
	_ = room
	r.broadcast(ctx, roomID, "started")
	return out, nil
}

// Roster returns the current seat list and room status.
func (r *Registry) Roster(ctx context.Context, roomID string) (RosterUpdate, error) {
	room, err := r.db.GetRoom(ctx, roomID)
	if err != nil {
		return RosterUpdate{}, err
	}
	seats, err := r.db.Seats(ctx, roomID)
	if err != nil {
		return RosterUpdate{}, err
	}
	return RosterUpdate{RoomID: roomID, Status: room.Status, Seats: toSeatViews(seats)}, nil
}

// Subscribe registers a channel that receives every roster change for
// roomID until cancel is called. The channel is buffered (4 updates);
// when it is full, broadcast drops the new update for that subscriber
// rather than blocking.
func (r *Registry) Subscribe(roomID string) (<-chan RosterUpdate, func()) {
	rs := r.stateFor(roomID)
	id := rs.nextSubID.Add(1)
	ch := make(chan RosterUpdate, 4)

	rs.mu.Lock()
	rs.subscribers[id] = ch
	rs.mu.Unlock()

	return ch, func() {
		rs.mu.Lock()
		delete(rs.subscribers, id)
		rs.mu.Unlock()
		close(ch)
	}
}

func (r *Registry) broadcast(ctx context.Context, roomID, status string) {
	seats, err := r.db.Seats(ctx, roomID)
	if err != nil {
		return
	}
	update := RosterUpdate{RoomID: roomID, Status: status, Seats: toSeatViews(seats)}

	rs := r.stateFor(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, ch := range rs.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

func toSeatViews(seats []store.Seat) []SeatView {
	out := make([]SeatView, len(seats))
	for i, s := range seats {
		out[i] = SeatView{Handle: s.Handle, PublicAddr: s.PublicAddr, GGRSPort: s.GGRSPort, DisplayName: s.DisplayName, Color: s.Color, Ready: s.Ready}
	}
	return out
}

func randomSeed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("lobby: generate random seed: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
