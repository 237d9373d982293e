package session

import (
	"testing"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
)

func TestAdvanceLocalDeterministic(t *testing.T) {
	cfg := Config{PlayerCount: 2, LocalHandles: []core.Handle{0, 1}, TickRate: 60, InputDelay: 0}
	rt := runtime.NewMemoryGuest(2)
	s := NewLocal(cfg, rt)

	s.SupplyLocalInput(0, core.Input{1})
	s.SupplyLocalInput(1, core.Input{2})
	res, err := s.AdvanceLocal()
	if err != nil {
		t.Fatalf("AdvanceLocal: %v", err)
	}
	if res.TicksAdvanced != 1 {
		t.Fatalf("expected 1 tick advanced, got %d", res.TicksAdvanced)
	}
	if s.CurrentTick() != 1 {
		t.Fatalf("expected current tick 1, got %d", s.CurrentTick())
	}

	// A second session fed the same input must reach the same state.
	rt2 := runtime.NewMemoryGuest(2)
	s2 := NewLocal(cfg, rt2)
	s2.SupplyLocalInput(0, core.Input{1})
	s2.SupplyLocalInput(1, core.Input{2})
	if _, err := s2.AdvanceLocal(); err != nil {
		t.Fatalf("AdvanceLocal (second session): %v", err)
	}
	a, _ := rt.Serialize()
	b, _ := rt2.Serialize()
	if runtime.Checksum(a) != runtime.Checksum(b) {
		t.Fatalf("identical input produced different states: %x vs %x", a, b)
	}
}

func TestAdvanceLocalWrongKindRejected(t *testing.T) {
	cfg := Config{PlayerCount: 1, LocalHandles: []core.Handle{0}}
	rt := runtime.NewMemoryGuest(1)
	s := NewSyncTest(cfg, rt)
	if _, err := s.AdvanceLocal(); err == nil {
		t.Fatal("expected error calling AdvanceLocal on a SyncTest session")
	}
}

func TestOrderedHandlesAscending(t *testing.T) {
	cfg := Config{PlayerCount: 3, LocalHandles: []core.Handle{2, 0, 1}}
	rt := runtime.NewMemoryGuest(3)
	s := NewLocal(cfg, rt)
	handles := s.orderedHandles()
	for i := 1; i < len(handles); i++ {
		if handles[i-1] >= handles[i] {
			t.Fatalf("handles not ascending: %v", handles)
		}
	}
}
