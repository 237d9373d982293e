package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
)

// MemoryGuest is a minimal, fully deterministic reference Runtime. It is
// not a bytecode VM — the guest ISA is out of scope — it exists to prove
// the Runtime contract end to end: round-trip serialization, determinism
// across identical input streams, and a small debug registry with a
// read-only tick entry, one read-write entry per accumulator, and one
// action.
//
// State layout: a little-endian uint32 tick counter followed by one
// accumulator byte per configured player, each XORed with every byte of
// that player's input each tick. This is enough to make divergence and
// rollback-equivalence observable without pretending to be a real engine.
type MemoryGuest struct {
	tick         uint32
	accumulators []byte
	faultOnTick  map[uint32]struct{}

	// uninit is never written by Tick; when includeUninit is true
	// Serialize appends it to the state (and so to its checksum),
	// simulating the classic uninitialized-memory source of
	// non-determinism. It starts at zero, so it stays deterministic within
	// one process unless PokeUninitialized changes it.
	includeUninit bool
	uninit        byte
}

// NewMemoryGuest creates a MemoryGuest for playerCount players.
func NewMemoryGuest(playerCount int) *MemoryGuest {
	return &MemoryGuest{
		accumulators: make([]byte, playerCount),
		faultOnTick:  make(map[uint32]struct{}),
	}
}

// EnableUninitializedRead makes Serialize fold in g.uninit, for tests that
// need to manufacture non-determinism.
func (g *MemoryGuest) EnableUninitializedRead(enabled bool) { g.includeUninit = enabled }

// PokeUninitialized sets the "uninitialized" byte directly, simulating a
// peer whose memory happened to differ.
func (g *MemoryGuest) PokeUninitialized(b byte) { g.uninit = b }

// FaultOnTick makes Tick return a Fault the next time it reaches tick t.
func (g *MemoryGuest) FaultOnTick(t uint32) { g.faultOnTick[t] = struct{}{} }

func (g *MemoryGuest) Tick(inputs []core.Input) error {
	if _, bad := g.faultOnTick[g.tick]; bad {
		t := core.Tick(g.tick)
		return &Fault{Phase: PhaseUpdate, Tick: &t, Details: "injected fault", Suggestions: []string{"remove FaultOnTick for this tick"}}
	}
	for i, in := range inputs {
		if i >= len(g.accumulators) {
			break
		}
		for _, b := range in {
			g.accumulators[i] ^= b
		}
	}
	g.tick++
	return nil
}

func (g *MemoryGuest) Render(RenderTarget) error { return nil }

func (g *MemoryGuest) Serialize() (core.State, error) {
	buf := make([]byte, 4+len(g.accumulators))
	binary.LittleEndian.PutUint32(buf[0:4], g.tick)
	copy(buf[4:], g.accumulators)
	if g.includeUninit {
		buf = append(buf, g.uninit)
	}
	return core.State(buf), nil
}

func (g *MemoryGuest) Deserialize(s core.State) error {
	if len(s) < 4 {
		return fmt.Errorf("memory guest: state too short (%d bytes)", len(s))
	}
	g.tick = binary.LittleEndian.Uint32(s[0:4])
	rest := s[4:]
	n := len(g.accumulators)
	if g.includeUninit {
		if len(rest) < n+1 {
			return fmt.Errorf("memory guest: state missing uninit byte")
		}
		copy(g.accumulators, rest[:n])
		g.uninit = rest[n]
		return nil
	}
	if len(rest) < n {
		return fmt.Errorf("memory guest: state too short for %d accumulators", n)
	}
	copy(g.accumulators, rest[:n])
	return nil
}

const (
	dbgEntryTick  = "tick"
	dbgActionBump = "bump_accumulator"
)

func (g *MemoryGuest) ReadDebugRegistry() ([]DebugEntry, []DebugAction) {
	entries := []DebugEntry{
		{Name: dbgEntryTick, GuestAddress: 0, ValueType: DebugInt64, ReadOnly: true, FullPath: "/" + dbgEntryTick},
	}
	for i := range g.accumulators {
		entries = append(entries, DebugEntry{
			Name:         fmt.Sprintf("accumulator[%d]", i),
			GuestAddress: uint32(4 + i),
			ValueType:    DebugInt64,
			Range:        DebugRange{Min: 0, Max: 255, Present: true},
			ReadOnly:     false,
			FullPath:     fmt.Sprintf("/accumulators/%d", i),
		})
	}
	actions := []DebugAction{
		{Name: dbgActionBump, GuestFunc: "bump", Params: []DebugParam{{Name: "index", Type: DebugInt64}}, FullPath: "/" + dbgActionBump},
	}
	return entries, actions
}

func (g *MemoryGuest) ReadValue(entry DebugEntry) (DebugValue, bool) {
	if entry.Name == dbgEntryTick {
		return DebugValue{Kind: DebugInt64, Int: int64(g.tick)}, true
	}
	idx := int(entry.GuestAddress) - 4
	if idx < 0 || idx >= len(g.accumulators) {
		return DebugValue{}, false
	}
	return DebugValue{Kind: DebugInt64, Int: int64(g.accumulators[idx])}, true
}

func (g *MemoryGuest) WriteValue(entry DebugEntry, v DebugValue) bool {
	if entry.ReadOnly || v.Kind != DebugInt64 {
		return false
	}
	idx := int(entry.GuestAddress) - 4
	if idx < 0 || idx >= len(g.accumulators) || v.Int < 0 || v.Int > 255 {
		return false
	}
	g.accumulators[idx] = byte(v.Int)
	return true
}

func (g *MemoryGuest) CallAction(name string, args []DebugValue) (DebugValue, error) {
	if name != dbgActionBump {
		return DebugValue{}, fmt.Errorf("memory guest: unknown action %q", name)
	}
	if len(args) != 1 || args[0].Kind != DebugInt64 {
		return DebugValue{}, fmt.Errorf("memory guest: bump_accumulator wants one int64 arg")
	}
	idx := int(args[0].Int)
	if idx < 0 || idx >= len(g.accumulators) {
		return DebugValue{}, fmt.Errorf("memory guest: index %d out of range", idx)
	}
	g.accumulators[idx]++
	return DebugValue{Kind: DebugInt64, Int: int64(g.accumulators[idx])}, nil
}

func (g *MemoryGuest) HasOnDebugChange() bool { return false }
func (g *MemoryGuest) InvokeOnDebugChange()   {}

var _ Runtime = (*MemoryGuest)(nil)
