// Package runtime defines the host/guest boundary: the observable contract
// between the host and a loaded guest program. The guest bytecode
// instruction set and sandbox are out of scope; this package only
// specifies and exercises the contract, backed by a small deterministic
// reference guest used throughout the test suite and by cmd/nethercore's
// self-test modes.
package runtime

import (
	"fmt"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/zeebo/xxh3"
)

// Phase identifies where in the guest's lifecycle a Fault occurred.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseUpdate
	PhaseRender
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseUpdate:
		return "update"
	case PhaseRender:
		return "render"
	default:
		return "unknown"
	}
}

// Fault is a structured guest-side error, returned for example by Tick. A
// rejected debug write (type mismatch, read-only entry, out of range) is
// not a Fault: WriteValue reports it by returning false.
type Fault struct {
	Phase       Phase
	Tick        *core.Tick
	Details     string
	Suggestions []string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("guest fault in %s phase: %s", f.Phase, f.Details)
}

// ToCoreError converts a Fault into the session-wide core.Error taxonomy.
func (f *Fault) ToCoreError() *core.Error {
	e := &core.Error{Kind: core.ErrGuestFault, Details: f.Error(), Cause: f}
	if f.Tick != nil {
		e = e.WithTick(*f.Tick)
	}
	return e
}

// DebugValueKind is the closed tagged union discriminant for DebugValue.
// The debug protocol is never duck-typed: writes are type-checked against
// this tag, never coerced.
type DebugValueKind int

const (
	DebugBool DebugValueKind = iota
	DebugInt64
	DebugFloat64
	DebugBytes
	DebugVec2
)

// DebugValue is a closed tagged union over the value types the debug
// registry supports. Exactly one of the fields is meaningful, selected by
// Kind.
type DebugValue struct {
	Kind  DebugValueKind
	Bool  bool
	Int   int64
	Float float64
	Bytes []byte
	Vec2  [2]float64
}

// DebugRange optionally bounds a numeric debug value for UI sliders.
type DebugRange struct {
	Min, Max float64
	Present  bool
}

// DebugEntry is one guest-exposed inspectable value, discovered once after
// load.
type DebugEntry struct {
	Name         string
	GuestAddress uint32
	ValueType    DebugValueKind
	Range        DebugRange
	ReadOnly     bool
	FullPath     string
}

// DebugParam describes one formal parameter of a debug Action.
type DebugParam struct {
	Name string
	Type DebugValueKind
}

// DebugAction is one guest-exposed callable action, discovered once after
// load.
type DebugAction struct {
	Name         string
	GuestFunc    string
	Params       []DebugParam
	FullPath     string
}

// RenderTarget describes the surface render() is asked to draw into. The
// actual GPU renderer is out of scope; this is a plain descriptor so
// Runtime implementations and tests can agree on a shape.
type RenderTarget struct {
	Width, Height int
}

// Runtime is the facade a loaded guest program presents to the host: tick
// it forward, serialize/deserialize its state, and expose the debug
// registry. Implementations must be deterministic: identical (state,
// inputs) must always produce identical successor states.
type Runtime interface {
	Tick(inputs []core.Input) error
	Render(target RenderTarget) error
	Serialize() (core.State, error)
	Deserialize(s core.State) error
	ReadDebugRegistry() ([]DebugEntry, []DebugAction)
	ReadValue(entry DebugEntry) (DebugValue, bool)
	WriteValue(entry DebugEntry, v DebugValue) bool
	CallAction(name string, args []DebugValue) (DebugValue, error)
	HasOnDebugChange() bool
	InvokeOnDebugChange()
}

// Checksum computes the stable, order-sensitive hash of serialized guest
// state used for sync-test and divergence detection.
func Checksum(state core.State) uint64 {
	return xxh3.Hash(state)
}

// ROMHash identifies a loaded guest program by the content hash of its raw
// bytes. It is not sent on the wire; cmd/nethercore logs it when a ROM is
// loaded. The session descriptor carries no ROM hash, so nothing compares
// it before a P2P session starts.
func ROMHash(romBytes []byte) uint64 {
	return xxh3.Hash(romBytes)
}
