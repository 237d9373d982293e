// Package session implements the rollback session: input exchange,
// prediction, confirmation, rollback, sync-test, and local/hotseat play.
// It is driven once per pacer tick from the sim thread; it never spawns
// goroutines or blocks on I/O.
package session

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/ring"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
	"github.com/nethercore-systems/nethercore-sub000/internal/transport"
)

// Kind distinguishes the three session flavors.
type Kind int

const (
	KindLocal Kind = iota
	KindSyncTest
	KindP2P
)

// State is the session-level state machine.
type State int

const (
	StateSynchronizing State = iota
	StateRunning
	StateDisconnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateSynchronizing:
		return "synchronizing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// QualityThresholds makes the boundary between connection quality levels
// configuration rather than a constant, since what counts as an
// acceptable ping varies by game and network.
type QualityThresholds struct {
	ExcellentMaxPingMs float64
	GoodMaxPingMs      float64
	FairMaxPingMs      float64
	// MaxLossForGood is the packet-loss ratio (0..1) above which a peer is
	// rated no better than Fair. The session keeps no count of lost
	// packets and no sliding window, so the ratio it compares is always 0.
	MaxLossForGood float64
}

// DefaultQualityThresholds are reasonable LAN/WAN defaults: excellent up
// to 40ms, good up to 100ms, fair up to 250ms, poor above.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentMaxPingMs: 40,
		GoodMaxPingMs:      100,
		FairMaxPingMs:      250,
		MaxLossForGood:     0.02,
	}
}

// Config is the per-session configuration.
type Config struct {
	PlayerCount       int
	LocalHandles      []core.Handle
	TickRate          int
	InputDelay        int
	PredictionLimit   int
	SyncTestDistance  int // KindSyncTest forced-rollback interval; 0 disables it; other kinds ignore it
	RandomSeed        uint64
	QualityThresholds QualityThresholds
	// InactivityTimeout is how long a peer may go silent before being
	// marked Disconnected (default 3s).
	InactivityTimeout time.Duration
}

// PlayerSlot describes one player's role and live connection statistics.
type PlayerSlot struct {
	Handle    core.Handle
	Kind      core.SlotKind
	Addr      net.Addr
	PingMs    float64
	Quality   core.Quality
	Connected bool
}

// EventKind discriminates SessionEvent.
type EventKind int

const (
	EventSynchronized EventKind = iota
	EventNetworkInterrupted
	EventNetworkResumed
	EventDisconnected
	EventWaitRecommendation
)

// Event is one of the tagged SessionEvents a session can raise from
// AdvanceP2P.
type Event struct {
	Kind       EventKind
	Handle     core.Handle
	ElapsedMs  int64
	FrameCount int
}

// AdvanceResult is returned from AdvanceLocal, AdvanceSyncTest and
// AdvanceP2P: how many ticks the guest actually
// ran this call (0 during a prediction stall) and any events raised.
type AdvanceResult struct {
	TicksAdvanced int
	Events        []Event
}

// peerState tracks one remote peer's input buffer and connection stats.
// inbox holds received-but-not-yet-consumed input, keyed by tick.
type peerState struct {
	addr   net.Addr
	handle core.Handle
	inbox  map[core.Tick]core.Input

	lastAcceptedTick  core.Tick
	haveAccepted      bool
	lastAcceptedInput core.Input

	// sendTimes records when an outgoing frame for a given tick was handed
	// to the transport, so the round trip can be measured once the peer's
	// AckTick catches up to it.
	sendTimes map[core.Tick]time.Time

	lastRecv  time.Time
	connected bool
	pingMs    float64

	sent     int
	lost     int
	interrup bool
}

// Session owns the guest runtime, the snapshot ring, the transport
// handle, and the per-peer input buffers; no other goroutine mutates
// this state.
type Session struct {
	kind Kind
	cfg  Config
	rt   runtime.Runtime
	ring *ring.Ring
	tr   transport.Transport

	slots map[core.Handle]*PlayerSlot
	peers map[core.Handle]*peerState

	currentTick   core.Tick
	lastConfirmed core.Tick
	state         State

	totalRollbackFrames uint64

	// localPending buffers local inputs keyed by the tick they take effect
	// at, honoring input_delay.
	localPending map[core.Handle]map[core.Tick]core.Input

	syncTestSinceRollback int

	// replayLog remembers the exact input applied at each tick so SyncTest
	// can replay history faithfully instead of re-deriving (and possibly
	// losing) already-consumed local input.
	replayLog []replayRecord

	// frameLog remembers, per simulated tick, which input each handle used
	// and whether it was a prediction. P2P rollback and confirmation walk
	// this log; it is trimmed to the prediction window.
	frameLog map[core.Tick]*tickFrame
}

// NewLocal creates a Local-kind session: no peers, no snapshots, every
// configured local handle ticks together each Advance call.
func NewLocal(cfg Config, rt runtime.Runtime) *Session {
	return newSession(KindLocal, cfg, rt, nil)
}

// NewSyncTest creates a SyncTest-kind session: one local player, forcing a
// rollback-and-replay every cfg.SyncTestDistance ticks and comparing
// checksums. A forced rollback reads SyncTestDistance+1 ticks back (the
// replayed ticks plus the state one tick older than the first of them);
// the ring holds SyncTestDistance+3, so all of them are still present
// when the forced rollback fires.
func NewSyncTest(cfg Config, rt runtime.Runtime) *Session {
	s := newSession(KindSyncTest, cfg, rt, nil)
	s.ring = ring.New(cfg.SyncTestDistance + 3)
	return s
}

// NewP2P creates a P2P-kind session with the given transport and initial
// player slots.
func NewP2P(cfg Config, rt runtime.Runtime, tr transport.Transport, slots []PlayerSlot) (*Session, error) {
	if len(slots) < 2 {
		return nil, fmt.Errorf("session: P2P requires at least 2 players, got %d", len(slots))
	}
	s := newSession(KindP2P, cfg, rt, tr)
	s.ring = ring.New(cfg.PredictionLimit + 2)
	s.frameLog = make(map[core.Tick]*tickFrame)
	for _, sl := range slots {
		slCopy := sl
		s.slots[sl.Handle] = &slCopy
		if sl.Kind == core.SlotRemote {
			s.peers[sl.Handle] = &peerState{
				addr:      sl.Addr,
				handle:    sl.Handle,
				inbox:     make(map[core.Tick]core.Input),
				sendTimes: make(map[core.Tick]time.Time),
			}
		}
	}
	return s, nil
}

func newSession(kind Kind, cfg Config, rt runtime.Runtime, tr transport.Transport) *Session {
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 3 * time.Second
	}
	if cfg.QualityThresholds == (QualityThresholds{}) {
		cfg.QualityThresholds = DefaultQualityThresholds()
	}
	s := &Session{
		kind:         kind,
		cfg:          cfg,
		rt:           rt,
		tr:           tr,
		slots:        make(map[core.Handle]*PlayerSlot),
		peers:        make(map[core.Handle]*peerState),
		localPending: make(map[core.Handle]map[core.Tick]core.Input),
		state:        StateRunning,
	}
	for _, h := range cfg.LocalHandles {
		s.localPending[h] = make(map[core.Tick]core.Input)
		s.slots[h] = &PlayerSlot{Handle: h, Kind: core.SlotLocal, Connected: true, Quality: core.QualityExcellent}
	}
	if kind == KindP2P {
		s.state = StateSynchronizing
	}
	return s
}

// State returns the session's current state-machine value.
func (s *Session) State() State { return s.state }

// CurrentTick returns the tick the session is about to (or currently)
// simulate.
func (s *Session) CurrentTick() core.Tick { return s.currentTick }

// TotalRollbackFrames returns the cumulative count of re-simulated ticks
// caused by misprediction.
func (s *Session) TotalRollbackFrames() uint64 { return s.totalRollbackFrames }

// Slots returns a stable, handle-ordered snapshot of player slots.
func (s *Session) Slots() []PlayerSlot {
	out := make([]PlayerSlot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, *sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// SupplyLocalInput records one local handle's input for the tick it
// should take effect at (currentTick + input_delay). This holds for
// every session kind, including Local: input delay exists to keep a
// local player's effective input latency consistent with what a netplay
// peer experiences, not just to buffer inputs across the network, so a
// Local session run with --input-delay > 0 intentionally holds newly
// supplied input back by that many ticks before the simulation sees it.
// Must be called once per local handle before each Advance.
func (s *Session) SupplyLocalInput(handle core.Handle, in core.Input) {
	buf, ok := s.localPending[handle]
	if !ok {
		buf = make(map[core.Tick]core.Input)
		s.localPending[handle] = buf
	}
	effectTick := s.currentTick + core.Tick(s.cfg.InputDelay)
	buf[effectTick] = in
}

func (s *Session) localInputFor(handle core.Handle, t core.Tick) (core.Input, bool) {
	buf, ok := s.localPending[handle]
	if !ok {
		return core.Input{}, false
	}
	in, ok := buf[t]
	if ok {
		delete(buf, t)
	}
	return in, ok
}

// orderedHandles returns every handle in this session sorted ascending,
// so the guest always sees inputs in the same deterministic order.
func (s *Session) orderedHandles() []core.Handle {
	out := make([]core.Handle, 0, len(s.slots))
	for h := range s.slots {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// activeHandles is orderedHandles minus spectators, who never supply
// input. Spectators are not peers either: the session sends them neither
// input frames nor snapshots.
func (s *Session) activeHandles() []core.Handle {
	all := s.orderedHandles()
	out := make([]core.Handle, 0, len(all))
	for _, h := range all {
		if sl, ok := s.slots[h]; ok && sl.Kind == core.SlotSpectator {
			continue
		}
		out = append(out, h)
	}
	return out
}

// localHandlesSorted returns cfg.LocalHandles sorted ascending.
func (s *Session) localHandlesSorted() []core.Handle {
	out := append([]core.Handle(nil), s.cfg.LocalHandles...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// peekLocalInput looks up a buffered local input without consuming it.
func (s *Session) peekLocalInput(handle core.Handle, t core.Tick) (core.Input, bool) {
	buf, ok := s.localPending[handle]
	if !ok {
		return core.Input{}, false
	}
	in, ok := buf[t]
	return in, ok
}
