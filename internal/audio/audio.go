// Package audio implements a predictive audio generation worker: a
// goroutine that is authoritative for sample timing while the simulation
// thread stays authoritative for game events, merging confirmed snapshots
// without seeking positions backward and crossfading the discontinuities
// rollbacks or song changes would otherwise cause.
//
// The worker keeps goroutine-owned state behind atomic flags, hands
// snapshots across threads on a buffered channel, drains pending snapshots
// before generating each buffer, and enforces a strict stop-before-join
// shutdown order.
package audio

import "sync/atomic"

// NumChannels is the number of mixer channels the worker tracks per
// snapshot. The original mixer used a small fixed channel count; this
// repo carries the same sentinel ("sound_id == 0" means silent) into
// ChannelState.
const NumChannels = 8

// ChannelState is one mixer channel's playback position, exactly as
// supplied by the simulation in an Audio Snapshot.
type ChannelState struct {
	SoundID  uint32
	Position uint32 // whole-sample index into the sound's data; no sub-sample fraction is kept
	Volume   float32
	Pan      float32
}

func (c ChannelState) silent() bool { return c.SoundID == 0 }

// TrackerState is the module player's position and playback parameters.
type TrackerState struct {
	ModuleID      uint32
	Order         uint16
	Row           uint16
	TickWithinRow uint16
	BPM           uint16
	Speed         uint16
	Flags         uint32
	Volume        float32
}

// SoundTable is the shared, immutable sample data referenced by a
// Snapshot. It is reference-counted rather than copied per snapshot,
// since the underlying PCM data can be large and does not change once
// loaded with a ROM.
type SoundTable struct {
	refs   int32
	Sounds map[uint32][]float32
}

// NewSoundTable wraps sounds with an initial reference count of one.
func NewSoundTable(sounds map[uint32][]float32) *SoundTable {
	return &SoundTable{refs: 1, Sounds: sounds}
}

// Retain increments the reference count. Safe to call from the
// simulation thread while the worker goroutine holds an earlier
// reference to the same table.
func (t *SoundTable) Retain() {
	if t == nil {
		return
	}
	atomic.AddInt32(&t.refs, 1)
}

// Release decrements the reference count and reports whether this call
// dropped it to zero.
func (t *SoundTable) Release() bool {
	if t == nil {
		return false
	}
	return atomic.AddInt32(&t.refs, -1) == 0
}

// Snapshot is the flat value sent from the simulation thread to the
// worker once per confirmed tick.
type Snapshot struct {
	Channels         [NumChannels]ChannelState
	Tracker          TrackerState
	SoundTable       *SoundTable
	FrameNumber      uint64
	SimTickRate      uint32
	OutputSampleRate uint32
	IsRollback       bool
}
