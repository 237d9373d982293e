package session

import (
	"fmt"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
)

// AdvanceSyncTest runs one tick for a KindSyncTest session. After every
// cfg.SyncTestDistance ticks it forces a rollback that distance back and
// replays forward, comparing each recomputed checksum against the one
// already recorded in the ring for that same tick.
//
// Any mismatch is a fatal core.Error{Kind: ErrDivergence} naming the
// divergent tick and both checksums.
func (s *Session) AdvanceSyncTest() (AdvanceResult, error) {
	if s.kind != KindSyncTest {
		return AdvanceResult{}, wrongKindErr(KindSyncTest, s.kind)
	}
	if len(s.cfg.LocalHandles) != 1 {
		return AdvanceResult{}, wrongKindErr(KindSyncTest, s.kind)
	}
	handle := s.cfg.LocalHandles[0]

	in, _ := s.localInputFor(handle, s.currentTick)
	s.replayLog = append(s.replayLog, replayRecord{tick: s.currentTick, input: in})
	if err := s.rt.Tick([]core.Input{in}); err != nil {
		return AdvanceResult{}, toCoreErr(err, s.currentTick)
	}

	state, err := s.rt.Serialize()
	if err != nil {
		return AdvanceResult{}, err
	}
	checksum := runtime.Checksum(state)
	s.ring.Put(s.currentTick, state, checksum)

	s.currentTick++
	s.lastConfirmed = s.currentTick - 1
	s.syncTestSinceRollback++

	if s.cfg.SyncTestDistance <= 0 || s.syncTestSinceRollback < s.cfg.SyncTestDistance {
		return AdvanceResult{TicksAdvanced: 1}, nil
	}
	s.syncTestSinceRollback = 0

	// Force a rollback: restore the state from just before
	// SyncTestDistance ticks ago and re-simulate forward to the current
	// tick, comparing each recomputed checksum against the one already
	// recorded in the ring for that tick. The ring stores the post-tick
	// state at key t, so the state to resume simulating tick targetBack
	// from lives at targetBack-1, not targetBack.
	targetBack := s.currentTick - core.Tick(s.cfg.SyncTestDistance)
	if targetBack == 0 {
		// No pre-tick-0 snapshot exists; skip this round rather than
		// manufacturing a false divergence.
		return AdvanceResult{TicksAdvanced: 1}, nil
	}
	snap, ok := s.ring.Get(targetBack - 1)
	if !ok {
		// Too early in the session to have that much history yet; skip
		// this round rather than manufacturing a false divergence.
		return AdvanceResult{TicksAdvanced: 1}, nil
	}
	if err := s.rt.Deserialize(snap.State); err != nil {
		return AdvanceResult{}, err
	}

	rolledBackFrames := int(s.currentTick - targetBack)
	s.totalRollbackFrames += uint64(rolledBackFrames)

	for t := targetBack; t < s.currentTick; t++ {
		replayIn, _ := s.replayInputFor(t)
		if err := s.rt.Tick([]core.Input{replayIn}); err != nil {
			return AdvanceResult{}, toCoreErr(err, t)
		}
		replayState, err := s.rt.Serialize()
		if err != nil {
			return AdvanceResult{}, err
		}
		replayChecksum := runtime.Checksum(replayState)

		original, ok := s.ring.Get(t)
		if ok && original.Checksum != replayChecksum {
			localChecksum := original.Checksum
			remoteChecksum := replayChecksum
			divTick := t
			return AdvanceResult{}, &core.Error{
				Kind:    core.ErrDivergence,
				Tick:    &divTick,
				Details: "sync-test checksum mismatch after forced rollback",
				Cause:   divergenceDetail{local: localChecksum, remote: remoteChecksum},
			}
		}
		s.ring.Put(t, replayState, replayChecksum)
	}

	s.trimReplayLog()
	return AdvanceResult{TicksAdvanced: 1}, nil
}

// replayRecord remembers the exact input applied at a tick during the
// original forward pass, so a forced rollback replays history faithfully
// instead of re-deriving (and possibly losing) already-consumed input.
type replayRecord struct {
	tick  core.Tick
	input core.Input
}

func (s *Session) replayInputFor(t core.Tick) (core.Input, bool) {
	for _, r := range s.replayLog {
		if r.tick == t {
			return r.input, true
		}
	}
	return core.Input{}, false
}

// trimReplayLog discards replay entries older than the ring can possibly
// need again, bounding the log's memory to the SyncTest history window.
func (s *Session) trimReplayLog() {
	keep := s.cfg.SyncTestDistance + 2
	if len(s.replayLog) <= keep {
		return
	}
	s.replayLog = append([]replayRecord(nil), s.replayLog[len(s.replayLog)-keep:]...)
}

type divergenceDetail struct {
	local, remote uint64
}

func (d divergenceDetail) Error() string {
	return fmt.Sprintf("local checksum %016x, remote checksum %016x", d.local, d.remote)
}
