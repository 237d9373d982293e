package session

import (
	"fmt"
	"time"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
)

// tickFrame remembers, for one simulated tick, the input used for each
// active handle and whether that input was a prediction. P2P confirmation
// and rollback both walk this log instead of re-deriving state.
type tickFrame struct {
	inputs    map[core.Handle]core.Input
	predicted map[core.Handle]bool
}

// AdvanceP2P runs the per-tick protocol for a KindP2P session: collect
// local input, send, receive, predict, advance or stall, confirm/
// rollback, and report events.
func (s *Session) AdvanceP2P() (AdvanceResult, error) {
	if s.kind != KindP2P {
		return AdvanceResult{}, wrongKindErr(KindP2P, s.kind)
	}

	var events []Event

	if err := s.sendLocalFrames(); err != nil {
		return AdvanceResult{}, err
	}

	if err := s.receiveFrames(&events); err != nil {
		return AdvanceResult{}, err
	}

	events = append(events, s.checkInactivity()...)
	s.checkSynchronization(&events)

	if s.state != StateRunning && s.state != StateSynchronizing {
		return AdvanceResult{Events: events}, nil
	}

	handles := s.activeHandles()
	inputs := make(map[core.Handle]core.Input, len(handles))
	predicted := make(map[core.Handle]bool, len(handles))

	for _, h := range s.localHandlesSorted() {
		in, _ := s.localInputFor(h, s.currentTick)
		inputs[h] = in
		predicted[h] = false
	}
	for handle, peer := range s.peers {
		if in, ok := peer.inbox[s.currentTick]; ok {
			delete(peer.inbox, s.currentTick)
			peer.lastAcceptedTick = s.currentTick
			peer.haveAccepted = true
			peer.lastAcceptedInput = in
			inputs[handle] = in
			predicted[handle] = false
		} else if peer.haveAccepted {
			inputs[handle] = peer.lastAcceptedInput
			predicted[handle] = true
		} else {
			inputs[handle] = core.Input{}
			predicted[handle] = true
		}
	}

	if s.currentTick > s.lastConfirmed+core.Tick(s.cfg.PredictionLimit) {
		events = append(events, Event{Kind: EventWaitRecommendation, FrameCount: int(s.currentTick - s.lastConfirmed)})
		return AdvanceResult{TicksAdvanced: 0, Events: events}, nil
	}

	guestInputs := make([]core.Input, len(handles))
	tf := &tickFrame{inputs: make(map[core.Handle]core.Input, len(handles)), predicted: make(map[core.Handle]bool, len(handles))}
	for i, h := range handles {
		guestInputs[i] = inputs[h]
		tf.inputs[h] = inputs[h]
		tf.predicted[h] = predicted[h]
	}

	tick := s.currentTick
	if err := s.rt.Tick(guestInputs); err != nil {
		return AdvanceResult{}, toCoreErr(err, tick)
	}
	state, err := s.rt.Serialize()
	if err != nil {
		return AdvanceResult{}, err
	}
	checksum := runtime.Checksum(state)
	s.ring.Put(tick, state, checksum)
	s.frameLog[tick] = tf
	s.currentTick++
	s.trimFrameLog()
	s.tryAdvanceConfirmed()

	return AdvanceResult{TicksAdvanced: 1, Events: events}, nil
}

// sendLocalFrames sends every local handle's input for the current tick
// to every remote peer, piggy-backing the highest tick this endpoint has
// accepted from that peer.
func (s *Session) sendLocalFrames() error {
	if s.tr == nil || len(s.peers) == 0 {
		return nil
	}
	local := s.localHandlesSorted()
	if len(local) == 0 {
		return nil
	}
	for _, peer := range s.peers {
		frames := make([]core.InputFrame, 0, len(local))
		for _, h := range local {
			in, _ := s.peekLocalInput(h, s.currentTick)
			frames = append(frames, core.InputFrame{
				Tick:    s.currentTick,
				Handle:  h,
				Input:   in,
				AckTick: peer.lastAcceptedTick,
			})
		}
		data, err := MarshalFrames(frames)
		if err != nil {
			return fmt.Errorf("session: marshal outgoing frames: %w", err)
		}
		if err := s.tr.Send(peer.addr, data); err == nil {
			peer.sent++
			peer.sendTimes[s.currentTick] = time.Now()
		}
	}
	return nil
}

// receiveFrames drains the transport, decodes, drops stale frames, and
// buffers the rest, triggering confirmation/rollback for any tick that
// was already speculatively simulated.
func (s *Session) receiveFrames(events *[]Event) error {
	if s.tr == nil {
		return nil
	}
	for {
		from, data, ok := s.tr.RecvNonblocking()
		if !ok {
			return nil
		}
		frames, err := UnmarshalFrames(data)
		if err != nil {
			continue // malformed datagram: drop
		}
		for _, f := range frames {
			peer, known := s.peers[f.Handle]
			if !known {
				continue
			}
			peer.addr = from
			if peer.haveAccepted && f.Tick <= peer.lastAcceptedTick {
				continue // stale relative to what this endpoint already accepted
			}
			peer.inbox[f.Tick] = f.Input
			peer.lastRecv = time.Now()
			if !peer.connected || peer.interrup {
				peer.connected = true
				peer.interrup = false
				if sl, ok := s.slots[f.Handle]; ok {
					sl.Connected = true
				}
				*events = append(*events, Event{Kind: EventNetworkResumed, Handle: f.Handle})
			}
			s.recordRoundTrip(peer, f.AckTick)
			if err := s.resolvePrediction(peer, f.Tick, f.Input); err != nil {
				return err
			}
		}
	}
}

// recordRoundTrip measures the time since a local frame for ackTick was
// sent and folds it into the peer's smoothed ping, then forgets send times
// at or before ackTick since no future frame will reference them.
func (s *Session) recordRoundTrip(peer *peerState, ackTick core.Tick) {
	sentAt, ok := peer.sendTimes[ackTick]
	if !ok {
		return
	}
	rttMs := float64(time.Since(sentAt).Microseconds()) / 1000.0
	if peer.pingMs == 0 {
		peer.pingMs = rttMs
	} else {
		peer.pingMs = 0.8*peer.pingMs + 0.2*rttMs
	}
	for t := range peer.sendTimes {
		if t <= ackTick {
			delete(peer.sendTimes, t)
		}
	}
	s.updateQuality(peer)
}

// updateQuality reclassifies a peer's connection bucket from its smoothed
// ping and resolves it into the public PlayerSlot snapshot.
func (s *Session) updateQuality(peer *peerState) {
	th := s.cfg.QualityThresholds
	var q core.Quality
	switch {
	case peer.pingMs <= th.ExcellentMaxPingMs:
		q = core.QualityExcellent
	case peer.pingMs <= th.GoodMaxPingMs:
		q = core.QualityGood
	case peer.pingMs <= th.FairMaxPingMs:
		q = core.QualityFair
	default:
		q = core.QualityPoor
	}
	if peer.sent > 0 && float64(peer.lost)/float64(peer.sent) > th.MaxLossForGood && q < core.QualityFair {
		q = core.QualityFair
	}
	if sl, ok := s.slots[peer.handle]; ok {
		sl.PingMs = peer.pingMs
		sl.Quality = q
	}
}

// resolvePrediction records a peer's confirmed input for tick. If tick
// was already simulated as a prediction for this peer, it either
// confirms the guess or rolls back and replays with the corrected input.
func (s *Session) resolvePrediction(peer *peerState, tick core.Tick, actual core.Input) error {
	tf, ok := s.frameLog[tick]
	wasPredicted := ok && tf.predicted[peer.handle]

	if tick > peer.lastAcceptedTick || !peer.haveAccepted {
		peer.lastAcceptedTick = tick
	}
	peer.haveAccepted = true
	peer.lastAcceptedInput = actual

	if !ok || !wasPredicted {
		return nil
	}

	predictedValue := tf.inputs[peer.handle]
	tf.inputs[peer.handle] = actual
	tf.predicted[peer.handle] = false

	if predictedValue == actual {
		s.tryAdvanceConfirmed()
		return nil
	}
	return s.rollbackTo(tick)
}

// rollbackTo restores the snapshot from just before t0, then re-simulates
// every tick up to (but not including) the next tick to be simulated,
// using the best currently-known input for every handle at every
// replayed tick.
func (s *Session) rollbackTo(t0 core.Tick) error {
	if t0 == 0 {
		return core.NewError(core.ErrDivergence, "rollback target precedes tick 0").WithTick(t0)
	}
	snap, ok := s.ring.Get(t0 - 1)
	if !ok {
		return core.NewError(core.ErrDivergence, "rollback snapshot missing from ring").WithTick(t0)
	}
	if err := s.rt.Deserialize(snap.State); err != nil {
		return err
	}

	current := s.currentTick
	s.totalRollbackFrames += uint64(current - t0)

	handles := s.activeHandles()
	for t := t0; t < current; t++ {
		tf, ok := s.frameLog[t]
		if !ok {
			return core.NewError(core.ErrDivergence, "missing frame record during rollback replay").WithTick(t)
		}
		guestInputs := make([]core.Input, len(handles))
		for i, h := range handles {
			in := tf.inputs[h]
			if tf.predicted[h] {
				if peer, ok := s.peers[h]; ok && peer.haveAccepted {
					in = peer.lastAcceptedInput
				}
			}
			guestInputs[i] = in
			tf.inputs[h] = in
		}
		if err := s.rt.Tick(guestInputs); err != nil {
			return toCoreErr(err, t)
		}
		state, err := s.rt.Serialize()
		if err != nil {
			return err
		}
		checksum := runtime.Checksum(state)
		s.ring.Put(t, state, checksum)
	}
	s.tryAdvanceConfirmed()
	return nil
}

// tryAdvanceConfirmed moves last_confirmed forward through every
// contiguous tick whose frame record no longer has any predicted input.
func (s *Session) tryAdvanceConfirmed() {
	for {
		next := s.lastConfirmed + 1
		if next >= s.currentTick {
			return
		}
		tf, ok := s.frameLog[next]
		if !ok {
			return
		}
		for _, p := range tf.predicted {
			if p {
				return
			}
		}
		s.lastConfirmed = next
	}
}

// trimFrameLog discards frame records older than any rollback could ever
// need again, bounding memory to the prediction window.
func (s *Session) trimFrameLog() {
	keep := core.Tick(s.cfg.PredictionLimit + 2)
	if s.currentTick <= keep {
		return
	}
	floor := s.currentTick - keep
	for t := range s.frameLog {
		if t < floor {
			delete(s.frameLog, t)
		}
	}
}

// checkSynchronization implements the Synchronizing -> Running transition:
// it fires once every remote peer has exchanged at least one input frame.
func (s *Session) checkSynchronization(events *[]Event) {
	if s.state != StateSynchronizing {
		return
	}
	for _, p := range s.peers {
		if !p.haveAccepted {
			return
		}
	}
	s.state = StateRunning
	*events = append(*events, Event{Kind: EventSynchronized})
}

// checkInactivity enforces the per-peer inactivity timeout: a peer silent
// for half the timeout is reported NetworkInterrupted; silent for the
// full timeout, it is marked Disconnected.
func (s *Session) checkInactivity() []Event {
	if len(s.peers) == 0 {
		return nil
	}
	var events []Event
	now := time.Now()
	for h, p := range s.peers {
		if !p.connected || p.lastRecv.IsZero() {
			continue
		}
		elapsed := now.Sub(p.lastRecv)
		switch {
		case elapsed >= s.cfg.InactivityTimeout:
			p.connected = false
			if sl, ok := s.slots[h]; ok {
				sl.Connected = false
				sl.Quality = core.QualityDisconnected
			}
			events = append(events, Event{Kind: EventDisconnected, Handle: h, ElapsedMs: elapsed.Milliseconds()})
		case elapsed >= s.cfg.InactivityTimeout/2 && !p.interrup:
			p.interrup = true
			events = append(events, Event{Kind: EventNetworkInterrupted, Handle: h, ElapsedMs: elapsed.Milliseconds()})
		}
	}
	allGone := true
	for _, p := range s.peers {
		if p.connected {
			allGone = false
			break
		}
	}
	if allGone {
		s.state = StateDisconnected
	}
	return events
}
