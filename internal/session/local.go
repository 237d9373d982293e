package session

import "github.com/nethercore-systems/nethercore-sub000/internal/core"

// AdvanceLocal runs one tick for a KindLocal session using the inputs
// already supplied via SupplyLocalInput. Local sessions have no peers and
// keep no snapshots. Reads happen at currentTick, same as every other
// session kind; SupplyLocalInput is what applies the configured input
// delay before a tick's input becomes visible here.
func (s *Session) AdvanceLocal() (AdvanceResult, error) {
	if s.kind != KindLocal {
		return AdvanceResult{}, wrongKindErr(KindLocal, s.kind)
	}

	handles := s.orderedHandles()
	inputs := make([]core.Input, len(handles))
	for i, h := range handles {
		in, _ := s.localInputFor(h, s.currentTick)
		inputs[i] = in
	}

	if err := s.rt.Tick(inputs); err != nil {
		return AdvanceResult{}, toCoreErr(err, s.currentTick)
	}
	s.currentTick++
	s.lastConfirmed = s.currentTick - 1
	return AdvanceResult{TicksAdvanced: 1}, nil
}
