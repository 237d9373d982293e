package audio

import (
	"math"
	"sync/atomic"
)

// discontinuityThreshold is the first-sample jump magnitude above which
// a frame boundary is counted as an audible discontinuity.
const discontinuityThreshold = 0.3

// liveMetrics holds the worker's counters behind atomics so Metrics()
// can read a consistent-enough snapshot without taking a lock on the
// generation hot path.
type liveMetrics struct {
	fillMin  atomic.Uint32 // bit pattern of an int32, sentinel-initialized to max
	fillMax  atomic.Uint32
	fillCur  atomic.Uint32
	underrun atomic.Uint64
	overrun  atomic.Uint64

	framesGenerated   atomic.Uint64
	samplesGenerated  atomic.Uint64
	snapshotsReceived atomic.Uint64
	rollbacksApplied  atomic.Uint64
	discontinuities   atomic.Uint64
}

func newLiveMetrics() *liveMetrics {
	m := &liveMetrics{}
	m.fillMin.Store(math.MaxUint32)
	return m
}

func (m *liveMetrics) observeFill(fill int) {
	u := uint32(fill)
	m.fillCur.Store(u)
	for {
		cur := m.fillMin.Load()
		if u >= cur {
			break
		}
		if m.fillMin.CompareAndSwap(cur, u) {
			break
		}
	}
	for {
		cur := m.fillMax.Load()
		if u <= cur {
			break
		}
		if m.fillMax.CompareAndSwap(cur, u) {
			break
		}
	}
}

// Metrics is a point-in-time copy of the worker's diagnostic counters,
// surfaced for diagnostics only.
type Metrics struct {
	FillMin, FillMax, FillCurrent int
	Underruns, Overruns           uint64
	FramesGenerated               uint64
	SamplesGenerated              uint64
	SnapshotsReceived             uint64
	RollbacksApplied              uint64
	Discontinuities               uint64
}

func (m *liveMetrics) snapshot() Metrics {
	fillMin := int(m.fillMin.Load())
	if fillMin == math.MaxUint32 {
		fillMin = 0
	}
	return Metrics{
		FillMin:           fillMin,
		FillMax:           int(m.fillMax.Load()),
		FillCurrent:       int(m.fillCur.Load()),
		Underruns:         m.underrun.Load(),
		Overruns:          m.overrun.Load(),
		FramesGenerated:   m.framesGenerated.Load(),
		SamplesGenerated:  m.samplesGenerated.Load(),
		SnapshotsReceived: m.snapshotsReceived.Load(),
		RollbacksApplied:  m.rollbacksApplied.Load(),
		Discontinuities:   m.discontinuities.Load(),
	}
}
