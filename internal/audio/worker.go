package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// errAlreadyClosed is returned by a second Close call rather than
// silently no-op'ing, since a caller that double-closes the worker
// almost certainly has a shutdown-ordering bug worth surfacing.
var errAlreadyClosed = errors.New("audio: worker already closed")

// snapshotQueueDepth is the bounded channel capacity between the
// simulation thread and the generation goroutine.
const snapshotQueueDepth = 8

// Worker is the predictive audio generation thread. It owns all
// mixer/tracker state needed to keep producing samples between
// snapshots, and is the sole producer into its output Ring.
type Worker struct {
	ring       *Ring
	snapshots  chan Snapshot
	cond       *sync.Cond
	condMu     sync.Mutex
	quit       chan struct{}
	done       chan struct{}
	closed     atomic.Bool

	sampleRate         int
	simTickRate        int
	frameSamples       int
	fadeLenSamples     int
	silenceFrameLen    int
	lowBufferThreshold int

	genAudio             [NumChannels]ChannelState
	genTracker           TrackerState
	soundTable           *SoundTable
	prevFrameLast        Frame
	crossfadeActive      bool
	crossfadeFrom        Frame
	samplesSinceSnapshot uint64
	haveSnapshot         bool

	metrics *liveMetrics
}

// NewWorker builds an unstarted Worker. Call Start once the platform
// audio stream's sample rate is known.
func NewWorker() *Worker {
	w := &Worker{
		snapshots: make(chan Snapshot, snapshotQueueDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   newLiveMetrics(),
	}
	w.cond = sync.NewCond(&w.condMu)
	return w
}

// Start derives the sample-rate-relative constants (fadeLenSamples,
// silenceFrameLen, lowBufferThreshold all scale from sampleRate rather
// than being hardcoded for 44.1kHz) and launches the generation
// goroutine.
func (w *Worker) Start(sampleRate, simTickRate int) {
	w.sampleRate = sampleRate
	w.simTickRate = simTickRate
	w.frameSamples = sampleRate / simTickRate
	if w.frameSamples < 1 {
		w.frameSamples = 1
	}
	w.fadeLenSamples = sampleRate / 1000 // ~1ms, ~44 samples @ 44.1kHz
	if w.fadeLenSamples < 1 {
		w.fadeLenSamples = 1
	}
	w.silenceFrameLen = w.frameSamples
	w.lowBufferThreshold = sampleRate / 20 // ~50ms
	w.ring = NewRingForSampleRate(sampleRate, 150)

	go w.tickLoop()
	go w.run()
}

// Submit hands a snapshot to the worker. When the channel is full, the
// oldest queued snapshot is dropped in favor of the new one — a
// best-effort handoff rather than one that ever blocks the caller.
func (w *Worker) Submit(snap Snapshot) {
	snap.SoundTable.Retain()
	select {
	case w.snapshots <- snap:
		return
	default:
	}
	select {
	case old := <-w.snapshots:
		old.SoundTable.Release()
	default:
	}
	select {
	case w.snapshots <- snap:
	default:
		snap.SoundTable.Release()
	}
}

// NotifySpace is called by the platform audio callback after popping
// frames from the ring, waking the worker immediately instead of
// waiting for the next 1ms tick.
func (w *Worker) NotifySpace() {
	w.condMu.Lock()
	w.cond.Broadcast()
	w.condMu.Unlock()
}

// Close stops the generation goroutine. It does not block; call Wait
// afterward to join it. Calling Close twice returns an error instead
// of silently no-op'ing.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return errAlreadyClosed
	}
	close(w.quit)
	w.condMu.Lock()
	w.cond.Broadcast()
	w.condMu.Unlock()
	return nil
}

// Wait joins the generation goroutine. Calling Wait before Close is a
// deadlock: the goroutine only exits once quit is closed.
func (w *Worker) Wait() {
	<-w.done
}

// Ring exposes the output ring for the platform callback to consume.
func (w *Worker) Ring() *Ring { return w.ring }

// Metrics returns a point-in-time copy of the worker's diagnostic
// counters.
func (w *Worker) Metrics() Metrics { return w.metrics.snapshot() }

func (w *Worker) tickLoop() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.condMu.Lock()
			w.cond.Broadcast()
			w.condMu.Unlock()
		}
	}
}

// run is the worker's main loop: drain pending snapshots, generate a
// frame if the output ring has space, then wait to be woken again.
func (w *Worker) run() {
	defer close(w.done)
	for {
		w.drainPending()
		w.generateIfSpace()

		// The quit check and the wait must happen under the same lock
		// acquisition: Close closes quit and then broadcasts while holding
		// condMu, so checking quit here first closes the window where a broadcast
		// fired between the top of this loop and the call to cond.Wait
		// would otherwise be missed, leaving this goroutine parked forever.
		w.condMu.Lock()
		select {
		case <-w.quit:
			w.condMu.Unlock()
			w.drainPending()
			return
		default:
		}
		w.cond.Wait()
		w.condMu.Unlock()
	}
}

func (w *Worker) drainPending() {
	for {
		select {
		case snap := <-w.snapshots:
			w.applySnapshot(snap)
		default:
			return
		}
	}
}

func (w *Worker) applySnapshot(snap Snapshot) {
	w.metrics.snapshotsReceived.Add(1)
	w.haveSnapshot = true

	if snap.IsRollback {
		w.discardQueued()
		w.scheduleCrossfade()
		w.mergeRollback(snap)
		w.metrics.rollbacksApplied.Add(1)
		snap.SoundTable.Release()
		return
	}
	if w.merge(snap) {
		w.scheduleCrossfade()
	}
	snap.SoundTable.Release()
}

func (w *Worker) discardQueued() {
	for {
		select {
		case old := <-w.snapshots:
			old.SoundTable.Release()
		default:
			return
		}
	}
}

func (w *Worker) scheduleCrossfade() {
	w.crossfadeActive = true
	w.crossfadeFrom = w.prevFrameLast
}

func (w *Worker) generateIfSpace() {
	if w.ring == nil || w.ring.Space() < w.frameSamples {
		if w.ring != nil {
			w.metrics.observeFill(w.ring.Fill())
		}
		return
	}

	frame := w.generateFrame()
	if w.crossfadeActive {
		Crossfade(w.crossfadeFrom, min(w.fadeLenSamples, w.ring.Cap()/2), frame)
		w.crossfadeActive = false
	}
	// Discontinuity detection runs on the final, crossfaded output —
	// the fade itself must never be counted as the pop it exists to
	// prevent.
	w.recordDiscontinuityCheck(frame)
	w.pushFrame(frame)
	w.metrics.observeFill(w.ring.Fill())
}

// generateFrame mixes one simulation tick's worth of samples from the
// worker's own channel state, advancing positions forward only — never
// seeking backward on confirmed information.
func (w *Worker) generateFrame() []Frame {
	out := make([]Frame, w.frameSamples)
	if !w.haveSnapshot {
		// Silence before the first snapshot ever arrives, so the ring
		// never starves the callback waiting on tick 0.
		w.metrics.framesGenerated.Add(1)
		w.metrics.samplesGenerated.Add(uint64(len(out)))
		return out
	}

	for i := range out {
		var left, right float32
		for c := 0; c < NumChannels; c++ {
			ch := &w.genAudio[c]
			if ch.silent() || w.soundTable == nil {
				continue
			}
			data := w.soundTable.Sounds[ch.SoundID]
			if len(data) == 0 {
				ch.SoundID = 0
				continue
			}
			idx := int(ch.Position)
			if idx >= len(data) {
				ch.SoundID = 0
				continue
			}
			s := data[idx] * ch.Volume
			left += s * (1 - panR(ch.Pan))
			right += s * panR(ch.Pan)
			ch.Position++
		}
		out[i] = Frame{clamp1(left), clamp1(right)}
		w.samplesSinceSnapshot++
	}

	w.advanceTracker()
	w.metrics.framesGenerated.Add(1)
	w.metrics.samplesGenerated.Add(uint64(len(out)))
	return out
}

// advanceTracker moves the sub-row tick counter forward. Full module
// waveform synthesis is out of scope here, so the tracker engine only
// advances timing state that snapshots can compare and merge against —
// the audible path under test is the mixer channel mix.
func (w *Worker) advanceTracker() {
	w.genTracker.TickWithinRow++
}

func (w *Worker) recordDiscontinuityCheck(out []Frame) {
	if len(out) == 0 {
		return
	}
	first := out[0]
	jump := abs32(first[0]-w.prevFrameLast[0]) + abs32(first[1]-w.prevFrameLast[1])
	if jump > discontinuityThreshold {
		w.metrics.discontinuities.Add(1)
	}
	w.prevFrameLast = out[len(out)-1]
}

func (w *Worker) pushFrame(out []Frame) {
	for _, f := range out {
		if !w.ring.TryPush(f) {
			w.metrics.overrun.Add(1)
		}
	}
}

func panR(pan float32) float32 {
	// pan in [-1, 1]; map to a right-channel weight in [0, 1].
	return (pan + 1) / 2
}

func clamp1(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
