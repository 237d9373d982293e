package audio

import "testing"

func newTestWorker() *Worker {
	w := NewWorker()
	w.Start(44100, 60)
	return w
}

// TestMergeSafetyPositionNeverOverwritten checks audio merge safety:
// when a snapshot reports the same sound_id for a channel the worker
// already has, only volume/pan may change.
func TestMergeSafetyPositionNeverOverwritten(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	w.genAudio[0] = ChannelState{SoundID: 5, Position: 1000, Volume: 0.5, Pan: 0}
	table := NewSoundTable(map[uint32][]float32{5: constantSamples(0.1, 2000)})

	snap := Snapshot{SoundTable: table}
	snap.Channels[0] = ChannelState{SoundID: 5, Position: 0, Volume: 0.9, Pan: -0.3}
	w.merge(snap)

	got := w.genAudio[0]
	if got.Position != 1000 {
		t.Fatalf("position must not be overwritten, got %d", got.Position)
	}
	if got.Volume != 0.9 || got.Pan != -0.3 {
		t.Fatalf("expected volume/pan to update, got %+v", got)
	}
}

func TestMergeStopIsInstant(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	w.genAudio[2] = ChannelState{SoundID: 7, Position: 500, Volume: 1}
	snap := Snapshot{SoundTable: NewSoundTable(nil)}
	// Channels[2] defaults to SoundID 0 — silent.
	crossfade := w.merge(snap)

	if !w.genAudio[2].silent() {
		t.Fatalf("expected channel 2 to be stopped, got %+v", w.genAudio[2])
	}
	if crossfade {
		t.Fatal("a stop must not schedule a crossfade")
	}
}

func TestMergeStartAtZeroCrossing(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	snap := Snapshot{SoundTable: NewSoundTable(nil)}
	snap.Channels[1] = ChannelState{SoundID: 3, Position: 0, Volume: 1}
	crossfade := w.merge(snap)

	if w.genAudio[1].SoundID != 3 {
		t.Fatalf("expected channel 1 to start sound 3, got %+v", w.genAudio[1])
	}
	if crossfade {
		t.Fatal("a fresh start at position 0 must not crossfade")
	}
}

// TestMusicChangeMidPlaybackCrossfades covers a music sound_id change
// from 1 to 2 with non-zero position already recorded. A crossfade must
// be scheduled exactly once, and the next frame's first samples must
// land close to prevFrameLast before converging to the new song.
func TestMusicChangeMidPlaybackCrossfades(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	w.genAudio[0] = ChannelState{SoundID: 1, Position: 2000, Volume: 1}
	w.prevFrameLast = Frame{0.4, 0.4}

	table := NewSoundTable(map[uint32][]float32{2: constantSamples(-0.7, 4410)})
	snap := Snapshot{SoundTable: table}
	snap.Channels[0] = ChannelState{SoundID: 2, Position: 0, Volume: 1}

	crossfade := w.merge(snap)
	if !crossfade {
		t.Fatal("expected a crossfade to be scheduled on mid-playback sound change")
	}
	// merge is called directly here; applySnapshot is what normally marks
	// the first snapshot as received and ends the pre-snapshot silence.
	w.haveSnapshot = true
	w.scheduleCrossfade()
	if w.crossfadeFrom != (Frame{0.4, 0.4}) {
		t.Fatalf("crossfadeFrom should capture prevFrameLast, got %v", w.crossfadeFrom)
	}

	frame := w.generateFrame()
	Crossfade(w.crossfadeFrom, w.fadeLenSamples, frame)

	firstStep := abs32(frame[0][0] - w.crossfadeFrom[0])
	bound := float32(2.0/float64(w.fadeLenSamples)) + 1e-6
	if firstStep > bound {
		t.Fatalf("first blended sample too far from prevFrameLast: step=%v bound=%v", firstStep, bound)
	}
	// Samples beyond the fade window should have converged toward the
	// new song's natural output: -0.7 at center pan puts -0.35 on each side.
	last := frame[len(frame)-1]
	if abs32(last[0]-(-0.35)) > 0.05 {
		t.Fatalf("expected convergence toward new song output, got %v", last)
	}
}

func TestTrackerModuleChangeAppliesWholesaleAndCrossfades(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	w.genTracker = TrackerState{ModuleID: 1, Order: 3, Row: 5, TickWithinRow: 2, BPM: 120}
	snap := Snapshot{SoundTable: NewSoundTable(nil)}
	snap.Tracker = TrackerState{ModuleID: 2, Order: 0, Row: 0, TickWithinRow: 0, BPM: 140}

	crossfade := w.merge(snap)
	if !crossfade {
		t.Fatal("module change should schedule a crossfade")
	}
	if w.genTracker != snap.Tracker {
		t.Fatalf("expected wholesale tracker replacement, got %+v", w.genTracker)
	}
}

func TestTrackerSameModulePreservesPosition(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	w.genTracker = TrackerState{ModuleID: 1, Order: 3, Row: 5, TickWithinRow: 2, BPM: 120, Volume: 0.5}
	snap := Snapshot{SoundTable: NewSoundTable(nil)}
	snap.Tracker = TrackerState{ModuleID: 1, Order: 9, Row: 9, TickWithinRow: 9, BPM: 140, Volume: 0.8}

	crossfade := w.merge(snap)
	if crossfade {
		t.Fatal("same module id must not crossfade")
	}
	if w.genTracker.Order != 3 || w.genTracker.Row != 5 || w.genTracker.TickWithinRow != 2 {
		t.Fatalf("order/row/tick_within_row must be preserved, got %+v", w.genTracker)
	}
	if w.genTracker.BPM != 140 || w.genTracker.Volume != 0.8 {
		t.Fatalf("bpm/volume should still merge in, got %+v", w.genTracker)
	}
}

func TestRollbackResetsSamplesSinceSnapshot(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	w.samplesSinceSnapshot = 999
	snap := Snapshot{SoundTable: NewSoundTable(nil), IsRollback: true}
	w.applySnapshot(snap)

	if w.samplesSinceSnapshot != 0 {
		t.Fatalf("expected samplesSinceSnapshot reset, got %d", w.samplesSinceSnapshot)
	}
	if got := w.Metrics().RollbacksApplied; got != 1 {
		t.Fatalf("expected one rollback counted, got %d", got)
	}
}
