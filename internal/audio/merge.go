package audio

// merge applies a non-rollback Snapshot to the worker's generation
// state, implementing the per-channel stop/start/crossfade/volume-only
// rules. It reports whether a crossfade was scheduled, so the caller
// can set crossfadeFrom from prevFrameLast.
func (w *Worker) merge(snap Snapshot) (crossfade bool) {
	for i := 0; i < NumChannels; i++ {
		cur := w.genAudio[i]
		next := snap.Channels[i]

		switch {
		case next.silent() && !cur.silent():
			// Stop: instant, no crossfade — stops do not pop.
			w.genAudio[i] = ChannelState{}
		case !next.silent() && cur.silent() && next.Position == 0:
			// Start: new sound at a zero crossing.
			w.genAudio[i] = next
		case next.SoundID != cur.SoundID && next.SoundID != 0:
			// Sound changed mid-playback (including a sound already past
			// position 0 on a channel the worker has silent): crossfade in
			// the replacement.
			w.genAudio[i] = next
			crossfade = true
		case next.SoundID == cur.SoundID && !cur.silent():
			// Same sound: only volume/pan may move; position is the
			// worker's own authority.
			cur.Volume = next.Volume
			cur.Pan = next.Pan
			w.genAudio[i] = cur
		default:
			// Both silent.
		}
	}

	if snap.Tracker.ModuleID != w.genTracker.ModuleID {
		w.genTracker = snap.Tracker
		crossfade = true
	} else {
		w.genTracker.Volume = snap.Tracker.Volume
		w.genTracker.Flags = snap.Tracker.Flags
		w.genTracker.BPM = snap.Tracker.BPM
		w.genTracker.Speed = snap.Tracker.Speed
	}

	w.adoptSoundTable(snap.SoundTable)
	return crossfade
}

// mergeRollback wholesale-overwrites generation state from a rollback
// snapshot: the channel's own continuity guarantees from merge no
// longer apply because the simulation itself rewound.
func (w *Worker) mergeRollback(snap Snapshot) {
	w.genAudio = snap.Channels
	w.genTracker = snap.Tracker
	w.samplesSinceSnapshot = 0
	w.adoptSoundTable(snap.SoundTable)
}

func (w *Worker) adoptSoundTable(next *SoundTable) {
	if next == nil || next == w.soundTable {
		return
	}
	next.Retain()
	if w.soundTable != nil {
		w.soundTable.Release()
	}
	w.soundTable = next
}
