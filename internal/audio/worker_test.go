package audio

import (
	"testing"
	"time"
)

func TestWorkerProducesSilenceBeforeFirstSnapshot(t *testing.T) {
	w := newTestWorker()
	defer func() { _ = w.Close(); w.Wait() }()

	frame := w.generateFrame()
	for i, f := range frame {
		if f[0] != 0 || f[1] != 0 {
			t.Fatalf("expected silence at sample %d before any snapshot, got %v", i, f)
		}
	}
}

func TestWorkerCloseIsIdempotentWithError(t *testing.T) {
	w := newTestWorker()
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	w.Wait()
	if err := w.Close(); err == nil {
		t.Fatal("expected second Close to return an error")
	}
}

func TestWorkerSubmitDropsOldestWhenFull(t *testing.T) {
	w := NewWorker()
	// Do not Start: this test only exercises the channel directly, so
	// snapshots are never drained by the generation goroutine.
	tables := make([]*SoundTable, snapshotQueueDepth+1)
	for i := range tables {
		tables[i] = NewSoundTable(nil)
		w.Submit(Snapshot{SoundTable: tables[i], FrameNumber: uint64(i)})
	}
	if len(w.snapshots) != snapshotQueueDepth {
		t.Fatalf("expected channel capped at %d, got %d", snapshotQueueDepth, len(w.snapshots))
	}
	first := <-w.snapshots
	if first.FrameNumber != 1 {
		t.Fatalf("expected oldest (frame 0) to have been dropped, oldest remaining is frame %d", first.FrameNumber)
	}
}

func TestWorkerEndToEndRingFillsAfterSnapshot(t *testing.T) {
	w := NewWorker()
	w.Start(44100, 60)
	defer func() { _ = w.Close(); w.Wait() }()

	table := NewSoundTable(map[uint32][]float32{1: constantSamples(0.2, 4410)})
	snap := Snapshot{SoundTable: table}
	snap.Channels[0] = ChannelState{SoundID: 1, Position: 0, Volume: 1}
	w.Submit(snap)
	w.NotifySpace()

	deadline := time.After(time.Second)
	for {
		if w.Ring().Fill() > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("ring never received generated audio")
		case <-time.After(time.Millisecond):
		}
	}
}
