package pacer

import (
	"testing"
	"time"
)

func TestShouldTickAdvancesAtTickRate(t *testing.T) {
	t0 := time.Unix(0, 0)
	p := New(60, t0)

	// The first tick is due at the start time; run it.
	if !p.ShouldTick(t0) {
		t.Fatal("expected the first tick to be due at the start time")
	}
	p.Advance()
	if p.ShouldTick(t0.Add(1 * time.Millisecond)) {
		t.Fatal("should not tick before the first interval elapses")
	}
	due := t0.Add(time.Second / 60)
	if !p.ShouldTick(due) {
		t.Fatal("expected a tick to be due")
	}
	p.Advance()
	if p.ShouldTick(due.Add(time.Millisecond)) {
		t.Fatal("should not tick again immediately after Advance")
	}
}

func TestPauseGatesTicking(t *testing.T) {
	t0 := time.Unix(0, 0)
	p := New(60, t0)
	p.TogglePause()

	due := t0.Add(time.Second)
	if p.ShouldTick(due) {
		t.Fatal("paused pacer should not tick without a step request")
	}
	p.RequestStep()
	if !p.ShouldTick(due) {
		t.Fatal("expected a single step to be due")
	}
	p.Advance()
	if p.ShouldTick(due) {
		t.Fatal("step should be consumed after Advance")
	}
}

func TestSetTimeScaleRejectsInvalidValues(t *testing.T) {
	p := New(60, time.Unix(0, 0))
	if p.SetTimeScale(0.33) {
		t.Fatal("0.33 is not an allowed time scale")
	}
	if p.TimeScale() != 1 {
		t.Fatalf("expected scale unchanged at 1, got %v", p.TimeScale())
	}
	if !p.SetTimeScale(2) {
		t.Fatal("2 should be accepted")
	}
	if p.TimeScale() != 2 {
		t.Fatalf("expected scale 2, got %v", p.TimeScale())
	}
}

func TestTimeScaleAffectsCadenceNotDuration(t *testing.T) {
	t0 := time.Unix(0, 0)
	p := New(60, t0)
	p.SetTimeScale(2)
	p.Advance() // run the tick due at t0; the next one is one scaled interval later

	due := t0.Add(time.Second / 120) // half the normal interval at 2x
	if !p.ShouldTick(due) {
		t.Fatal("doubled time scale should halve the wait between ticks")
	}
}

func TestCatchUpTicksCapsAtPredictionLimit(t *testing.T) {
	t0 := time.Unix(0, 0)
	p := New(60, t0)
	p.SetPredictionLimit(5)

	// Simulate a long stall: 1 full second elapsed with no ticks run.
	later := t0.Add(time.Second)
	got := p.CatchUpTicks(later)
	if got != 5 {
		t.Fatalf("expected catch-up capped at prediction limit 5, got %d", got)
	}
}

func TestCatchUpTicksZeroWhenNotDue(t *testing.T) {
	t0 := time.Unix(0, 0)
	p := New(60, t0)
	if got := p.CatchUpTicks(t0); got != 1 {
		t.Fatalf("expected exactly one tick due at t0, got %d", got)
	}
	if got := p.CatchUpTicks(t0.Add(-time.Millisecond)); got != 0 {
		t.Fatalf("expected no ticks due before t0, got %d", got)
	}
}
