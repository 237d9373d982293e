// Package pacer implements the frame pacer that decides when to run a
// simulation tick, and the debug controller that applies queued
// inspector writes/actions between ticks.
package pacer

import "time"

// allowedTimeScales are the only values SetTimeScale permits.
var allowedTimeScales = [...]float64{0.25, 0.5, 1, 2, 4}

// Pacer decides when the simulation thread should advance by one tick,
// decoupling wall-clock cadence from the fixed simulation tick rate.
type Pacer struct {
	nextTickTime    time.Time
	tickDuration    time.Duration
	timeScale       float64
	paused          bool
	stepRequested   bool
	predictionLimit int
}

// New builds a Pacer for a simulation that ticks tickRate times per
// second, starting from now.
func New(tickRate int, now time.Time) *Pacer {
	if tickRate <= 0 {
		tickRate = 60
	}
	return &Pacer{
		nextTickTime: now,
		tickDuration: time.Second / time.Duration(tickRate),
		timeScale:    1,
	}
}

// SetPredictionLimit bounds how many ticks CatchUpTicks reports as due in
// one call, so a caller that runs that many ticks never catches up past
// the current wall time by more than this many ticks. ShouldTick does not
// use the limit. Zero or less means no bound.
func (p *Pacer) SetPredictionLimit(n int) { p.predictionLimit = n }

// ShouldTick reports whether the caller should run one simulation
// frame right now.
func (p *Pacer) ShouldTick(now time.Time) bool {
	if p.paused {
		return p.stepRequested
	}
	return !now.Before(p.nextTickTime)
}

// Advance must be called exactly once after a simulation frame
// actually ran, advancing the scheduled time for the next one.
func (p *Pacer) Advance() {
	if p.stepRequested {
		p.stepRequested = false
	}
	p.nextTickTime = p.nextTickTime.Add(time.Duration(float64(p.tickDuration) / p.timeScale))
}

// CatchUpTicks reports how many consecutive ticks are currently due
// against now, capped at PredictionLimit so a long stall (e.g. the
// process was suspended) cannot demand an unbounded burst of
// simulation frames in one pass.
func (p *Pacer) CatchUpTicks(now time.Time) int {
	if p.paused {
		if p.stepRequested {
			return 1
		}
		return 0
	}
	if now.Before(p.nextTickTime) {
		return 0
	}
	due := int(now.Sub(p.nextTickTime)/p.effectiveTickDuration()) + 1
	if p.predictionLimit > 0 && due > p.predictionLimit {
		due = p.predictionLimit
	}
	return due
}

func (p *Pacer) effectiveTickDuration() time.Duration {
	return time.Duration(float64(p.tickDuration) / p.timeScale)
}

// TogglePause flips the paused flag; while paused, ShouldTick only
// returns true in response to a pending RequestStep.
func (p *Pacer) TogglePause() { p.paused = !p.paused }

// Paused reports the current pause state.
func (p *Pacer) Paused() bool { return p.paused }

// RequestStep arms a single tick to run on the next ShouldTick check,
// even while paused.
func (p *Pacer) RequestStep() { p.stepRequested = true }

// SetTimeScale sets the cadence multiplier. Invalid values (anything
// not in {0.25, 0.5, 1, 2, 4}) are rejected and leave the scale
// unchanged, since an arbitrary scale would let the simulation silently
// desync tick cadence from what both peers agreed on.
func (p *Pacer) SetTimeScale(x float64) bool {
	for _, allowed := range allowedTimeScales {
		if x == allowed {
			p.timeScale = x
			return true
		}
	}
	return false
}

// TimeScale returns the current cadence multiplier.
func (p *Pacer) TimeScale() float64 { return p.timeScale }
