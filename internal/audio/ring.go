package audio

import "sync/atomic"

// Frame is one interleaved stereo sample pair.
type Frame [2]float32

// Ring is a single-producer/single-consumer ring buffer of stereo
// frames, sized for roughly 150ms of audio at the discovered output
// sample rate. The worker goroutine is the sole producer; the platform
// audio callback is the sole consumer — the read and write indices are
// only ever touched by their own side, with atomic loads/stores
// providing the cross-goroutine visibility a mutex would otherwise need
// to buy.
type Ring struct {
	buf  []Frame
	mask uint64

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
}

// NewRing allocates a ring with capacity rounded up to the next power
// of two at or above capacity.
func NewRing(capacity int) *Ring {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring{buf: make([]Frame, n), mask: uint64(n - 1)}
}

// NewRingForSampleRate sizes a ring for roughly durationMs of audio at
// sampleRate.
func NewRingForSampleRate(sampleRate int, durationMs int) *Ring {
	capacity := sampleRate * durationMs / 1000
	if capacity < 1 {
		capacity = 1
	}
	return NewRing(capacity)
}

// Cap returns the ring's fixed slot count.
func (r *Ring) Cap() int { return int(r.mask) + 1 }

// Fill reports how many frames are currently queued for the consumer.
func (r *Ring) Fill() int {
	w := r.writeIdx.Load()
	rd := r.readIdx.Load()
	return int(w - rd)
}

// Space reports how many frames can still be pushed before the ring is
// full.
func (r *Ring) Space() int { return r.Cap() - r.Fill() }

// TryPush writes a frame if space is available. It reports whether the
// write happened; the caller (the worker) counts a false return as an
// overflow and drops the sample — the ring being full never blocks the
// simulation thread.
func (r *Ring) TryPush(f Frame) bool {
	w := r.writeIdx.Load()
	rd := r.readIdx.Load()
	if int(w-rd) >= r.Cap() {
		return false
	}
	r.buf[w&r.mask] = f
	r.writeIdx.Store(w + 1)
	return true
}

// Pop removes and returns the next frame. ok is false when the ring is
// empty, and the returned frame is then silence. The ring keeps no
// underrun count, and an empty Pop is not recorded in the worker's
// Metrics.
func (r *Ring) Pop() (Frame, bool) {
	rd := r.readIdx.Load()
	w := r.writeIdx.Load()
	if rd == w {
		return Frame{}, false
	}
	f := r.buf[rd&r.mask]
	r.readIdx.Store(rd + 1)
	return f, true
}
