package audio

import "testing"

func TestRingPushPopOrder(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		if !r.TryPush(Frame{float32(i), float32(i)}) {
			t.Fatalf("push %d should have succeeded", i)
		}
	}
	if r.TryPush(Frame{9, 9}) {
		t.Fatal("push into full ring should fail")
	}
	for i := 0; i < 4; i++ {
		f, ok := r.Pop()
		if !ok || f[0] != float32(i) {
			t.Fatalf("pop %d: got %v ok=%v", i, f, ok)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop from empty ring should fail")
	}
}

func TestRingCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	r := NewRing(5)
	if r.Cap() != 8 {
		t.Fatalf("expected capacity 8, got %d", r.Cap())
	}
}

func TestRingFillAndSpace(t *testing.T) {
	r := NewRing(4)
	r.TryPush(Frame{})
	r.TryPush(Frame{})
	if r.Fill() != 2 || r.Space() != 2 {
		t.Fatalf("fill=%d space=%d", r.Fill(), r.Space())
	}
}
