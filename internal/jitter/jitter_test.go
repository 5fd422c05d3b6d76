package jitter

import "testing"

func TestEmptyBufferDoesNotFlush(t *testing.T) {
	b := New()
	if b.ShouldFlush() {
		t.Fatalf("empty buffer should not flush")
	}
	if b.Len() != 0 {
		t.Fatalf("empty buffer should have len 0, got %d", b.Len())
	}
}

func TestSingleFrameDoesNotFlush(t *testing.T) {
	b := New()
	b.Push(1, []byte("a"))
	if b.ShouldFlush() {
		t.Fatalf("single pending frame should not trigger a flush")
	}
}

func TestFlushesInAscendingOrder(t *testing.T) {
	b := New()
	b.Push(5, []byte("e"))
	b.Push(3, []byte("c"))
	b.Push(4, []byte("d"))
	if !b.ShouldFlush() {
		t.Fatalf("3 pending frames should trigger a flush")
	}
	frames := b.Drain()
	want := []uint64{3, 4, 5}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if f.Seq != want[i] {
			t.Errorf("frame %d: got seq %d, want %d", i, f.Seq, want[i])
		}
	}
	if b.Len() != 0 {
		t.Fatalf("heap should be empty after Drain, got %d", b.Len())
	}
}

// TestReorderTolerance matches spec.md §8: frames a, a+1, a+2 arriving in
// order a+1, a, a+2 must be delivered in order a, a+1, a+2.
func TestReorderTolerance(t *testing.T) {
	const a = 100
	b := New()
	b.Push(a+1, []byte("a+1"))
	b.Push(a, []byte("a"))
	b.Push(a+2, []byte("a+2"))

	frames := b.Drain()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []uint64{a, a + 1, a + 2} {
		if frames[i].Seq != want {
			t.Fatalf("frame %d: got seq %d, want %d", i, frames[i].Seq, want)
		}
	}
}

func TestSetDepthWidensFlushThreshold(t *testing.T) {
	b := New()
	b.SetDepth(3)
	b.Push(1, []byte("a"))
	b.Push(2, []byte("b"))
	b.Push(3, []byte("c"))
	if b.ShouldFlush() {
		t.Fatalf("3 pending frames should not flush at depth 3")
	}
	b.Push(4, []byte("d"))
	if !b.ShouldFlush() {
		t.Fatalf("4 pending frames should flush at depth 3")
	}
}

func TestSetDepthClampsToOne(t *testing.T) {
	b := New()
	b.SetDepth(0)
	if b.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1 after SetDepth(0)", b.Depth())
	}
}

func TestDrainOnEmptyBuffer(t *testing.T) {
	b := New()
	if frames := b.Drain(); len(frames) != 0 {
		t.Fatalf("draining an empty buffer should return no frames, got %d", len(frames))
	}
}
