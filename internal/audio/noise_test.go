package audio

import "testing"

func TestNoiseCancellerDisabledIsNoop(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()

	buf := make([]float32, FrameSize)
	for i := range buf {
		buf[i] = float32(i) / float32(FrameSize)
	}
	original := append([]float32(nil), buf...)

	nc.Process(buf) // enabled defaults to false

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v (disabled should be a no-op)", i, buf[i], original[i])
		}
	}
}

func TestNoiseCancellerZeroLevelIsNoop(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()
	nc.SetEnabled(true)
	nc.SetLevel(0)

	buf := make([]float32, FrameSize)
	for i := range buf {
		buf[i] = float32(i) / float32(FrameSize)
	}
	original := append([]float32(nil), buf...)

	nc.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v (level 0 should be a no-op)", i, buf[i], original[i])
		}
	}
}

func TestNoiseCancellerWrongLengthIsNoop(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()
	nc.SetEnabled(true)
	nc.SetLevel(1.0)

	buf := make([]float32, FrameSize/2)
	for i := range buf {
		buf[i] = float32(i) / float32(len(buf))
	}
	original := append([]float32(nil), buf...)

	nc.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v (wrong-length buf should be a no-op)", i, buf[i], original[i])
		}
	}
}

func TestNoiseCancellerSetLevelClamps(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()

	nc.SetLevel(-1)
	if nc.level != 0 {
		t.Fatalf("level = %v, want 0", nc.level)
	}
	nc.SetLevel(2)
	if nc.level != 1 {
		t.Fatalf("level = %v, want 1", nc.level)
	}
}
