package audio

import "testing"

func TestClampInt8(t *testing.T) {
	cases := []struct {
		in   float64
		want int8
	}{
		{0, 0},
		{50, 50},
		{127, 127},
		{200, 127},
		{-200, -128},
	}
	for _, c := range cases {
		if got := clampInt8(c.in); got != c.want {
			t.Errorf("clampInt8(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRMSSilence(t *testing.T) {
	buf := make([]float32, FrameSize)
	if got := rms(buf); got != 0 {
		t.Errorf("rms(silence) = %v, want 0", got)
	}
}

func TestRMSFullScale(t *testing.T) {
	buf := make([]float32, FrameSize)
	for i := range buf {
		buf[i] = 1.0
	}
	if got := rms(buf); got < 0.999 || got > 1.001 {
		t.Errorf("rms(full scale) = %v, want ~1.0", got)
	}
}

// TestThresholdAtMaxSuppressesEverything matches spec.md §8: when the
// threshold is set to 100 (effectively saturating above any achievable
// scaled RMS), no frame should pass the gate.
func TestThresholdAtMaxSuppressesEverything(t *testing.T) {
	c := NewCapture(-1)
	c.SetThreshold(100)
	if c.Threshold() != 100 {
		t.Fatalf("Threshold() = %d, want 100", c.Threshold())
	}
	// A full-scale frame scales to at most 100*(1+0.0002) ~= 100, which is
	// not strictly greater than a threshold of 100.
	buf := make([]float32, FrameSize)
	for i := range buf {
		buf[i] = 1.0
	}
	scaled := clampInt8((rms(buf) + 0.0002) * 100)
	if scaled > c.Threshold() {
		t.Fatalf("scaled RMS %d unexpectedly exceeds threshold 100", scaled)
	}
}

func TestDroppedFramesResets(t *testing.T) {
	c := NewCapture(-1)
	c.droppedCapture.Store(3)
	if got := c.DroppedFrames(); got != 3 {
		t.Fatalf("DroppedFrames() = %d, want 3", got)
	}
	if got := c.DroppedFrames(); got != 0 {
		t.Fatalf("DroppedFrames() after reset = %d, want 0", got)
	}
}
