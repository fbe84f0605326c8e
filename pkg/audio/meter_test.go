package audio

import (
	"testing"
	"time"
)

func TestMeterPublishesLevel(t *testing.T) {
	m := NewMeter(0)
	if m.Level() != 0 {
		t.Fatalf("initial level: got %f, want 0", m.Level())
	}

	m.Update(pcm16(32767, -32767))
	if m.Level() < 0.9 {
		t.Errorf("full-scale block: got %f, want ~1.0", m.Level())
	}

	m.Reset()
	if m.Level() != 0 {
		t.Errorf("after reset: got %f, want 0", m.Level())
	}
}

func TestMeterThrottlesUpdates(t *testing.T) {
	m := NewMeter(time.Hour)

	m.Update(pcm16(32767, -32767))
	first := m.Level()

	// Within the throttle window the second update must be ignored.
	m.Update(pcm16(0, 0))
	if got := m.Level(); got != first {
		t.Errorf("throttled update changed level: got %f, want %f", got, first)
	}
}
