package whisper

import (
	"math"
	"testing"
)

func TestPCMToFloat32(t *testing.T) {
	// 0, max positive, max negative as little-endian int16.
	pcm := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	got := pcmToFloat32(pcm)

	want := []float32{0, 32767.0 / 32768.0, -1.0}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPCMToFloat32MonoDownmix(t *testing.T) {
	// One stereo frame: L=16384, R=-16384 → average 0.
	pcm := []byte{0x00, 0x40, 0x00, 0xC0}
	got := pcmToFloat32Mono(pcm, 2)
	if len(got) != 1 {
		t.Fatalf("got %d samples, want 1", len(got))
	}
	if math.Abs(float64(got[0])) > 1e-6 {
		t.Errorf("downmixed sample: got %f, want 0", got[0])
	}
}

func TestPCMToFloat32MonoSingleChannel(t *testing.T) {
	pcm := []byte{0xFF, 0x7F}
	got := pcmToFloat32Mono(pcm, 1)
	if len(got) != 1 || got[0] < 0.99 {
		t.Errorf("got %v, want single ~1.0 sample", got)
	}
}
