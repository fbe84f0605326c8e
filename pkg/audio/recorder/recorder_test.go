package recorder

import (
	"encoding/binary"
	"testing"
	"time"
)

func tone(samples int, value int16) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		out[i*2] = byte(value)
		out[i*2+1] = byte(value >> 8)
	}
	return out
}

func TestWriteMicAdvancesTimeline(t *testing.T) {
	r := New(48000)

	if err := r.WriteMic(tone(4800, 100), 48000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}
	if err := r.WriteMic(tone(4800, 100), 48000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}

	// 9600 samples at 48 kHz = 200 ms.
	if got := r.Duration(); got != 200*time.Millisecond {
		t.Errorf("duration: got %v, want 200ms", got)
	}
}

func TestWriteMicResamples(t *testing.T) {
	r := New(48000)
	// 1600 samples at 16 kHz = 100 ms → 4800 samples in the mix.
	if err := r.WriteMic(tone(1600, 100), 16000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}
	if got := r.Duration(); got != 100*time.Millisecond {
		t.Errorf("duration: got %v, want 100ms", got)
	}
}

func TestWriteSpeechOverlaysWithoutAdvancing(t *testing.T) {
	r := New(48000)

	if err := r.WriteMic(tone(480, 100), 48000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}
	if err := r.WriteSpeech(tone(480, 50), 48000); err != nil {
		t.Fatalf("WriteSpeech: %v", err)
	}
	// Speech extended the mix but the mic cursor stayed put, so mic audio
	// written now mixes over the clip.
	if err := r.WriteMic(tone(480, 100), 48000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}

	wav, err := r.WAV()
	if err != nil {
		t.Fatalf("WAV: %v", err)
	}
	data := wav[wavHeaderSize:]
	// First region: mic only.
	if s := int16(binary.LittleEndian.Uint16(data[0:2])); s != 100 {
		t.Errorf("first region sample: got %d, want 100", s)
	}
	// Second region: speech (50) + later mic (100) mixed additively.
	if s := int16(binary.LittleEndian.Uint16(data[480*2 : 480*2+2])); s != 150 {
		t.Errorf("overlay region sample: got %d, want 150", s)
	}
}

func TestCloseIsIdempotentAndBlocksWrites(t *testing.T) {
	r := New(0)
	if r.SampleRate() != 48000 {
		t.Errorf("default rate: got %d, want 48000", r.SampleRate())
	}
	if err := r.WriteMic(tone(10, 1), 48000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := r.WriteMic(tone(10, 1), 48000); err != ErrClosed {
		t.Errorf("write after close: got %v, want ErrClosed", err)
	}
	if err := r.WriteSpeech(tone(10, 1), 24000); err != ErrClosed {
		t.Errorf("speech after close: got %v, want ErrClosed", err)
	}

	// The mix stays exportable after close.
	if _, err := r.WAV(); err != nil {
		t.Errorf("WAV after close: %v", err)
	}
}

func TestWAVHeader(t *testing.T) {
	r := New(48000)
	if _, err := r.WAV(); err == nil {
		t.Error("empty recording should not export")
	}

	if err := r.WriteMic(tone(100, 7), 48000); err != nil {
		t.Fatalf("WriteMic: %v", err)
	}
	wav, err := r.WAV()
	if err != nil {
		t.Fatalf("WAV: %v", err)
	}

	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 48000 {
		t.Errorf("sample rate: got %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels: got %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 200 {
		t.Errorf("data length: got %d, want 200", got)
	}
	if len(wav) != wavHeaderSize+200 {
		t.Errorf("total length: got %d, want %d", len(wav), wavHeaderSize+200)
	}
}

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	tests := []struct {
		callsign string
		want     string
	}{
		{"November-One-Two-Three-Alpha-Bravo", "November-One-Two-Three-Alpha-Bravo-20260314-150926.wav"},
		{"Delta 42", "Delta-42-20260314-150926.wav"},
		{"../etc/passwd", "etcpasswd-20260314-150926.wav"},
		{"", "session-20260314-150926.wav"},
	}
	for _, tt := range tests {
		if got := FileName(tt.callsign, ts); got != tt.want {
			t.Errorf("FileName(%q): got %q, want %q", tt.callsign, got, tt.want)
		}
	}
}
