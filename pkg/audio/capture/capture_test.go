package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxatc/voxatc/pkg/audio"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
)

// fakeSource is a Source backed by a plain channel, counting Close calls.
type fakeSource struct {
	mu       sync.Mutex
	frames   chan audio.Frame
	closed   int
	closeErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan audio.Frame, 16)}
}

func (s *fakeSource) Frames() <-chan audio.Frame { return s.frames }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	if s.closed == 1 {
		close(s.frames)
	}
	return s.closeErr
}

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func pcmBlock(samples int, value int16) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		out[i*2] = byte(value)
		out[i*2+1] = byte(value >> 8)
	}
	return out
}

func TestAcquireDeliversBlocks(t *testing.T) {
	src := newFakeSource()
	m := NewManager(func(context.Context) (Source, error) { return src, nil })

	h, err := m.Acquire(context.Background(), Constraints{BlockSamples: 128})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(h)

	// Two source frames of 100 samples → 200 samples → one 128-sample block.
	for range 2 {
		src.frames <- audio.Frame{Data: pcmBlock(100, 1000), SampleRate: 16000, Channels: 1}
	}

	select {
	case block := <-h.PCM():
		if len(block) != 128*2 {
			t.Errorf("block size: got %d bytes, want 256", len(block))
		}
	case <-time.After(time.Second):
		t.Fatal("no block delivered")
	}

	if h.Level() == 0 {
		t.Error("meter should have registered a non-silent level")
	}
}

func TestAcquireWhileActiveReturnsDeviceBusy(t *testing.T) {
	m := NewManager(func(context.Context) (Source, error) { return newFakeSource(), nil })

	h, err := m.Acquire(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(h)

	if _, err := m.Acquire(context.Background(), Constraints{}); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("second Acquire: got %v, want ErrDeviceBusy", err)
	}
}

func TestAcquireUnsupportedFormat(t *testing.T) {
	m := NewManager(func(context.Context) (Source, error) { return newFakeSource(), nil })

	if _, err := m.Acquire(context.Background(), Constraints{Channels: 2}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("stereo output: got %v, want ErrUnsupportedFormat", err)
	}
	if _, err := m.Acquire(context.Background(), Constraints{SampleRate: 4000}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("low rate: got %v, want ErrUnsupportedFormat", err)
	}
	if _, err := m.Acquire(context.Background(), Constraints{Codec: Codec(99)}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("bad codec: got %v, want ErrUnsupportedFormat", err)
	}
}

func TestAcquirePropagatesPermissionDenied(t *testing.T) {
	m := NewManager(func(context.Context) (Source, error) {
		return nil, ErrPermissionDenied
	})

	_, err := m.Acquire(context.Background(), Constraints{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}

	// The failed acquisition must not leave the slot reserved.
	src := newFakeSource()
	m.open = func(context.Context) (Source, error) { return src, nil }
	h, err := m.Acquire(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Acquire after failure: %v", err)
	}
	m.Release(h)
}

func TestReleaseIsIdempotent(t *testing.T) {
	src := newFakeSource()
	m := NewManager(func(context.Context) (Source, error) { return src, nil })

	h, err := m.Acquire(context.Background(), Constraints{Recording: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	m.Release(h)
	m.Release(h)
	m.Release(h)

	if got := src.closeCount(); got != 1 {
		t.Errorf("source close count: got %d, want 1", got)
	}
	if !h.Released() {
		t.Error("handles should report released")
	}
	if h.Level() != 0 {
		t.Errorf("meter after release: got %f, want 0", h.Level())
	}

	// The PCM channel must end so consumers unblock.
	select {
	case _, ok := <-h.PCM():
		if ok {
			// Drain any trailing block; the channel still has to close.
			for range h.PCM() {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("PCM channel did not close after release")
	}

	// The slot is free again.
	h2, err := m.Acquire(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	m.Release(h2)
}

func TestReleaseNilAndPartialHandles(t *testing.T) {
	m := NewManager(nil)

	// Must not panic.
	m.Release(nil)

	// A handle that never finished acquisition (no source, no pump).
	h := &Handles{manager: m, pcm: make(chan []byte), meter: audio.NewMeter(0), done: make(chan struct{})}
	m.Release(h)
	m.Release(h)
}

func TestReleaseSurvivesFailingSteps(t *testing.T) {
	src := newFakeSource()
	src.closeErr = errors.New("transport already gone")
	m := NewManager(func(context.Context) (Source, error) { return src, nil })

	h, err := m.Acquire(context.Background(), Constraints{Recording: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The failing source step must not prevent the rest of the teardown.
	m.Release(h)

	if !h.Released() {
		t.Error("handles should report released despite step failure")
	}
	if _, err := m.Acquire(context.Background(), Constraints{}); err != nil {
		t.Errorf("slot not freed after failing release: %v", err)
	}
}

func TestRecordingAttachedOnRequest(t *testing.T) {
	src := newFakeSource()
	m := NewManager(func(context.Context) (Source, error) { return src, nil })

	h, err := m.Acquire(context.Background(), Constraints{Recording: true, BlockSamples: 64})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(h)

	if h.Recorder() == nil {
		t.Fatal("recorder missing")
	}

	src.frames <- audio.Frame{Data: pcmBlock(64, 500), SampleRate: 16000, Channels: 1}
	select {
	case <-h.PCM():
	case <-time.After(time.Second):
		t.Fatal("no block delivered")
	}

	if h.Recorder().Duration() == 0 {
		t.Error("mic audio should have reached the recording mix")
	}
}

func TestNoRecorderByDefault(t *testing.T) {
	m := NewManager(func(context.Context) (Source, error) { return newFakeSource(), nil })
	h, err := m.Acquire(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(h)
	if h.Recorder() != nil {
		t.Error("recorder should be nil unless requested")
	}
}

func TestSharedRecorderSurvivesRelease(t *testing.T) {
	rec := recorder.New(0)
	defer rec.Close()

	m := NewManager(func(context.Context) (Source, error) { return newFakeSource(), nil })
	h, err := m.Acquire(context.Background(), Constraints{Recording: true, Recorder: rec})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Recorder() != rec {
		t.Fatal("handles should expose the caller's recorder")
	}
	m.Release(h)

	if err := rec.WriteMic(pcmBlock(160, 200), 16000); err != nil {
		t.Errorf("caller-owned recorder closed on Release: %v", err)
	}
}

func TestOwnedRecorderClosedOnRelease(t *testing.T) {
	m := NewManager(func(context.Context) (Source, error) { return newFakeSource(), nil })
	h, err := m.Acquire(context.Background(), Constraints{Recording: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rec := h.Recorder()
	m.Release(h)

	if err := rec.WriteMic(pcmBlock(160, 200), 16000); !errors.Is(err, recorder.ErrClosed) {
		t.Errorf("WriteMic after Release = %v, want ErrClosed", err)
	}
}
