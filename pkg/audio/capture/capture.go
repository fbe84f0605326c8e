// Package capture manages acquisition and release of the microphone
// processing graph. A client (the browser page) streams its capture frames to
// the server; Acquire wires those frames through an optional Opus decode, a
// format normaliser, an RMS level meter, and a fixed-size block framer whose
// output feeds the active STT session. A parallel recording mix can be
// attached for session playback.
//
// Acquisition is stepwise: every step that can fail maps to a sentinel error
// so callers can distinguish a denied permission from a missing device or an
// unusable format. Release tears the graph down in reverse order, is safe on
// partially acquired handles, tolerates failures of individual steps, and is
// idempotent.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"layeh.com/gopus"

	"github.com/voxatc/voxatc/pkg/audio"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
)

// Failure taxonomy for Acquire. Sources report permission and device
// conditions through these sentinels; Acquire adds format validation.
var (
	// ErrPermissionDenied means the client refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrNoDevice means no usable input device exists on the client.
	ErrNoDevice = errors.New("capture: no input device")

	// ErrDeviceBusy means the capture graph is already acquired.
	ErrDeviceBusy = errors.New("capture: device busy")

	// ErrUnsupportedFormat means the requested constraints cannot be
	// satisfied.
	ErrUnsupportedFormat = errors.New("capture: unsupported format")
)

// Codec identifies the encoding of frames delivered by a Source.
type Codec int

const (
	// CodecPCM16 is raw 16-bit little-endian PCM.
	CodecPCM16 Codec = iota

	// CodecOpus is Opus packets, decoded server-side via gopus.
	CodecOpus
)

// maxOpusFrameSamples bounds a single decoded Opus frame (120 ms at 48 kHz).
const maxOpusFrameSamples = 5760

// Constraints describes the capture graph a caller wants.
type Constraints struct {
	// SampleRate is the PCM rate delivered on Handles.PCM. Zero selects
	// audio.CaptureRate (16 kHz).
	SampleRate int

	// Channels is the delivered channel count. Zero selects mono. Only mono
	// output is supported; stereo sources are downmixed.
	Channels int

	// Codec is the encoding of source frames.
	Codec Codec

	// BlockSamples is the per-block sample count on Handles.PCM. Zero
	// selects audio.BlockSamples.
	BlockSamples int

	// Recording attaches a parallel recording mix to the handles.
	Recording bool

	// RecordingRate is the recording mix rate. Zero selects
	// audio.RecordingRate (48 kHz).
	RecordingRate int

	// Recorder, when set with Recording, receives the mix instead of a
	// recorder owned by the handles. A shared recorder spans multiple
	// acquisitions (one artifact per session) and is not closed on Release.
	Recorder *recorder.Recorder
}

// Source is a client audio stream. Frames carries encoded or PCM frames
// until the stream ends; Close detaches the stream. Implementations must
// make Close idempotent.
type Source interface {
	Frames() <-chan audio.Frame
	Close() error
}

// OpenFunc opens the client audio stream. It reports permission and device
// failures via the package sentinels (possibly wrapped).
type OpenFunc func(ctx context.Context) (Source, error)

// Manager owns the single capture graph. Acquire fails with ErrDeviceBusy
// while a previous acquisition has not been released. Safe for concurrent
// use.
type Manager struct {
	open OpenFunc

	mu     sync.Mutex
	active *Handles
}

// NewManager creates a Manager that opens client streams via open.
func NewManager(open OpenFunc) *Manager {
	return &Manager{open: open}
}

// Acquire builds the capture graph. On any failure the partially built graph
// is torn down before the error is returned, so a failed Acquire never leaks
// resources.
func (m *Manager) Acquire(ctx context.Context, c Constraints) (*Handles, error) {
	if c.SampleRate == 0 {
		c.SampleRate = audio.CaptureRate
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.BlockSamples == 0 {
		c.BlockSamples = audio.BlockSamples
	}
	if c.RecordingRate == 0 {
		c.RecordingRate = audio.RecordingRate
	}
	if c.SampleRate < 8000 || c.Channels != 1 {
		return nil, fmt.Errorf("%w: %dHz %dch output", ErrUnsupportedFormat, c.SampleRate, c.Channels)
	}
	if c.Codec != CodecPCM16 && c.Codec != CodecOpus {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrUnsupportedFormat, c.Codec)
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	// Reserve the slot before the blocking open so concurrent Acquires fail
	// fast instead of racing.
	h := &Handles{
		manager: m,
		pcm:     make(chan []byte, 32),
		meter:   audio.NewMeter(meterInterval),
		done:    make(chan struct{}),
	}
	m.active = h
	m.mu.Unlock()

	source, err := m.open(ctx)
	if err != nil {
		m.Release(h)
		return nil, fmt.Errorf("capture: open source: %w", err)
	}
	h.source = source

	if c.Codec == CodecOpus {
		dec, err := gopus.NewDecoder(c.SampleRate, c.Channels)
		if err != nil {
			m.Release(h)
			return nil, fmt.Errorf("%w: opus decoder: %v", ErrUnsupportedFormat, err)
		}
		h.decoder = dec
	}

	if c.Recording {
		if c.Recorder != nil {
			h.rec = c.Recorder
		} else {
			h.rec = recorder.New(c.RecordingRate)
			h.recOwned = true
		}
	}

	h.wg.Add(1)
	go h.pump(c)

	return h, nil
}

// Release tears down the graph behind h. Each teardown step is guarded:
// a failing or panicking step is logged and the remaining steps still run.
// Safe to call multiple times, on partially acquired handles, and with nil.
func (m *Manager) Release(h *Handles) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("capture: release step panicked", "step", name, "panic", r)
			}
		}()
		if err := fn(); err != nil {
			slog.Warn("capture: release step failed", "step", name, "error", err)
		}
	}

	// Stop the client stream first so the pump drains and exits.
	if h.source != nil {
		step("source", h.source.Close)
	}
	step("pump", func() error {
		close(h.done)
		h.wg.Wait()
		return nil
	})
	step("meter", func() error {
		h.meter.Reset()
		return nil
	})
	if h.rec != nil && h.recOwned {
		step("recorder", h.rec.Close)
	}

	m.mu.Lock()
	if m.active == h {
		m.active = nil
	}
	m.mu.Unlock()
}

// meterInterval throttles level publication to roughly display frame rate.
const meterInterval = 33 * time.Millisecond

// Handles owns a live capture graph. Obtain via Manager.Acquire; release via
// Manager.Release.
type Handles struct {
	manager *Manager

	source   Source
	decoder  *gopus.Decoder
	rec      *recorder.Recorder
	recOwned bool
	meter    *audio.Meter

	pcm      chan []byte
	done     chan struct{}
	wg       sync.WaitGroup
	released atomic.Bool
}

// PCM returns the channel of fixed-size mono PCM blocks. The channel is
// closed when the source ends or the handles are released.
func (h *Handles) PCM() <-chan []byte { return h.pcm }

// Level returns the current mic level in [0.0, 1.0].
func (h *Handles) Level() float64 { return h.meter.Level() }

// Recorder returns the attached recording mix, or nil when recording was not
// requested.
func (h *Handles) Recorder() *recorder.Recorder { return h.rec }

// Released reports whether the handles have been released.
func (h *Handles) Released() bool { return h.released.Load() }

// pump is the single goroutine that moves frames from the source through
// decode, normalisation, metering, recording, and framing.
func (h *Handles) pump(c Constraints) {
	defer h.wg.Done()
	defer close(h.pcm)

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: c.SampleRate, Channels: 1}}
	framer := audio.NewFramer(c.BlockSamples)

	emit := func(block []byte) bool {
		h.meter.Update(block)
		if h.rec != nil {
			if err := h.rec.WriteMic(block, c.SampleRate); err != nil && !errors.Is(err, recorder.ErrClosed) {
				slog.Warn("capture: recording write failed", "error", err)
			}
		}
		select {
		case h.pcm <- block:
			return true
		case <-h.done:
			return false
		}
	}

	frames := h.source.Frames()
	for {
		select {
		case <-h.done:
			return
		case frame, ok := <-frames:
			if !ok {
				if rest := framer.Flush(); len(rest) > 0 {
					emit(rest)
				}
				return
			}

			if c.Codec == CodecOpus {
				decoded, err := h.decodeOpus(frame)
				if err != nil {
					slog.Debug("capture: dropping undecodable packet", "error", err)
					continue
				}
				frame = decoded
			}

			norm := conv.Convert(frame)
			if len(norm.Data) == 0 {
				continue
			}
			for _, block := range framer.Push(norm.Data) {
				if !emit(block) {
					return
				}
			}
		}
	}
}

// decodeOpus decodes a single Opus packet into a PCM frame at the packet's
// declared rate.
func (h *Handles) decodeOpus(frame audio.Frame) (audio.Frame, error) {
	samples, err := h.decoder.Decode(frame.Data, maxOpusFrameSamples, frame.Channels == 2)
	if err != nil {
		return audio.Frame{}, err
	}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return audio.Frame{
		Data:       pcm,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Timestamp:  frame.Timestamp,
	}, nil
}
