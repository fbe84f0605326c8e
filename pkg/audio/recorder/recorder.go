// Package recorder captures a session recording: microphone audio and
// synthesized read-back speech mixed into a single mono PCM timeline,
// exported as a WAV artifact when the session ends.
//
// The mix runs at its own sample rate (48 kHz by default), independent of the
// 16 kHz capture graph and the 24 kHz synthesis output; writers resample on
// the way in. Recording is best-effort by design: a Recorder never fails a
// live turn, it only accumulates what it is given.
package recorder

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxatc/voxatc/pkg/audio"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("recorder: recording is closed")

// Recorder accumulates a mono PCM mix of mic and speech audio.
// Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	rate   int
	mix    []byte
	micPos int
	closed bool
}

// New creates a Recorder mixing at the given sample rate. A non-positive
// rate selects audio.RecordingRate.
func New(sampleRate int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = audio.RecordingRate
	}
	return &Recorder{rate: sampleRate}
}

// SampleRate returns the rate of the recording mix.
func (r *Recorder) SampleRate() int { return r.rate }

// WriteMic appends a chunk of mono mic PCM recorded at srcRate. Mic audio
// advances the recording timeline; where synthesized speech has already been
// laid down ahead of the cursor, the two are mixed additively.
func (r *Recorder) WriteMic(pcm []byte, srcRate int) error {
	data := audio.ResampleMono16(pcm, srcRate, r.rate)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	end := r.micPos + len(data)
	if end > len(r.mix) {
		grown := make([]byte, end)
		copy(grown, r.mix)
		r.mix = grown
	}
	mixed := audio.MixPCM16(r.mix[r.micPos:end], data)
	copy(r.mix[r.micPos:end], mixed)
	r.micPos = end
	return nil
}

// WriteSpeech overlays a synthesized speech clip recorded at srcRate onto
// the timeline starting at the current mic position, extending the mix if the
// clip runs past the end. The mic cursor does not move; live mic audio keeps
// mixing over the clip as it is captured.
func (r *Recorder) WriteSpeech(pcm []byte, srcRate int) error {
	data := audio.ResampleMono16(pcm, srcRate, r.rate)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	end := r.micPos + len(data)
	if end > len(r.mix) {
		grown := make([]byte, end)
		copy(grown, r.mix)
		r.mix = grown
	}
	mixed := audio.MixPCM16(r.mix[r.micPos:end], data)
	copy(r.mix[r.micPos:end], mixed)
	return nil
}

// Duration returns the length of the recorded timeline.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	samples := len(r.mix) / 2
	return time.Duration(samples) * time.Second / time.Duration(r.rate)
}

// Close stops the recording. Further writes fail with ErrClosed; the
// accumulated mix stays available through WAV. Calling Close more than once
// is safe.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// WAV returns the recording as a complete WAV file. Returns an error when
// nothing was recorded.
func (r *Recorder) WAV() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.mix) == 0 {
		return nil, errors.New("recorder: recording is empty")
	}
	out := make([]byte, 0, wavHeaderSize+len(r.mix))
	out = append(out, wavHeader(len(r.mix), r.rate, 1, 16)...)
	out = append(out, r.mix...)
	return out, nil
}

// FileName builds the artifact name for a recording finished at t:
// "<callsign>-<timestamp>.wav". The callsign is sanitised so the name is
// safe as a filesystem path segment.
func FileName(callsign string, t time.Time) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, callsign)
	if clean == "" {
		clean = "session"
	}
	return fmt.Sprintf("%s-%s.wav", clean, t.Format("20060102-150405"))
}
