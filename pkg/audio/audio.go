// Package audio provides the PCM primitives shared by the capture, recording,
// and provider layers: frame and format types, sample-rate conversion, channel
// downmixing, additive mixing, and RMS level computation.
//
// All PCM throughout the module is 16-bit little-endian signed.
package audio

import "time"

// Standard sample rates used across the pipeline.
const (
	// CaptureRate is the microphone capture rate delivered to STT providers.
	CaptureRate = 16000

	// SynthesisRate is the PCM rate produced by speech synthesis providers.
	SynthesisRate = 24000

	// RecordingRate is the rate of the session recording mix.
	RecordingRate = 48000
)

// BlockSamples is the per-block sample count of the capture processing graph.
// Volume metering and STT forwarding operate on blocks of this size.
const BlockSamples = 4096

// Frame is a single chunk of audio flowing through the pipeline.
type Frame struct {
	// Data holds PCM bytes, or an encoded packet before decode.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for synthesis output).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
