// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g. Gemini Live or
// a local whisper.cpp model) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw PCM
// audio chunks and emits a stream of Fragment values: interim fragments for
// live display, final fragments for the transcript, and a turn-complete signal
// when the service decides the speaker has finished.
//
// Providers differ in how successive fragments relate to each other; the
// Discipline method declares which accumulation rule the consumer must apply.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Capture delivers 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT services). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US",
	// "fr-FR"). An empty string lets the provider auto-detect, if supported.
	Language string

	// Hints lists vocabulary that should be favoured during recognition,
	// such as the active callsign and aviation phraseology. Providers without
	// a hinting mechanism ignore it.
	Hints []string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Fragments returns a read-only channel that emits Fragment values as
	// recognition progresses. Interim and final fragments arrive in order; a
	// fragment with TurnComplete set marks the service-detected end of the
	// speaker's turn. The channel is closed when the session ends.
	Fragments() <-chan Fragment

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Fragments channel
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Discipline declares how successive fragments from this provider's
	// sessions must be accumulated into an utterance.
	Discipline() Discipline
}
