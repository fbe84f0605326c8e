// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and returns raw PCM audio
// for a complete utterance. Read-backs are short (a sentence or two) and are
// only played after grading succeeds, so the interface is awaited rather than
// streamed: the full clip is synthesised, then handed to playback and the
// session recording mix in one piece.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a complete clip of raw 16-bit
	// little-endian mono PCM at the rate reported by OutputFormat.
	//
	// Returns an error if synthesis fails or ctx is cancelled; a nil error
	// guarantees a non-empty clip.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// OutputFormat reports the PCM format of clips returned by Synthesize.
	// The result is constant for the lifetime of the Provider instance.
	OutputFormat() Format
}

// Format describes the PCM produced by a provider.
type Format struct {
	// SampleRate in Hz. Speech APIs commonly emit 24000.
	SampleRate int

	// Channels is the channel count; synthesis output is mono in practice.
	Channels int
}
