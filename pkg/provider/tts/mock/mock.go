// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed a controlled PCM clip to consumers and to verify the
// text and VoiceProfile passed to synthesis.
package mock

import (
	"context"
	"sync"

	"github.com/voxatc/voxatc/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is the PCM clip returned by Synthesize. If nil and
	// SynthesizeErr is nil, a small non-empty placeholder clip is returned.
	SynthesizeResult []byte

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// Format is returned by OutputFormat. Defaults to 24 kHz mono when zero.
	Format tts.Format

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns SynthesizeResult, SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.SynthesizeResult != nil {
		out := make([]byte, len(p.SynthesizeResult))
		copy(out, p.SynthesizeResult)
		return out, nil
	}
	return []byte{0, 0, 0, 0}, nil
}

// OutputFormat returns Format, defaulting to 24 kHz mono.
func (p *Provider) OutputFormat() tts.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Format.SampleRate == 0 {
		return tts.Format{SampleRate: 24000, Channels: 1}
	}
	return p.Format
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
