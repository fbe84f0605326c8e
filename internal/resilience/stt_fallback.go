package resilience

import (
	"context"

	"github.com/voxatc/voxatc/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker. Only stream setup is
// covered by failover; once a session is established, mid-stream errors are the
// caller's responsibility.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first healthy
// provider. If the primary fails to start the stream, subsequent fallbacks are
// tried.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Discipline returns the transcript discipline of the first entry (the
// primary). Callers that need the discipline of the session actually serving
// them should track which provider won the failover; in practice mixed
// disciplines within one group are a configuration mistake.
func (f *STTFallback) Discipline() stt.Discipline {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Discipline()
	}
	return stt.DisciplineCumulative
}
