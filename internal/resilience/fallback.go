package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a chain failed or had an
// open circuit breaker, so the turn could not be served at all.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a provider chain.
type FallbackConfig struct {
	// Kind labels the chain in logs and breaker names ("stt", "llm",
	// "tts"). Optional; the typed wrappers set it.
	Kind string

	// CircuitBreaker is the per-provider breaker tuning, applied to every
	// entry in the chain.
	CircuitBreaker CircuitBreakerConfig
}

// chainEntry pairs a provider value with its dedicated circuit breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is a provider chain: a primary and zero or more fallbacks of
// the same provider type, tried in registration order. A provider whose
// breaker is open is skipped without being called, so one dead STT or LLM
// backend does not stall every turn waiting for its timeout.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []chainEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a chain with primary as the first entry. Fallbacks
// are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.entries = append(fg.entries, fg.newEntry(primaryName, primary))
	return fg
}

// AddFallback appends a fallback provider, tried after everything registered
// before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.entries = append(fg.entries, fg.newEntry(name, fallback))
}

func (fg *FallbackGroup[T]) newEntry(name string, value T) chainEntry[T] {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = breakerName(fg.cfg.Kind, name)
	return chainEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	}
}

// breakerName qualifies a provider name with its chain kind, so log lines
// read "stt/gemini-live" rather than a bare provider name.
func breakerName(kind, name string) string {
	if kind == "" {
		return name
	}
	return kind + "/" + name
}

// Execute tries fn against each provider in order until one succeeds.
// Returns [ErrAllFailed] wrapped with the last error when none did.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		fg.logFailure(entry.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each provider in the chain until one
// succeeds, returning the result value. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		fg.logFailure(entry.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) logFailure(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("provider skipped, circuit open",
			"kind", fg.cfg.Kind, "provider", name)
		return
	}
	slog.Warn("provider failed, trying next in chain",
		"kind", fg.cfg.Kind, "provider", name, "error", err)
}
