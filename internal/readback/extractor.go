package readback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxatc/voxatc/pkg/provider/llm"
)

// ExtractorOption is a functional option for configuring an [Extractor].
type ExtractorOption func(*Extractor)

// WithExtractorTemperature sets the sampling temperature. Default: 0.2.
func WithExtractorTemperature(temp float64) ExtractorOption {
	return func(e *Extractor) {
		e.temperature = temp
	}
}

// Extractor detects the aircraft callsign addressed by a controller
// transmission, distinguishing it from facility identifiers. Safe for
// concurrent use.
type Extractor struct {
	llm         llm.Provider
	temperature float64
}

// NewExtractor returns an Extractor backed by the given [llm.Provider].
func NewExtractor(provider llm.Provider, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// extractResponse is the expected JSON structure returned by the model.
// Callsign is a pointer so an explicit null decodes to "no callsign".
type extractResponse struct {
	Callsign *string `json:"callsign"`
}

// Extract returns the aircraft callsign found in text, or "" when the
// transmission does not address a specific aircraft.
//
// An unparseable model reply degrades to "" with a nil error; turns proceed
// with the configured callsign. Transport errors are returned as non-nil.
func (e *Extractor) Extract(ctx context.Context, text, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(extractSystemPrompt, languageOrDefault(language)),
		Temperature:  e.temperature,
		ForceJSON:    true,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf("Transmission: %q", text)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("readback: extract callsign: %w", err)
	}

	var parsed extractResponse
	if err := json.Unmarshal([]byte(stripMarkdown(resp.Content)), &parsed); err != nil {
		return "", nil //nolint:nilerr // intentional graceful fallback
	}
	if parsed.Callsign == nil {
		return "", nil
	}
	return strings.TrimSpace(*parsed.Callsign), nil
}
