// Package readback runs the language-model stages of the read-back pipeline:
// callsign extraction, read-back generation, and accuracy grading, plus a
// local similarity grader that keeps grading available when the model is not.
//
// Each stage sends a structured-JSON prompt to an [llm.Provider] and parses
// the reply defensively: markdown fences are stripped, and an unparseable
// reply degrades to a usable result rather than surfacing an error on the
// turn path.
package readback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2

	// historyWindow bounds how many transcript entries are sent as context.
	historyWindow = 6
)

// GenerateRequest carries the inputs for one read-back generation.
type GenerateRequest struct {
	// Instruction is the transcribed controller transmission.
	Instruction string

	// Callsign is the active aircraft callsign the read-back must include.
	Callsign string

	// Language is the BCP 47 tag of the exchange (e.g. "en-US").
	Language string

	// History is recent transcript context, oldest first. May be empty.
	History []conversation.Entry
}

// Readback is the generation result.
type Readback struct {
	// Primary is the standard read-back for the instruction.
	Primary string

	// Alternatives holds acceptable alternative phrasings. May be empty.
	Alternatives []string

	// Confidence is the model's self-reported confidence in [0, 1].
	Confidence float64
}

// generateResponse is the expected JSON structure returned by the model.
type generateResponse struct {
	Primary      string   `json:"primary"`
	Alternatives []string `json:"alternatives"`
	Confidence   float64  `json:"confidence"`
}

// GeneratorOption is a functional option for configuring a [Generator].
type GeneratorOption func(*Generator)

// WithGeneratorTemperature sets the sampling temperature. Default: 0.2.
func WithGeneratorTemperature(temp float64) GeneratorOption {
	return func(g *Generator) {
		g.temperature = temp
	}
}

// Generator produces pilot read-backs for transcribed controller
// instructions. Safe for concurrent use.
type Generator struct {
	llm         llm.Provider
	temperature float64
}

// NewGenerator returns a Generator backed by the given [llm.Provider].
func NewGenerator(provider llm.Provider, opts ...GeneratorOption) *Generator {
	g := &Generator{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate asks the model for the standard read-back of req.Instruction.
//
// When the model reply is not the expected JSON shape, the raw reply text is
// used as the primary read-back with a reduced confidence, so a chatty model
// still yields a workable turn. Context cancellation and transport errors are
// returned as non-nil errors.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (Readback, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return Readback{}, fmt.Errorf("readback: generate: empty instruction")
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(generateSystemPrompt, req.Callsign, languageOrDefault(req.Language)),
		Temperature:  g.temperature,
		ForceJSON:    true,
		Messages: []llm.Message{
			{Role: "user", Content: buildGenerateMessage(req)},
		},
	})
	if err != nil {
		return Readback{}, fmt.Errorf("readback: generate: %w", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal([]byte(stripMarkdown(resp.Content)), &parsed); err != nil || strings.TrimSpace(parsed.Primary) == "" {
		// Unstructured reply: treat the whole text as the read-back.
		return Readback{
			Primary:    strings.TrimSpace(resp.Content),
			Confidence: 0.5,
		}, nil
	}

	return Readback{
		Primary:      strings.TrimSpace(parsed.Primary),
		Alternatives: parsed.Alternatives,
		Confidence:   clamp01(parsed.Confidence),
	}, nil
}

// buildGenerateMessage formats the user message, prefixing recent transcript
// context when available.
func buildGenerateMessage(req GenerateRequest) string {
	var sb strings.Builder
	if ctxLines := historyContext(req.History); ctxLines != "" {
		sb.WriteString("Recent exchange:\n")
		sb.WriteString(ctxLines)
		sb.WriteByte('\n')
	}
	sb.WriteString("ATC Instruction: \"")
	sb.WriteString(req.Instruction)
	sb.WriteString("\"")
	return sb.String()
}

// historyContext renders the tail of the transcript as speaker-prefixed
// lines.
func historyContext(history []conversation.Entry) string {
	if len(history) == 0 {
		return ""
	}
	start := len(history) - historyWindow
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, e := range history[start:] {
		sb.WriteString(string(e.Speaker))
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func languageOrDefault(lang string) string {
	if lang == "" {
		return "en-US"
	}
	return lang
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
