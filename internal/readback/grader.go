package readback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/pkg/provider/llm"
)

// UnavailableSummary is the feedback summary used when grading could not be
// performed. The verdict fails closed to INCORRECT so a broken grader never
// green-lights a read-back.
const UnavailableSummary = "Could not verify read-back accuracy at this time."

// CorrectSummary is the fixed summary attached to a CORRECT verdict.
const CorrectSummary = "Read-back is correct."

// GradeRequest carries the inputs for one accuracy grading.
type GradeRequest struct {
	// Instruction is the original controller transmission.
	Instruction string

	// Readback is the pilot read-back under assessment.
	Readback string

	// ExpectedReadback is the scenario's model answer, set in training mode.
	// When present it is included in the prompt and enables the local
	// similarity fallback.
	ExpectedReadback string

	// Language is the BCP 47 tag of the exchange.
	Language string
}

// gradeResponse is the expected JSON structure returned by the model.
type gradeResponse struct {
	Accuracy           string   `json:"accuracy"`
	FeedbackSummary    string   `json:"feedback_summary"`
	DetailedFeedback   string   `json:"detailed_feedback"`
	CorrectPhraseology string   `json:"correct_phraseology"`
	PhraseAnalysis     []struct {
		Text     string `json:"text"`
		Correct  bool   `json:"correct"`
		Expected string `json:"expected"`
	} `json:"phrase_analysis"`
	CommonPitfalls []string `json:"common_pitfalls"`
	FurtherReading string   `json:"further_reading"`
}

// GraderOption is a functional option for configuring a [Grader].
type GraderOption func(*Grader)

// WithGraderTemperature sets the sampling temperature. Default: 0.2.
func WithGraderTemperature(temp float64) GraderOption {
	return func(g *Grader) {
		g.temperature = temp
	}
}

// WithLocalFallback installs a [LocalGrader] used when the model grading
// fails and an expected read-back is available to compare against.
func WithLocalFallback(local *LocalGrader) GraderOption {
	return func(g *Grader) {
		g.local = local
	}
}

// Grader assesses pilot read-backs against controller instructions using an
// [llm.Provider]. Safe for concurrent use.
type Grader struct {
	llm         llm.Provider
	local       *LocalGrader
	temperature float64
}

// NewGrader returns a Grader backed by the given [llm.Provider].
func NewGrader(provider llm.Provider, opts ...GraderOption) *Grader {
	g := &Grader{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Grade assesses req.Readback against req.Instruction.
//
// The returned Feedback is always usable: when the model call fails or its
// reply cannot be parsed, Grade falls back to the local similarity grader
// (when configured and an expected read-back is present) or to a fail-closed
// INCORRECT verdict with [UnavailableSummary]. The returned error reports the
// degraded cause for logging; callers should attach the feedback regardless.
func (g *Grader) Grade(ctx context.Context, req GradeRequest) (conversation.Feedback, error) {
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: gradeSystemPrompt,
		Temperature:  g.temperature,
		ForceJSON:    true,
		Messages: []llm.Message{
			{Role: "user", Content: buildGradeMessage(req)},
		},
	})
	if err != nil {
		return g.fallback(req), fmt.Errorf("readback: grade: %w", err)
	}

	fb, parseErr := parseGradeResponse(resp.Content)
	if parseErr != nil {
		return g.fallback(req), fmt.Errorf("readback: grade: %w", parseErr)
	}
	return fb, nil
}

// fallback returns the best available feedback when model grading failed.
func (g *Grader) fallback(req GradeRequest) conversation.Feedback {
	if g.local != nil && strings.TrimSpace(req.ExpectedReadback) != "" {
		return g.local.Grade(req.Readback, req.ExpectedReadback)
	}
	return FailClosed()
}

// FailClosed returns the feedback used when no grading path is available.
func FailClosed() conversation.Feedback {
	return conversation.Feedback{
		Accuracy: conversation.AccuracyIncorrect,
		Summary:  UnavailableSummary,
	}
}

// buildGradeMessage formats the user message for the grading prompt.
func buildGradeMessage(req GradeRequest) string {
	var sb strings.Builder
	sb.WriteString("Original ATC Instruction:\n\"")
	sb.WriteString(req.Instruction)
	sb.WriteString("\"\n\nPilot's Read-back:\n\"")
	sb.WriteString(req.Readback)
	sb.WriteString("\"\n")
	if req.ExpectedReadback != "" {
		sb.WriteString("\nReference Read-back (the expected answer):\n\"")
		sb.WriteString(req.ExpectedReadback)
		sb.WriteString("\"\n")
	}
	return sb.String()
}

// parseGradeResponse unmarshals the model output into a
// [conversation.Feedback], validating the verdict vocabulary.
func parseGradeResponse(content string) (conversation.Feedback, error) {
	var r gradeResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return conversation.Feedback{}, fmt.Errorf("parse response: %w", err)
	}

	accuracy := conversation.Accuracy(strings.ToUpper(strings.TrimSpace(r.Accuracy)))
	if !accuracy.IsValid() {
		return conversation.Feedback{}, fmt.Errorf("parse response: unknown verdict %q", r.Accuracy)
	}

	fb := conversation.Feedback{
		Accuracy: accuracy,
		Summary:  strings.TrimSpace(r.FeedbackSummary),
	}
	if accuracy == conversation.AccuracyCorrect {
		if fb.Summary == "" {
			fb.Summary = CorrectSummary
		}
		return fb, nil
	}

	fb.Detail = r.DetailedFeedback
	fb.CorrectPhraseology = r.CorrectPhraseology
	fb.CommonPitfalls = r.CommonPitfalls
	fb.FurtherReading = r.FurtherReading
	for _, p := range r.PhraseAnalysis {
		fb.Segments = append(fb.Segments, conversation.PhraseSegment{
			Text:     p.Text,
			Correct:  p.Correct,
			Expected: p.Expected,
		})
	}
	if fb.Summary == "" {
		fb.Summary = "Read-back does not match the instruction."
	}
	return fb, nil
}
