package readback_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/readback"
	"github.com/voxatc/voxatc/pkg/provider/llm"
	"github.com/voxatc/voxatc/pkg/provider/llm/mock"
)

func TestGrader_CorrectVerdict(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{
			Content: `{"accuracy": "CORRECT", "feedback_summary": "Read-back is correct."}`,
		}},
	}
	g := readback.NewGrader(provider)

	fb, err := g.Grade(context.Background(), readback.GradeRequest{
		Instruction: "Delta-Four-Two, climb and maintain eight thousand.",
		Readback:    "Climb and maintain eight thousand, Delta-Four-Two.",
	})
	if err != nil {
		t.Fatalf("Grade returned error: %v", err)
	}
	if fb.Accuracy != conversation.AccuracyCorrect {
		t.Errorf("accuracy = %q", fb.Accuracy)
	}
	if fb.Summary != readback.CorrectSummary {
		t.Errorf("summary = %q", fb.Summary)
	}
	if fb.Detail != "" || fb.CorrectPhraseology != "" {
		t.Error("CORRECT verdict should omit instructional fields")
	}
}

func TestGrader_IncorrectVerdictCarriesDebrief(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{
			Content: `{
  "accuracy": "INCORRECT",
  "feedback_summary": "The altitude was read back wrong.",
  "detailed_feedback": "You said nine thousand; the clearance was eight thousand.",
  "correct_phraseology": "Climb and maintain eight thousand, Delta-Four-Two.",
  "phrase_analysis": [
    {"text": "Climb and maintain", "correct": true},
    {"text": "nine thousand", "correct": false, "expected": "eight thousand"}
  ],
  "common_pitfalls": ["Transposing similar-sounding altitudes."],
  "further_reading": "AIM 4-2-3"
}`,
		}},
	}
	g := readback.NewGrader(provider)

	fb, err := g.Grade(context.Background(), readback.GradeRequest{
		Instruction: "Delta-Four-Two, climb and maintain eight thousand.",
		Readback:    "Climb and maintain nine thousand, Delta-Four-Two.",
	})
	if err != nil {
		t.Fatalf("Grade returned error: %v", err)
	}
	if fb.Accuracy != conversation.AccuracyIncorrect {
		t.Fatalf("accuracy = %q", fb.Accuracy)
	}
	if fb.Detail == "" || fb.CorrectPhraseology == "" || fb.FurtherReading != "AIM 4-2-3" {
		t.Errorf("debrief fields missing: %+v", fb)
	}
	if len(fb.Segments) != 2 || fb.Segments[1].Expected != "eight thousand" {
		t.Errorf("segments = %+v", fb.Segments)
	}
	if len(fb.CommonPitfalls) != 1 {
		t.Errorf("pitfalls = %v", fb.CommonPitfalls)
	}
}

func TestGrader_PartiallyCorrectVerdict(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{
			Content: `{"accuracy": "PARTIALLY_CORRECT", "feedback_summary": "Callsign omitted."}`,
		}},
	}
	g := readback.NewGrader(provider)

	fb, err := g.Grade(context.Background(), readback.GradeRequest{
		Instruction: "x",
		Readback:    "y",
	})
	if err != nil {
		t.Fatalf("Grade returned error: %v", err)
	}
	if fb.Accuracy != conversation.AccuracyPartiallyCorrect {
		t.Errorf("accuracy = %q", fb.Accuracy)
	}
}

func TestGrader_ProviderErrorFailsClosed(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend down")
	g := readback.NewGrader(&mock.Provider{CompleteErr: wantErr})

	fb, err := g.Grade(context.Background(), readback.GradeRequest{
		Instruction: "x",
		Readback:    "y",
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want wrapped %v", err, wantErr)
	}
	if fb.Accuracy != conversation.AccuracyIncorrect {
		t.Errorf("accuracy = %q, want fail-closed INCORRECT", fb.Accuracy)
	}
	if fb.Summary != readback.UnavailableSummary {
		t.Errorf("summary = %q", fb.Summary)
	}
}

func TestGrader_UnparseableReplyFailsClosed(t *testing.T) {
	t.Parallel()

	for _, content := range []string{
		"I think the read-back sounds fine to me!",
		`{"accuracy": "MAYBE", "feedback_summary": "?"}`,
	} {
		g := readback.NewGrader(&mock.Provider{
			Responses: []*llm.CompletionResponse{{Content: content}},
		})
		fb, err := g.Grade(context.Background(), readback.GradeRequest{Instruction: "x", Readback: "y"})
		if err == nil {
			t.Errorf("%q: expected a degraded-path error", content)
		}
		if fb.Accuracy != conversation.AccuracyIncorrect || fb.Summary != readback.UnavailableSummary {
			t.Errorf("%q: feedback = %+v, want fail-closed", content, fb)
		}
	}
}

func TestGrader_LocalFallbackWhenExpectedKnown(t *testing.T) {
	t.Parallel()

	g := readback.NewGrader(
		&mock.Provider{CompleteErr: errors.New("backend down")},
		readback.WithLocalFallback(readback.NewLocalGrader(0.85)),
	)

	expected := "Climb and maintain eight thousand, Delta-Four-Two."
	fb, err := g.Grade(context.Background(), readback.GradeRequest{
		Instruction:      "Delta-Four-Two, climb and maintain eight thousand.",
		Readback:         expected,
		ExpectedReadback: expected,
	})
	if err == nil {
		t.Error("degraded path should still report the cause")
	}
	if fb.Accuracy != conversation.AccuracyCorrect {
		t.Errorf("accuracy = %q, want CORRECT from local fallback", fb.Accuracy)
	}
}

func TestGrader_PromptCarriesBothTransmissions(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{Content: `{"accuracy": "CORRECT", "feedback_summary": "ok"}`}},
	}
	g := readback.NewGrader(provider)

	_, err := g.Grade(context.Background(), readback.GradeRequest{
		Instruction:      "hold short of Runway Two-Seven",
		Readback:         "holding short Runway Two-Seven",
		ExpectedReadback: "Holding short Runway Two-Seven, Delta-Four-Two.",
	})
	if err != nil {
		t.Fatalf("Grade returned error: %v", err)
	}

	msg := provider.CompleteCalls[0].Req.Messages[0].Content
	for _, want := range []string{"hold short of Runway Two-Seven", "holding short Runway Two-Seven", "Delta-Four-Two"} {
		if !strings.Contains(msg, want) {
			t.Errorf("user message missing %q:\n%s", want, msg)
		}
	}
}
