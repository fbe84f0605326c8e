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

func TestGenerator_ParsesStructuredResponse(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{
			Content: `{
  "primary": "Climb and maintain one-zero thousand, November-One-Two-Three-Alpha-Bravo.",
  "alternatives": ["Up to one-zero thousand, November-One-Two-Three-Alpha-Bravo."],
  "confidence": 0.92
}`,
		}},
	}
	g := readback.NewGenerator(provider)

	got, err := g.Generate(context.Background(), readback.GenerateRequest{
		Instruction: "November-One-Two-Three-Alpha-Bravo, climb and maintain one-zero thousand.",
		Callsign:    "November-One-Two-Three-Alpha-Bravo",
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !strings.HasPrefix(got.Primary, "Climb and maintain") {
		t.Errorf("primary = %q", got.Primary)
	}
	if len(got.Alternatives) != 1 {
		t.Errorf("alternatives = %v", got.Alternatives)
	}
	if got.Confidence != 0.92 {
		t.Errorf("confidence = %f, want 0.92", got.Confidence)
	}
}

func TestGenerator_PromptCarriesCallsignAndInstruction(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{Content: `{"primary": "x", "confidence": 1}`}},
	}
	g := readback.NewGenerator(provider)

	_, err := g.Generate(context.Background(), readback.GenerateRequest{
		Instruction: "hold short of Runway Two-Seven",
		Callsign:    "Delta-Four-Two",
		History: []conversation.Entry{
			{Speaker: conversation.SpeakerController, Text: "taxi via alpha"},
		},
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "Delta-Four-Two") {
		t.Errorf("system prompt missing callsign:\n%s", req.SystemPrompt)
	}
	if !req.ForceJSON {
		t.Error("request should set ForceJSON")
	}
	if !strings.Contains(req.Messages[0].Content, "hold short of Runway Two-Seven") {
		t.Errorf("user message missing instruction: %s", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[0].Content, "taxi via alpha") {
		t.Errorf("user message missing history context: %s", req.Messages[0].Content)
	}
}

func TestGenerator_UnstructuredReplyFallsBackToRawText(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{
			Content: "Runway Two-Two Right, cleared for takeoff, Delta-Four-Two.\n",
		}},
	}
	g := readback.NewGenerator(provider)

	got, err := g.Generate(context.Background(), readback.GenerateRequest{
		Instruction: "Delta-Four-Two, Runway Two-Two Right, cleared for takeoff.",
		Callsign:    "Delta-Four-Two",
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got.Primary != "Runway Two-Two Right, cleared for takeoff, Delta-Four-Two." {
		t.Errorf("primary = %q", got.Primary)
	}
	if got.Confidence != 0.5 {
		t.Errorf("confidence = %f, want reduced 0.5", got.Confidence)
	}
}

func TestGenerator_StripsMarkdownFences(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Responses: []*llm.CompletionResponse{{
			Content: "```json\n{\"primary\": \"Heading three-six-zero, Delta-Four-Two.\", \"confidence\": 0.8}\n```",
		}},
	}
	g := readback.NewGenerator(provider)

	got, err := g.Generate(context.Background(), readback.GenerateRequest{
		Instruction: "Delta-Four-Two, fly heading three-six-zero.",
		Callsign:    "Delta-Four-Two",
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got.Primary != "Heading three-six-zero, Delta-Four-Two." {
		t.Errorf("primary = %q", got.Primary)
	}
}

func TestGenerator_PropagatesProviderError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend down")
	provider := &mock.Provider{CompleteErr: wantErr}
	g := readback.NewGenerator(provider)

	_, err := g.Generate(context.Background(), readback.GenerateRequest{
		Instruction: "climb and maintain eight thousand",
		Callsign:    "Delta-Four-Two",
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want wrapped %v", err, wantErr)
	}
}

func TestGenerator_RejectsEmptyInstruction(t *testing.T) {
	t.Parallel()

	g := readback.NewGenerator(&mock.Provider{})
	if _, err := g.Generate(context.Background(), readback.GenerateRequest{Callsign: "x"}); err == nil {
		t.Error("empty instruction should fail")
	}
}
