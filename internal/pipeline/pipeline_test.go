package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/pipeline"
	"github.com/voxatc/voxatc/internal/readback"
	"github.com/voxatc/voxatc/internal/scenario"
	"github.com/voxatc/voxatc/internal/turn"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
	"github.com/voxatc/voxatc/pkg/provider/llm"
	llmmock "github.com/voxatc/voxatc/pkg/provider/llm/mock"
	"github.com/voxatc/voxatc/pkg/provider/tts"
	ttsmock "github.com/voxatc/voxatc/pkg/provider/tts/mock"
)

// fakePlayer records the clips pushed to the output sink.
type fakePlayer struct {
	mu      sync.Mutex
	clips   [][]byte
	formats []tts.Format
	playErr error
}

func (p *fakePlayer) Play(_ context.Context, pcm []byte, format tts.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.clips = append(p.clips, pcm)
	p.formats = append(p.formats, format)
	return nil
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clips)
}

const (
	noCallsignReply  = `{"callsign": null}`
	correctReply     = `{"accuracy": "CORRECT", "feedback_summary": ""}`
	incorrectReply   = `{"accuracy": "INCORRECT", "feedback_summary": "Altitude was read back wrong.", "detailed_feedback": "The clearance was five thousand.", "correct_phraseology": "Climb and maintain five thousand."}`
	generationReply  = `{"primary": "Climb and maintain five thousand, November-One-Two-Three-Alpha-Bravo.", "alternatives": ["Up to five thousand, November-One-Two-Three-Alpha-Bravo."], "confidence": 0.95}`
	sampleCallsign   = "November-One-Two-Three-Alpha-Bravo"
	sampleInstruction = "November-One-Two-Three-Alpha-Bravo, climb and maintain five thousand."
)

type harness struct {
	seq       *pipeline.Sequencer
	extractor *llmmock.Provider
	generator *llmmock.Provider
	grader    *llmmock.Provider
	synth     *ttsmock.Provider
	player    *fakePlayer
	log       *conversation.Log
}

func newHarness(settings pipeline.Settings, opts ...pipeline.Option) *harness {
	h := &harness{
		extractor: &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: noCallsignReply}}},
		generator: &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: generationReply}}},
		grader:    &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: correctReply}}},
		synth:     &ttsmock.Provider{SynthesizeResult: []byte{1, 2, 3, 4}},
		player:    &fakePlayer{},
		log:       conversation.NewLog(),
	}
	h.seq = pipeline.NewSequencer(
		readback.NewExtractor(h.extractor),
		readback.NewGenerator(h.generator),
		readback.NewGrader(h.grader),
		h.synth,
		h.player,
		h.log,
		settings,
		opts...,
	)
	return h
}

func defaultSettings() pipeline.Settings {
	return pipeline.Settings{
		Callsign: sampleCallsign,
		Language: "en-US",
		Voice:    "Puck",
	}
}

func instructionUtterance() turn.Utterance {
	return turn.Utterance{Text: sampleInstruction, Confidence: 0.92}
}

// ── normal mode ──

func TestProcessTurn_CorrectReadbackIsSpoken(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	entries := h.log.Entries()
	if len(entries) != 2 {
		t.Fatalf("log has %d entries, want 2", len(entries))
	}
	if entries[0].Speaker != conversation.SpeakerController || entries[0].Text != sampleInstruction {
		t.Errorf("first entry = %+v, want controller instruction", entries[0])
	}
	pilot := entries[1]
	if pilot.Speaker != conversation.SpeakerPilot {
		t.Fatalf("second entry speaker = %q", pilot.Speaker)
	}
	if !strings.Contains(pilot.Text, "five thousand") {
		t.Errorf("pilot entry text = %q", pilot.Text)
	}
	if len(pilot.Alternatives) != 1 {
		t.Errorf("alternatives = %v", pilot.Alternatives)
	}
	if pilot.Feedback == nil || pilot.Feedback.Accuracy != conversation.AccuracyCorrect {
		t.Fatalf("feedback = %+v, want CORRECT", pilot.Feedback)
	}
	if pilot.Feedback.Summary != readback.CorrectSummary {
		t.Errorf("summary = %q", pilot.Feedback.Summary)
	}

	if got := h.synth.SynthesizeCallCount(); got != 1 {
		t.Fatalf("synthesize calls = %d, want 1", got)
	}
	if got := h.synth.SynthesizeCalls[0]; got.Text != pilot.Text || got.Voice.Name != "Puck" {
		t.Errorf("synthesized (%q, voice %q)", got.Text, got.Voice.Name)
	}
	if h.player.playCount() != 1 {
		t.Errorf("play calls = %d, want 1", h.player.playCount())
	}
}

func TestProcessTurn_IncorrectSkipsSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	h.grader.Responses = []*llm.CompletionResponse{{Content: incorrectReply}}

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	pilot := h.log.Entries()[1]
	if pilot.Feedback == nil || pilot.Feedback.Accuracy != conversation.AccuracyIncorrect {
		t.Fatalf("feedback = %+v, want INCORRECT", pilot.Feedback)
	}
	if got := h.synth.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesize calls = %d, want 0 for incorrect read-back", got)
	}
	if h.player.playCount() != 0 {
		t.Errorf("play calls = %d, want 0", h.player.playCount())
	}
}

func TestProcessTurn_GenerationFailureLeavesLogUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	h.generator.CompleteErr = errors.New("503 Service Unavailable")

	err := h.seq.ProcessTurn(context.Background(), instructionUtterance())
	if err == nil {
		t.Fatal("expected error from failed generation")
	}
	if h.log.Len() != 0 {
		t.Errorf("log has %d entries after failed generation, want 0", h.log.Len())
	}
	if got := h.synth.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesize calls = %d, want 0", got)
	}
}

func TestProcessTurn_GradingFailureDegrades(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	h.grader.CompleteErr = errors.New("429 Too Many Requests")

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("grading failure must not fail the turn: %v", err)
	}

	pilot := h.log.Entries()[1]
	if pilot.Feedback == nil {
		t.Fatal("pilot entry has no feedback block")
	}
	if pilot.Feedback.Accuracy != conversation.AccuracyIncorrect {
		t.Errorf("accuracy = %q, want fail-closed INCORRECT", pilot.Feedback.Accuracy)
	}
	if pilot.Feedback.Summary != readback.UnavailableSummary {
		t.Errorf("summary = %q", pilot.Feedback.Summary)
	}
	if got := h.synth.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesize calls = %d, want 0", got)
	}
}

func TestProcessTurn_SynthesisFailureIsSoft(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	h.synth.SynthesizeErr = errors.New("voice service down")

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("synthesis failure must not fail the turn: %v", err)
	}

	pilot := h.log.Entries()[1]
	if pilot.Feedback == nil || pilot.Feedback.Accuracy != conversation.AccuracyCorrect {
		t.Errorf("feedback = %+v, want CORRECT despite missing audio", pilot.Feedback)
	}
	if h.player.playCount() != 0 {
		t.Errorf("play calls = %d, want 0", h.player.playCount())
	}
}

func TestProcessTurn_DetectedCallsignUsedImmediately(t *testing.T) {
	t.Parallel()

	var detected string
	h := newHarness(defaultSettings(), pipeline.WithCallsignListener(func(cs string) { detected = cs }))
	h.extractor.Responses = []*llm.CompletionResponse{{Content: `{"callsign": "Delta-Four-Two"}`}}

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if detected != "Delta-Four-Two" {
		t.Errorf("callsign listener got %q", detected)
	}
	if len(h.generator.CompleteCalls) != 1 {
		t.Fatalf("generator calls = %d", len(h.generator.CompleteCalls))
	}
	if sys := h.generator.CompleteCalls[0].Req.SystemPrompt; !strings.Contains(sys, "Delta-Four-Two") {
		t.Error("generation should use the detected callsign for this turn")
	}
}

func TestProcessTurn_ExtractionFailureFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	h.extractor.CompleteErr = errors.New("connection refused")

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("extraction failure must not fail the turn: %v", err)
	}
	if sys := h.generator.CompleteCalls[0].Req.SystemPrompt; !strings.Contains(sys, sampleCallsign) {
		t.Error("generation should fall back to the configured callsign")
	}
}

func TestProcessTurn_SpeechOverlaysRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	rec := recorder.New(48000)
	defer rec.Close()

	u := instructionUtterance()
	u.Recorder = rec
	if err := h.seq.ProcessTurn(context.Background(), u); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if rec.Duration() == 0 {
		t.Error("synthesized speech should land in the recording mix")
	}
	if h.player.playCount() != 1 {
		t.Errorf("play calls = %d, want 1", h.player.playCount())
	}
}

func TestProcessTurn_StageOrder(t *testing.T) {
	t.Parallel()

	var stages []turn.Stage
	var mu sync.Mutex
	h := newHarness(defaultSettings(), pipeline.WithStageListener(func(st turn.Stage) {
		mu.Lock()
		stages = append(stages, st)
		mu.Unlock()
	}))

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	want := []turn.Stage{
		turn.StageExtraction, turn.StageGeneration, turn.StageGrading,
		turn.StageSynthesis, turn.StagePlayback,
	}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i, st := range want {
		if stages[i] != st {
			t.Errorf("stage[%d] = %v, want %v", i, stages[i], st)
		}
	}
}

// ── training mode ──

func trainingScenario() *scenario.Scenario {
	return &scenario.Scenario{
		ID:               "builtin-initial-taxi-clearance",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, taxi to runway two-seven via alpha.",
		ExpectedReadback: "Taxi to runway two-seven via alpha, November-One-Two-Three-Alpha-Bravo.",
	}
}

func TestProcessAttempt_GradesAgainstExpected(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	scen := trainingScenario()
	h.log.Append(conversation.Entry{Speaker: conversation.SpeakerController, Text: scen.Instruction})
	h.grader.Responses = []*llm.CompletionResponse{{Content: incorrectReply}}

	err := h.seq.ProcessTurn(context.Background(), turn.Utterance{
		Text:       "taxi via alpha",
		Confidence: 0.8,
		Training:   true,
		Scenario:   scen,
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	entries := h.log.Entries()
	if len(entries) != 2 {
		t.Fatalf("log has %d entries, want 2", len(entries))
	}
	attempt := entries[1]
	if attempt.Speaker != conversation.SpeakerPilot || attempt.Text != "taxi via alpha" {
		t.Errorf("attempt entry = %+v", attempt)
	}
	if attempt.Feedback == nil || attempt.Feedback.Accuracy != conversation.AccuracyIncorrect {
		t.Fatalf("feedback = %+v", attempt.Feedback)
	}

	msg := h.grader.CompleteCalls[0].Req.Messages[0].Content
	if !strings.Contains(msg, scen.ExpectedReadback) {
		t.Error("grading prompt should include the scenario's expected read-back")
	}
	if got := h.synth.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesize calls = %d, attempts are never auto-spoken", got)
	}
}

func TestProcessAttempt_CorrectIsNotSpoken(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	scen := trainingScenario()
	h.log.Append(conversation.Entry{Speaker: conversation.SpeakerController, Text: scen.Instruction})

	err := h.seq.ProcessTurn(context.Background(), turn.Utterance{
		Text:     scen.ExpectedReadback,
		Training: true,
		Scenario: scen,
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got := h.synth.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesize calls = %d, want 0 even when CORRECT", got)
	}
}

func TestProcessAttempt_SpokenFeedbackWhenEnabled(t *testing.T) {
	t.Parallel()

	settings := defaultSettings()
	settings.SpeakFeedbackInTraining = true
	h := newHarness(settings)
	scen := trainingScenario()
	h.log.Append(conversation.Entry{Speaker: conversation.SpeakerController, Text: scen.Instruction})

	err := h.seq.ProcessTurn(context.Background(), turn.Utterance{
		Text:     scen.ExpectedReadback,
		Training: true,
		Scenario: scen,
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got := h.synth.SynthesizeCallCount(); got != 1 {
		t.Fatalf("synthesize calls = %d, want 1", got)
	}
	if got := h.synth.SynthesizeCalls[0].Text; got != readback.CorrectSummary {
		t.Errorf("spoken feedback = %q", got)
	}
}

func TestProcessAttempt_WithoutScenarioFails(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	if err := h.seq.ProcessTurn(context.Background(), turn.Utterance{Text: "x", Training: true}); err == nil {
		t.Fatal("expected error for training attempt without scenario")
	}
}

// ── regenerate ──

func TestRegenerateLast_ReplacesOnlyLastEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	original := h.log.Entries()

	h.generator.Responses = []*llm.CompletionResponse{{
		Content: `{"primary": "Five thousand coming up, November-One-Two-Three-Alpha-Bravo.", "confidence": 0.9}`,
	}}
	h.grader.Responses = []*llm.CompletionResponse{{Content: correctReply}}

	if err := h.seq.RegenerateLast(context.Background()); err != nil {
		t.Fatalf("RegenerateLast: %v", err)
	}

	entries := h.log.Entries()
	if len(entries) != len(original) {
		t.Fatalf("log length changed: %d -> %d", len(original), len(entries))
	}
	if entries[0].Text != original[0].Text {
		t.Error("controller entry must stay untouched")
	}
	last := entries[len(entries)-1]
	if last.Text != "Five thousand coming up, November-One-Two-Three-Alpha-Bravo." {
		t.Errorf("last entry text = %q", last.Text)
	}
	if last.Feedback == nil || last.Feedback.Accuracy != conversation.AccuracyCorrect {
		t.Errorf("regenerated feedback = %+v", last.Feedback)
	}
	if !strings.Contains(h.generator.CompleteCalls[1].Req.Messages[0].Content, sampleInstruction) {
		t.Error("regeneration should reuse the original instruction")
	}
}

func TestRegenerateLast_EmptyLog(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	if err := h.seq.RegenerateLast(context.Background()); !errors.Is(err, pipeline.ErrNoInstruction) {
		t.Errorf("got %v, want ErrNoInstruction", err)
	}
}

// ── scripted instructions ──

func TestPlayInstruction(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	text := trainingScenario().Instruction

	if err := h.seq.PlayInstruction(context.Background(), text); err != nil {
		t.Fatalf("PlayInstruction: %v", err)
	}
	if got := h.synth.SynthesizeCalls[0].Text; got != text {
		t.Errorf("synthesized %q", got)
	}
	if h.player.playCount() != 1 {
		t.Errorf("play calls = %d, want 1", h.player.playCount())
	}
}

func TestPlayInstruction_SynthesisErrorPropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	h.synth.SynthesizeErr = errors.New("voice service down")

	if err := h.seq.PlayInstruction(context.Background(), "taxi to runway two-seven"); err == nil {
		t.Fatal("expected synthesis error to propagate")
	}
}

// ── settings ──

func TestApplySettings_TakesEffectNextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(defaultSettings())
	next := defaultSettings()
	next.Voice = "Kore"
	h.seq.ApplySettings(next)

	if err := h.seq.ProcessTurn(context.Background(), instructionUtterance()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got := h.synth.SynthesizeCalls[0].Voice.Name; got != "Kore" {
		t.Errorf("voice = %q, want Kore", got)
	}
}
