// Package pipeline sequences the model stages of one turn: callsign
// extraction, read-back generation, accuracy grading, speech synthesis, and
// playback. Stages run strictly in order; a turn is the unit of failure.
//
// The sequencer owns the transcript mutations for a turn. It appends the
// controller and pilot entries together only after generation has produced a
// read-back, so the log never holds an instruction without its answer.
// Grading failures degrade to a usable verdict instead of erroring, and
// synthesis failures are soft: the turn completes with the text read-back
// visible.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/observe"
	"github.com/voxatc/voxatc/internal/readback"
	"github.com/voxatc/voxatc/internal/turn"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
	"github.com/voxatc/voxatc/pkg/provider/tts"
)

// historyWindow bounds how much transcript context is sent to the models.
const historyWindow = 4

// ErrNoInstruction is returned by RegenerateLast when the transcript holds no
// controller instruction to regenerate against.
var ErrNoInstruction = errors.New("pipeline: no instruction to regenerate against")

// Player is the audio output sink. The server implementation pushes PCM to
// the connected page; tests substitute a recording fake.
type Player interface {
	// Play delivers one complete clip and returns when playback has been
	// handed off (not when the clip finishes sounding).
	Play(ctx context.Context, pcm []byte, format tts.Format) error
}

// Settings are the sequencer knobs that follow config hot reload.
type Settings struct {
	// Callsign is the configured aircraft callsign, used when no callsign is
	// detected in the instruction.
	Callsign string

	// Language is the BCP-47 tag for generation, grading, and synthesis.
	Language string

	// Voice is the synthesis voice name.
	Voice string

	// SpeakFeedbackInTraining synthesizes the grading summary aloud after a
	// training attempt.
	SpeakFeedbackInTraining bool
}

// Option configures a [Sequencer] during construction.
type Option func(*Sequencer)

// WithMetrics wires stage latency and grading outcome metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithStageListener registers a callback invoked as each stage begins. The
// turn controller uses it to map pipeline progress onto its status.
func WithStageListener(fn func(turn.Stage)) Option {
	return func(s *Sequencer) { s.onStage = fn }
}

// WithCallsignListener registers a callback invoked when extraction detects a
// callsign different from the configured one. The detected callsign is used
// for the current turn regardless; the callback lets the caller ask the user
// whether to adopt it permanently.
func WithCallsignListener(fn func(detected string)) Option {
	return func(s *Sequencer) { s.onCallsign = fn }
}

// WithRecorder overlays synthesized speech onto the session recording mix for
// turns that carry no live capture recorder, such as regeneration.
func WithRecorder(rec *recorder.Recorder) Option {
	return func(s *Sequencer) { s.recorder = rec }
}

// Sequencer implements [turn.Pipeline].
type Sequencer struct {
	extractor *readback.Extractor
	generator *readback.Generator
	grader    *readback.Grader
	tts       tts.Provider
	player    Player
	log       *conversation.Log

	metrics    *observe.Metrics
	onStage    func(turn.Stage)
	onCallsign func(string)
	recorder   *recorder.Recorder

	mu       sync.Mutex
	settings Settings
}

var _ turn.Pipeline = (*Sequencer)(nil)

// NewSequencer creates a Sequencer over the given model stages, output sink,
// and transcript.
func NewSequencer(
	extractor *readback.Extractor,
	generator *readback.Generator,
	grader *readback.Grader,
	synth tts.Provider,
	player Player,
	log *conversation.Log,
	settings Settings,
	opts ...Option,
) *Sequencer {
	s := &Sequencer{
		extractor: extractor,
		generator: generator,
		grader:    grader,
		tts:       synth,
		player:    player,
		log:       log,
		settings:  settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplySettings swaps the live settings. Takes effect on the next turn.
func (s *Sequencer) ApplySettings(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *Sequencer) currentSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// ProcessTurn runs the stages for one committed utterance. In normal mode the
// utterance is a controller instruction; in training mode it is the trainee's
// read-back attempt against the active scenario.
func (s *Sequencer) ProcessTurn(ctx context.Context, u turn.Utterance) error {
	if u.Training {
		return s.processAttempt(ctx, u)
	}
	return s.processInstruction(ctx, u)
}

// processInstruction handles a transcribed ATC transmission: extract the
// callsign, generate the read-back, append both transcript entries, grade,
// and speak the read-back when it graded correct.
func (s *Sequencer) processInstruction(ctx context.Context, u turn.Utterance) error {
	cfg := s.currentSettings()
	history := s.log.Recent(historyWindow)

	callsign := s.extractCallsign(ctx, u.Text, cfg)

	s.stage(turn.StageGeneration)
	rb, err := s.generate(ctx, readback.GenerateRequest{
		Instruction: u.Text,
		Callsign:    callsign,
		Language:    cfg.Language,
		History:     history,
	})
	if err != nil {
		return err
	}

	// Both entries land together so the log never shows an instruction
	// without a read-back.
	s.log.Append(conversation.Entry{
		Speaker:    conversation.SpeakerController,
		Text:       u.Text,
		Confidence: u.Confidence,
	})
	s.log.Append(conversation.Entry{
		Speaker:      conversation.SpeakerPilot,
		Text:         rb.Primary,
		Confidence:   rb.Confidence,
		Alternatives: rb.Alternatives,
	})

	fb := s.grade(ctx, readback.GradeRequest{
		Instruction: u.Text,
		Readback:    rb.Primary,
		Language:    cfg.Language,
	})
	if err := s.log.AttachFeedback(fb); err != nil {
		return fmt.Errorf("pipeline: attach feedback: %w", err)
	}

	if fb.Accuracy == conversation.AccuracyCorrect {
		s.speak(ctx, rb.Primary, cfg, u.Recorder)
	}
	return nil
}

// processAttempt handles a trainee read-back attempt in training mode. The
// scenario's instruction entry is already in the transcript; the attempt is
// appended and graded against the scenario's expected read-back.
func (s *Sequencer) processAttempt(ctx context.Context, u turn.Utterance) error {
	if u.Scenario == nil {
		return errors.New("pipeline: training attempt without a scenario")
	}
	cfg := s.currentSettings()

	s.log.Append(conversation.Entry{
		Speaker:    conversation.SpeakerPilot,
		Text:       u.Text,
		Confidence: u.Confidence,
	})

	fb := s.grade(ctx, readback.GradeRequest{
		Instruction:      u.Scenario.Instruction,
		Readback:         u.Text,
		ExpectedReadback: u.Scenario.ExpectedReadback,
		Language:         cfg.Language,
	})
	if err := s.log.AttachFeedback(fb); err != nil {
		return fmt.Errorf("pipeline: attach feedback: %w", err)
	}

	// A trainee's attempt is never read back aloud; the optional spoken
	// feedback is the one-line summary.
	if cfg.SpeakFeedbackInTraining && fb.Summary != "" {
		s.speak(ctx, fb.Summary, cfg, u.Recorder)
	}
	return nil
}

// RegenerateLast re-runs generation, grading, and synthesis for the most
// recent exchange, replacing the last pilot entry in place.
func (s *Sequencer) RegenerateLast(ctx context.Context) error {
	cfg := s.currentSettings()

	instruction, history, err := s.lastInstruction()
	if err != nil {
		return err
	}

	s.stage(turn.StageGeneration)
	rb, err := s.generate(ctx, readback.GenerateRequest{
		Instruction: instruction,
		Callsign:    cfg.Callsign,
		Language:    cfg.Language,
		History:     history,
	})
	if err != nil {
		return err
	}

	if err := s.log.ReplaceLast(conversation.Entry{
		Speaker:      conversation.SpeakerPilot,
		Text:         rb.Primary,
		Confidence:   rb.Confidence,
		Alternatives: rb.Alternatives,
	}); err != nil {
		return fmt.Errorf("pipeline: replace last entry: %w", err)
	}

	fb := s.grade(ctx, readback.GradeRequest{
		Instruction: instruction,
		Readback:    rb.Primary,
		Language:    cfg.Language,
	})
	if err := s.log.AttachFeedback(fb); err != nil {
		return fmt.Errorf("pipeline: attach feedback: %w", err)
	}

	if fb.Accuracy == conversation.AccuracyCorrect {
		s.speak(ctx, rb.Primary, cfg, s.recorder)
	}
	return nil
}

// PlayInstruction synthesizes and plays a scripted controller instruction.
func (s *Sequencer) PlayInstruction(ctx context.Context, text string) error {
	if s.tts == nil {
		return fmt.Errorf("pipeline: no tts provider configured")
	}
	cfg := s.currentSettings()

	s.stage(turn.StageSynthesis)
	start := time.Now()
	pcm, err := s.tts.Synthesize(ctx, text, tts.VoiceProfile{Name: cfg.Voice, Language: cfg.Language})
	s.recordDuration(ctx, s.ttsHistogram(), start)
	if err != nil {
		return fmt.Errorf("pipeline: synthesize instruction: %w", err)
	}

	s.stage(turn.StagePlayback)
	if err := s.player.Play(ctx, pcm, s.tts.OutputFormat()); err != nil {
		return fmt.Errorf("pipeline: play instruction: %w", err)
	}
	return nil
}

// lastInstruction finds the most recent controller instruction and the
// history preceding it. The transcript must end with the pilot entry being
// replaced.
func (s *Sequencer) lastInstruction() (string, []conversation.Entry, error) {
	entries := s.log.Entries()
	last := len(entries) - 1
	if last < 0 || entries[last].Speaker != conversation.SpeakerPilot {
		return "", nil, ErrNoInstruction
	}
	for i := last - 1; i >= 0; i-- {
		if entries[i].Speaker == conversation.SpeakerController {
			history := entries[:i]
			if len(history) > historyWindow {
				history = history[len(history)-historyWindow:]
			}
			return entries[i].Text, history, nil
		}
	}
	return "", nil, ErrNoInstruction
}

// extractCallsign runs the extraction stage. Detection failures fall back to
// the configured callsign; a detected callsign is adopted for this turn and
// surfaced for confirmation.
func (s *Sequencer) extractCallsign(ctx context.Context, text string, cfg Settings) string {
	s.stage(turn.StageExtraction)

	detected, err := s.extractor.Extract(ctx, text, cfg.Language)
	if err != nil {
		slog.Warn("pipeline: callsign extraction failed", "error", err)
		return cfg.Callsign
	}
	if detected == "" || strings.EqualFold(detected, cfg.Callsign) {
		return cfg.Callsign
	}

	slog.Info("pipeline: detected callsign differs from configured",
		"detected", detected, "configured", cfg.Callsign)
	if s.onCallsign != nil {
		s.onCallsign(detected)
	}
	return detected
}

// generate runs the generation stage.
func (s *Sequencer) generate(ctx context.Context, req readback.GenerateRequest) (readback.Readback, error) {
	start := time.Now()
	rb, err := s.generator.Generate(ctx, req)
	s.recordDuration(ctx, s.generationHistogram(), start)
	if err != nil {
		return readback.Readback{}, fmt.Errorf("pipeline: generate read-back: %w", err)
	}
	return rb, nil
}

// grade runs the grading stage. The result is always usable: a grading
// failure degrades to the grader's fallback verdict and is logged rather
// than propagated.
func (s *Sequencer) grade(ctx context.Context, req readback.GradeRequest) conversation.Feedback {
	s.stage(turn.StageGrading)

	start := time.Now()
	fb, err := s.grader.Grade(ctx, req)
	s.recordDuration(ctx, s.gradingHistogram(), start)

	grader := "llm"
	if err != nil {
		grader = "local"
		slog.Warn("pipeline: grading degraded to fallback", "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordGrading(ctx, string(fb.Accuracy), grader)
	}
	return fb
}

// speak runs the synthesis and playback stages. Failures are soft: the turn
// completes with the text read-back only. Without a TTS provider the stages
// are skipped entirely.
func (s *Sequencer) speak(ctx context.Context, text string, cfg Settings, rec *recorder.Recorder) {
	if s.tts == nil {
		return
	}
	s.stage(turn.StageSynthesis)

	start := time.Now()
	pcm, err := s.tts.Synthesize(ctx, text, tts.VoiceProfile{Name: cfg.Voice, Language: cfg.Language})
	s.recordDuration(ctx, s.ttsHistogram(), start)
	if err != nil {
		slog.Warn("pipeline: synthesis failed, completing turn without audio", "error", err)
		return
	}

	s.stage(turn.StagePlayback)
	format := s.tts.OutputFormat()
	if rec != nil {
		if err := rec.WriteSpeech(pcm, format.SampleRate); err != nil && !errors.Is(err, recorder.ErrClosed) {
			slog.Warn("pipeline: recording overlay failed", "error", err)
		}
	}
	if err := s.player.Play(ctx, pcm, format); err != nil {
		slog.Warn("pipeline: playback failed", "error", err)
	}
}

func (s *Sequencer) stage(st turn.Stage) {
	if s.onStage != nil {
		s.onStage(st)
	}
}

func (s *Sequencer) recordDuration(ctx context.Context, hist metric.Float64Histogram, start time.Time) {
	if s.metrics == nil || hist == nil {
		return
	}
	hist.Record(ctx, time.Since(start).Seconds())
}

func (s *Sequencer) generationHistogram() metric.Float64Histogram {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.GenerationDuration
}

func (s *Sequencer) gradingHistogram() metric.Float64Histogram {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.GradingDuration
}

func (s *Sequencer) ttsHistogram() metric.Float64Histogram {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TTSDuration
}
