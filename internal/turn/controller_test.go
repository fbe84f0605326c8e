package turn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/health"
	"github.com/voxatc/voxatc/internal/scenario"
	"github.com/voxatc/voxatc/internal/turn"
	"github.com/voxatc/voxatc/pkg/audio"
	"github.com/voxatc/voxatc/pkg/audio/capture"
	"github.com/voxatc/voxatc/pkg/provider/stt"
	sttmock "github.com/voxatc/voxatc/pkg/provider/stt/mock"
)

// fakeSource is a client audio stream that delivers no frames; fragments are
// injected directly through the mock STT session.
type fakeSource struct {
	frames chan audio.Frame
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan audio.Frame)}
}

func (f *fakeSource) Frames() <-chan audio.Frame { return f.frames }

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.frames) })
	return nil
}

// fakePipeline records pipeline invocations.
type fakePipeline struct {
	mu          sync.Mutex
	processed   []turn.Utterance
	processErr  error
	regenerated int
	regenErr    error
	played      []string
	playErr     error
}

func (p *fakePipeline) ProcessTurn(ctx context.Context, u turn.Utterance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processErr != nil {
		return p.processErr
	}
	p.processed = append(p.processed, u)
	return nil
}

func (p *fakePipeline) RegenerateLast(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.regenErr != nil {
		return p.regenErr
	}
	p.regenerated++
	return nil
}

func (p *fakePipeline) PlayInstruction(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.played = append(p.played, text)
	return nil
}

func (p *fakePipeline) processedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func (p *fakePipeline) lastProcessed() turn.Utterance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[len(p.processed)-1]
}

type harness struct {
	ctrl     *turn.Controller
	pipe     *fakePipeline
	session  *sttmock.Session
	provider *sttmock.Provider
	manager  *capture.Manager
	log      *conversation.Log
}

func newHarness(t *testing.T, settings turn.Settings, opts ...turn.ControllerOption) *harness {
	t.Helper()

	session := &sttmock.Session{FragmentsCh: make(chan stt.Fragment, 16)}
	provider := &sttmock.Provider{Session: session}
	manager := capture.NewManager(func(ctx context.Context) (capture.Source, error) {
		return newFakeSource(), nil
	})
	pipe := &fakePipeline{}
	log := conversation.NewLog()

	return &harness{
		ctrl:     turn.NewController(manager, provider, pipe, log, settings, opts...),
		pipe:     pipe,
		session:  session,
		provider: provider,
		manager:  manager,
		log:      log,
	}
}

func testSettings() turn.Settings {
	return turn.Settings{
		Callsign:       "Delta-Four-Two",
		Language:       "en-US",
		SilenceTimeout: time.Second,
		Codec:          capture.CodecPCM16,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestController_CommitOnTurnComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.Status(); got != turn.StatusListening {
		t.Fatalf("status = %v, want listening", got)
	}

	h.session.FragmentsCh <- stt.Fragment{Text: "climb and maintain eight thousand", IsFinal: true, Confidence: 0.9}
	h.session.FragmentsCh <- stt.Fragment{TurnComplete: true}

	waitFor(t, "pipeline invocation", func() bool { return h.pipe.processedCount() == 1 })
	waitFor(t, "idle status", func() bool { return h.ctrl.Status() == turn.StatusIdle })

	u := h.pipe.lastProcessed()
	if u.Text != "climb and maintain eight thousand" || u.Confidence != 0.9 {
		t.Errorf("utterance = %+v", u)
	}
	if u.Training {
		t.Error("utterance should not be a training attempt")
	}
	if h.session.CloseCallCount == 0 {
		t.Error("stt session was not closed")
	}

	// Capture must be released: a fresh acquisition succeeds.
	handles, err := h.manager.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("capture still held after turn: %v", err)
	}
	h.manager.Release(handles)

	// StreamConfig carried the callsign hint.
	cfg := h.provider.StartStreamCalls[0].Cfg
	if len(cfg.Hints) == 0 || cfg.Hints[0] != "Delta-Four-Two" {
		t.Errorf("hints = %v", cfg.Hints)
	}
}

func TestController_StartContextCancelDoesNotEndTurn(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.SilenceTimeout = 10 * time.Second
	h := newHarness(t, settings)

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Real transports end the session when the context their stream was
	// opened with is cancelled; mirror that on the mock so a turn bound to
	// the request context would commit here.
	streamCtx := h.provider.StartStreamCalls[0].Ctx
	stop := context.AfterFunc(streamCtx, func() { h.session.Close() })
	defer stop()

	cancel()
	time.Sleep(50 * time.Millisecond)
	if got := h.ctrl.Status(); got != turn.StatusListening {
		t.Fatalf("status after caller cancel = %v, want listening", got)
	}

	h.session.FragmentsCh <- stt.Fragment{Text: "turn left heading three one zero", IsFinal: true, Confidence: 0.9, TurnComplete: true}
	waitFor(t, "pipeline invocation", func() bool { return h.pipe.processedCount() == 1 })
	if got := h.pipe.lastProcessed().Text; got != "turn left heading three one zero" {
		t.Errorf("utterance = %q", got)
	}
}

func TestController_SilenceTimeoutCommits(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.SilenceTimeout = 30 * time.Millisecond
	h := newHarness(t, settings)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.session.FragmentsCh <- stt.Fragment{Text: "holding short runway two seven", IsFinal: true, Confidence: 0.8}

	waitFor(t, "silence commit", func() bool { return h.pipe.processedCount() == 1 })
	if got := h.pipe.lastProcessed().Text; got != "holding short runway two seven" {
		t.Errorf("utterance = %q", got)
	}
}

func TestController_ManualStopCommits(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.SilenceTimeout = 10 * time.Second
	h := newHarness(t, settings)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.session.FragmentsCh <- stt.Fragment{Text: "contact tower", IsFinal: true, Confidence: 0.75}
	waitFor(t, "fragment consumed", func() bool { return h.ctrl.CurrentText() == "contact tower" })

	h.ctrl.Stop()
	waitFor(t, "stop commit", func() bool { return h.pipe.processedCount() == 1 })
}

func TestController_EmptyCommitShortCircuits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.ctrl.Stop()

	waitFor(t, "idle status", func() bool { return h.ctrl.Status() == turn.StatusIdle })
	if n := h.pipe.processedCount(); n != 0 {
		t.Errorf("pipeline ran %d times on empty commit, want 0", n)
	}
}

func TestController_SecondStartFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, turn.ErrTurnInFlight) {
		t.Errorf("second Start: got %v, want ErrTurnInFlight", err)
	}

	h.ctrl.Stop()
	waitFor(t, "idle status", func() bool { return h.ctrl.Status() == turn.StatusIdle })
}

func TestController_AuthFailureClearsReadiness(t *testing.T) {
	t.Parallel()
	gate := health.NewGate()
	h := newHarness(t, testSettings(), turn.WithGate(gate))
	h.pipe.processErr = errors.New("request failed: 401 Unauthorized")

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.session.FragmentsCh <- stt.Fragment{Text: "some read-back", IsFinal: true, TurnComplete: true}

	waitFor(t, "error status", func() bool { return h.ctrl.Status() == turn.StatusError })
	if gate.Ready() {
		t.Error("readiness should be cleared on auth failure")
	}
	lastErr := h.ctrl.LastError()
	if lastErr == nil || lastErr.Kind != turn.KindAuth {
		t.Errorf("LastError = %+v, want auth kind", lastErr)
	}
}

func TestController_StartStreamFailureReleasesCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.provider.StartStreamErr = errors.New("invalid api key")
	h.provider.Session = nil

	err := h.ctrl.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the stream cannot open")
	}
	var classified *turn.Classified
	if !errors.As(err, &classified) || classified.Kind != turn.KindAuth {
		t.Errorf("err = %v, want classified auth", err)
	}
	if got := h.ctrl.Status(); got != turn.StatusError {
		t.Errorf("status = %v, want error", got)
	}

	handles, err := h.manager.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("capture leaked after failed Start: %v", err)
	}
	h.manager.Release(handles)
}

func TestController_AcquireFailureClassified(t *testing.T) {
	t.Parallel()
	manager := capture.NewManager(func(ctx context.Context) (capture.Source, error) {
		return nil, capture.ErrPermissionDenied
	})
	ctrl := turn.NewController(manager, &sttmock.Provider{}, &fakePipeline{}, conversation.NewLog(), testSettings())

	err := ctrl.Start(context.Background())
	var classified *turn.Classified
	if !errors.As(err, &classified) || classified.Kind != turn.KindPermission {
		t.Errorf("err = %v, want classified permission", err)
	}
}

func TestController_TrainingFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	scen := scenario.Builtin()[0]
	if err := h.ctrl.SelectScenario(context.Background(), scen); err != nil {
		t.Fatalf("SelectScenario: %v", err)
	}
	if got := h.ctrl.Status(); got != turn.StatusAwaitingUserResponse {
		t.Fatalf("status = %v, want awaiting_user_response", got)
	}
	if len(h.pipe.played) != 1 || h.pipe.played[0] != scen.Instruction {
		t.Errorf("played = %v", h.pipe.played)
	}
	entries := h.log.Entries()
	if len(entries) != 1 || entries[0].Speaker != conversation.SpeakerController {
		t.Fatalf("log = %+v", entries)
	}

	// The trainee's attempt is a training utterance and returns to
	// awaiting_user_response for a retry.
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.session.FragmentsCh <- stt.Fragment{Text: "runway two two right taxi via alpha", IsFinal: true, TurnComplete: true}

	waitFor(t, "training turn", func() bool { return h.pipe.processedCount() == 1 })
	u := h.pipe.lastProcessed()
	if !u.Training || u.Scenario == nil || u.Scenario.ID != scen.ID {
		t.Errorf("utterance = %+v", u)
	}
	waitFor(t, "awaiting status", func() bool { return h.ctrl.Status() == turn.StatusAwaitingUserResponse })

	h.ctrl.ExitTraining()
	if got := h.ctrl.Status(); got != turn.StatusIdle {
		t.Errorf("status after ExitTraining = %v", got)
	}
}

func TestController_TrainingSkipsRecording(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.Recording = true

	var mu sync.Mutex
	sources := []*fakeSource{}
	manager := capture.NewManager(func(ctx context.Context) (capture.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		s := newFakeSource()
		sources = append(sources, s)
		return s, nil
	})
	session := &sttmock.Session{FragmentsCh: make(chan stt.Fragment, 16)}
	pipe := &fakePipeline{}
	ctrl := turn.NewController(manager, &sttmock.Provider{Session: session}, pipe, conversation.NewLog(), settings)

	if err := ctrl.SelectScenario(context.Background(), scenario.Builtin()[0]); err != nil {
		t.Fatalf("SelectScenario: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctrl.Stop()
	waitFor(t, "awaiting status", func() bool { return ctrl.Status() == turn.StatusAwaitingUserResponse })
}

func TestController_Regenerate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	if err := h.ctrl.Regenerate(context.Background()); !errors.Is(err, turn.ErrNothingToRegenerate) {
		t.Errorf("empty log: got %v, want ErrNothingToRegenerate", err)
	}

	h.log.Append(conversation.Entry{Speaker: conversation.SpeakerPilot, Text: "read-back"})
	if err := h.ctrl.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if h.pipe.regenerated != 1 {
		t.Errorf("regenerated = %d, want 1", h.pipe.regenerated)
	}
	if got := h.ctrl.Status(); got != turn.StatusIdle {
		t.Errorf("status = %v, want idle", got)
	}
}

func TestController_ReviewModeIsReadOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	saved := []conversation.Entry{
		{Speaker: conversation.SpeakerController, Text: "old instruction"},
	}
	if err := h.ctrl.LoadSession(saved); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if !h.ctrl.Reviewing() {
		t.Fatal("Reviewing should be true after LoadSession")
	}

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, turn.ErrReviewing) {
		t.Errorf("Start while reviewing: got %v, want ErrReviewing", err)
	}
	if err := h.ctrl.Regenerate(context.Background()); !errors.Is(err, turn.ErrReviewing) {
		t.Errorf("Regenerate while reviewing: got %v, want ErrReviewing", err)
	}

	if err := h.ctrl.NewSession(); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if h.ctrl.Reviewing() {
		t.Error("NewSession should clear review mode")
	}
	if h.log.Len() != 0 {
		t.Error("NewSession should clear the transcript")
	}
}

func TestController_StageChangedMapsStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	tests := []struct {
		stage turn.Stage
		want  turn.Status
	}{
		{turn.StageExtraction, turn.StatusThinking},
		{turn.StageGeneration, turn.StatusThinking},
		{turn.StageGrading, turn.StatusCheckingAccuracy},
		{turn.StageSynthesis, turn.StatusSpeaking},
		{turn.StagePlayback, turn.StatusSpeaking},
	}
	for _, tt := range tests {
		h.ctrl.StageChanged(tt.stage)
		if got := h.ctrl.Status(); got != tt.want {
			t.Errorf("StageChanged(%v): status = %v, want %v", tt.stage, got, tt.want)
		}
	}
}

func TestController_StatusListener(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []turn.Status
	settings := testSettings()

	session := &sttmock.Session{FragmentsCh: make(chan stt.Fragment, 16)}
	manager := capture.NewManager(func(ctx context.Context) (capture.Source, error) {
		return newFakeSource(), nil
	})
	ctrl := turn.NewController(manager, &sttmock.Provider{Session: session}, &fakePipeline{}, conversation.NewLog(), settings,
		turn.WithStatusListener(func(s turn.Status) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		}))

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session.FragmentsCh <- stt.Fragment{Text: "x", IsFinal: true, TurnComplete: true}
	waitFor(t, "idle status", func() bool { return ctrl.Status() == turn.StatusIdle })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 || seen[0] != turn.StatusListening {
		t.Errorf("status sequence = %v", seen)
	}
}

func TestController_AbortSkipsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.session.FragmentsCh <- stt.Fragment{Text: "half an utterance", IsFinal: true}
	waitFor(t, "fragment consumed", func() bool { return h.ctrl.CurrentText() != "" })

	h.ctrl.Abort()
	if n := h.pipe.processedCount(); n != 0 {
		t.Errorf("pipeline ran %d times after Abort, want 0", n)
	}
	if got := h.ctrl.Status(); got != turn.StatusIdle {
		t.Errorf("status = %v, want idle", got)
	}
}
