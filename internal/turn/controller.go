package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/health"
	"github.com/voxatc/voxatc/internal/observe"
	"github.com/voxatc/voxatc/internal/scenario"
	"github.com/voxatc/voxatc/pkg/audio"
	"github.com/voxatc/voxatc/pkg/audio/capture"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
	"github.com/voxatc/voxatc/pkg/provider/stt"
)

var (
	// ErrTurnInFlight is returned by Start while a turn is already running.
	ErrTurnInFlight = errors.New("turn: turn already in flight")

	// ErrReviewing is returned by operations that would mutate a loaded
	// past session, which is read-only.
	ErrReviewing = errors.New("turn: session loaded for review is read-only")

	// ErrNothingToRegenerate is returned by Regenerate on an empty log.
	ErrNothingToRegenerate = errors.New("turn: nothing to regenerate")
)

// Utterance is a committed transcription handed to the pipeline.
type Utterance struct {
	// Text is the full transcribed instruction or read-back attempt.
	Text string

	// Confidence is the mean recognition confidence in [0, 1].
	Confidence float64

	// Training is set when the utterance is a trainee read-back attempt
	// against the active scenario.
	Training bool

	// Scenario is the active training scenario, nil outside training mode.
	Scenario *scenario.Scenario

	// Recorder is the session recording mix for this turn, still live so
	// synthesized speech can be overlaid at the playback position. Nil when
	// recording is off.
	Recorder *recorder.Recorder
}

// Pipeline runs the model stages for a committed utterance and merges the
// results into the conversation record. Implemented by internal/pipeline.
type Pipeline interface {
	// ProcessTurn runs extraction, generation, grading, synthesis, and
	// playback for one utterance.
	ProcessTurn(ctx context.Context, u Utterance) error

	// RegenerateLast re-runs generation for the last exchange, replacing
	// the most recent transcript entry.
	RegenerateLast(ctx context.Context) error

	// PlayInstruction synthesizes and plays a scripted controller
	// instruction (training mode).
	PlayInstruction(ctx context.Context, text string) error
}

// Snapshotter persists the in-progress transcript so an interrupted session
// can be resumed.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, log []conversation.Entry) error
}

// Settings are the controller knobs that follow config hot reload.
type Settings struct {
	// Callsign is the active aircraft callsign, passed to STT as a
	// vocabulary hint.
	Callsign string

	// Language is the recognition language tag.
	Language string

	// SilenceTimeout bounds how long the controller waits for further
	// fragments before committing the utterance.
	SilenceTimeout time.Duration

	// Recording attaches the session recording mix to captured turns.
	Recording bool

	// RecordingRate is the recording mix sample rate.
	RecordingRate int

	// Recorder is the session-long recording mix shared across turns. When
	// nil each turn records into its own throwaway mix.
	Recorder *recorder.Recorder

	// Codec is the encoding the client streams audio in.
	Codec capture.Codec
}

// ControllerOption configures a [Controller] during construction.
type ControllerOption func(*Controller)

// WithGate wires the readiness gate cleared on provider auth failures.
func WithGate(g *health.Gate) ControllerOption {
	return func(c *Controller) { c.gate = g }
}

// WithMetrics wires turn metrics recording.
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithSnapshotter enables transcript autosave after every completed turn.
func WithSnapshotter(s Snapshotter) ControllerOption {
	return func(c *Controller) { c.snapshotter = s }
}

// WithStatusListener registers a callback invoked on every status change.
// The callback runs outside the controller lock but must still be quick; it
// feeds the client push channel.
func WithStatusListener(fn func(Status)) ControllerOption {
	return func(c *Controller) { c.onStatus = fn }
}

// Controller is the turn state machine. One turn is in flight at a time;
// Start while listening fails with [ErrTurnInFlight]. Every exit path of a
// turn, successful or not, releases the capture handles and closes the STT
// session.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	capture  *capture.Manager
	stt      stt.Provider
	pipeline Pipeline
	log      *conversation.Log

	gate        *health.Gate
	metrics     *observe.Metrics
	snapshotter Snapshotter
	onStatus    func(Status)

	mu        sync.Mutex
	settings  Settings
	status    Status
	lastErr   *Classified
	scenario  *scenario.Scenario
	reviewing bool
	active    *activeTurn
}

// activeTurn holds the per-turn resources owned by the run goroutine.
type activeTurn struct {
	cancel   context.CancelFunc
	handles  *capture.Handles
	session  stt.SessionHandle
	acc      *Accumulator
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewController wires the turn state machine. The settings can be replaced
// later via [Controller.ApplySettings] on config hot reload.
func NewController(capMgr *capture.Manager, sttProvider stt.Provider, pipe Pipeline, log *conversation.Log, settings Settings, opts ...ControllerOption) *Controller {
	c := &Controller{
		capture:  capMgr,
		stt:      sttProvider,
		pipeline: pipe,
		log:      log,
		settings: settings,
		status:   StatusIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ApplySettings replaces the hot-reloadable settings. A turn already in
// flight keeps the settings it started with.
func (c *Controller) ApplySettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// Status returns the current controller status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the classified failure behind a StatusError, or nil.
func (c *Controller) LastError() *Classified {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Reviewing reports whether a past session is loaded read-only.
func (c *Controller) Reviewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reviewing
}

// CurrentText returns the live partial transcription of the turn in flight,
// or "" when not listening.
func (c *Controller) CurrentText() string {
	c.mu.Lock()
	at := c.active
	c.mu.Unlock()
	if at == nil {
		return ""
	}
	return at.acc.CurrentText()
}

// MicLevel returns the live microphone level in [0, 1], or 0 when capture is
// not active.
func (c *Controller) MicLevel() float64 {
	c.mu.Lock()
	at := c.active
	c.mu.Unlock()
	if at == nil || at.handles == nil {
		return 0
	}
	return at.handles.Level()
}

// Start begins a new turn: it acquires the capture graph, opens an STT
// stream, and listens until the provider signals turn completion, the
// silence timeout fires, or Stop is called. The turn runs on its own
// goroutine detached from ctx's cancellation deadline; ctx only bounds the
// acquisition itself.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.reviewing {
		c.mu.Unlock()
		return ErrReviewing
	}
	switch c.status {
	case StatusIdle, StatusAwaitingUserResponse, StatusError:
	default:
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	settings := c.settings
	scen := c.scenario
	c.status = StatusListening
	c.lastErr = nil
	c.mu.Unlock()
	c.notify(StatusListening)

	// The turn outlives the Start request; everything with turn lifetime,
	// the STT stream included, runs on the detached context. ctx only
	// bounds the acquisition itself.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	handles, err := c.capture.Acquire(ctx, capture.Constraints{
		Codec:         settings.Codec,
		Recording:     settings.Recording && scen == nil,
		RecordingRate: settings.RecordingRate,
		Recorder:      settings.Recorder,
	})
	if err != nil {
		cancel()
		return c.fail(err)
	}

	session, err := c.stt.StartStream(turnCtx, stt.StreamConfig{
		SampleRate: audio.CaptureRate,
		Channels:   1,
		Language:   settings.Language,
		Hints:      []string{settings.Callsign},
	})
	if err != nil {
		cancel()
		c.capture.Release(handles)
		return c.fail(err)
	}

	at := &activeTurn{
		cancel:  cancel,
		handles: handles,
		session: session,
		acc:     NewAccumulator(c.stt.Discipline()),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.active = at
	c.mu.Unlock()

	go c.run(turnCtx, at, settings, scen)
	return nil
}

// Stop force-commits the turn in flight. A no-op when not listening.
func (c *Controller) Stop() {
	c.mu.Lock()
	at := c.active
	c.mu.Unlock()
	if at != nil {
		at.stopOnce.Do(func() { close(at.stop) })
	}
}

// Abort cancels the turn in flight without running the pipeline, used on
// shutdown. Blocks until the turn goroutine has released its resources.
func (c *Controller) Abort() {
	c.mu.Lock()
	at := c.active
	c.mu.Unlock()
	if at == nil {
		return
	}
	at.cancel()
	<-at.done
}

// run is the per-turn goroutine: it pumps audio into the STT session, folds
// fragments into the accumulator, and commits on the first boundary signal.
// Capture handles stay live through the pipeline so the recording mix can
// take the synthesized speech overlay; they are released on every exit path.
func (c *Controller) run(ctx context.Context, at *activeTurn, settings Settings, scen *scenario.Scenario) {
	defer close(at.done)
	defer at.cancel()

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { c.capture.Release(at.handles) })
	}
	defer release()

	start := time.Now()

	// Audio pump: capture blocks into the STT session.
	go func() {
		for block := range at.handles.PCM() {
			if err := at.session.SendAudio(block); err != nil {
				slog.Debug("turn: send audio failed", "error", err)
				return
			}
		}
	}()

	timer := time.NewTimer(settings.SilenceTimeout)
	defer timer.Stop()

	aborted := false
	fragments := at.session.Fragments()
listen:
	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				break listen
			}
			at.acc.OnFragment(frag)
			if frag.TurnComplete {
				break listen
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(settings.SilenceTimeout)
		case <-timer.C:
			slog.Debug("turn: silence timeout, committing")
			break listen
		case <-at.stop:
			slog.Debug("turn: manual stop, committing")
			break listen
		case <-ctx.Done():
			aborted = true
			break listen
		}
	}

	// Transcription is over; close the STT session now. Capture stays until
	// the pipeline finishes so the recorder can mix the playback.
	if err := at.session.Close(); err != nil {
		slog.Warn("turn: close stt session", "error", err)
	}

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	if aborted {
		at.acc.Reset()
		release()
		c.setStatus(c.restingStatus(scen))
		return
	}

	text, confidence := at.acc.Commit()
	if text == "" {
		// Nothing was said; skip the pipeline entirely.
		release()
		c.recordTurn(ctx, "empty", start)
		c.setStatus(c.restingStatus(scen))
		return
	}

	c.setStatus(StatusThinking)
	err := c.pipeline.ProcessTurn(ctx, Utterance{
		Text:       text,
		Confidence: confidence,
		Training:   scen != nil,
		Scenario:   scen,
		Recorder:   at.handles.Recorder(),
	})
	release()
	if err != nil {
		c.recordTurn(ctx, "error", start)
		c.fail(err)
		return
	}

	if c.gate != nil {
		c.gate.Restore()
	}
	c.recordTurn(ctx, "completed", start)
	c.autosave(ctx)
	c.setStatus(c.restingStatus(scen))
}

// Regenerate replaces the last exchange's read-back with a fresh generation.
// Only valid between turns.
func (c *Controller) Regenerate(ctx context.Context) error {
	c.mu.Lock()
	if c.reviewing {
		c.mu.Unlock()
		return ErrReviewing
	}
	switch c.status {
	case StatusIdle, StatusAwaitingUserResponse:
	default:
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	if c.log.Len() == 0 {
		c.mu.Unlock()
		return ErrNothingToRegenerate
	}
	scen := c.scenario
	c.mu.Unlock()

	c.setStatus(StatusThinking)
	if err := c.pipeline.RegenerateLast(ctx); err != nil {
		return c.fail(err)
	}
	c.autosave(ctx)
	c.setStatus(c.restingStatus(scen))
	return nil
}

// SelectScenario enters training mode: the scenario instruction is appended
// to the transcript, spoken, and the controller awaits the trainee's
// read-back attempt. Synthesis failure downgrades to a silent prompt rather
// than failing the selection.
func (c *Controller) SelectScenario(ctx context.Context, s scenario.Scenario) error {
	c.mu.Lock()
	if c.reviewing {
		c.mu.Unlock()
		return ErrReviewing
	}
	switch c.status {
	case StatusIdle, StatusAwaitingUserResponse, StatusError:
	default:
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.scenario = &s
	c.mu.Unlock()

	c.log.Append(conversation.Entry{
		Speaker: conversation.SpeakerController,
		Text:    s.Instruction,
	})

	c.setStatus(StatusSpeaking)
	if err := c.pipeline.PlayInstruction(ctx, s.Instruction); err != nil {
		slog.Warn("turn: scenario playback failed", "scenario", s.ID, "error", err)
	}
	c.setStatus(StatusAwaitingUserResponse)
	return nil
}

// ExitTraining leaves training mode and returns to Idle.
func (c *Controller) ExitTraining() {
	c.mu.Lock()
	c.scenario = nil
	inFlight := c.active != nil
	c.mu.Unlock()
	if !inFlight {
		c.setStatus(StatusIdle)
	}
}

// ActiveScenario returns the selected training scenario, or nil.
func (c *Controller) ActiveScenario() *scenario.Scenario {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scenario
}

// NewSession clears the transcript and any review or training state.
func (c *Controller) NewSession() error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.scenario = nil
	c.reviewing = false
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Reset()
	c.setStatus(StatusIdle)
	return nil
}

// LoadSession replaces the transcript with a persisted session for read-only
// review.
func (c *Controller) LoadSession(entries []conversation.Entry) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.scenario = nil
	c.reviewing = true
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Load(entries)
	c.setStatus(StatusIdle)
	return nil
}

// StageChanged maps pipeline progress onto the controller status. Wired as
// the pipeline's stage hook.
func (c *Controller) StageChanged(s Stage) {
	switch s {
	case StageExtraction, StageGeneration:
		c.setStatus(StatusThinking)
	case StageGrading:
		c.setStatus(StatusCheckingAccuracy)
	case StageSynthesis, StagePlayback:
		c.setStatus(StatusSpeaking)
	}
}

// restingStatus is where the machine settles after a turn.
func (c *Controller) restingStatus(scen *scenario.Scenario) Status {
	if scen != nil {
		return StatusAwaitingUserResponse
	}
	return StatusIdle
}

// fail classifies err, records it, moves to StatusError, and clears
// readiness on auth failures.
func (c *Controller) fail(err error) error {
	classified := Classify(err)
	slog.Error("turn: failed", "kind", classified.Kind.String(), "error", classified.Err)

	if classified.Kind == KindAuth && c.gate != nil {
		c.gate.Fail(classified.Kind.UserMessage())
	}

	c.mu.Lock()
	c.lastErr = classified
	c.mu.Unlock()
	c.setStatus(StatusError)
	return classified
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed {
		c.notify(s)
	}
}

func (c *Controller) notify(s Status) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

func (c *Controller) recordTurn(ctx context.Context, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordTurn(ctx, outcome)
	c.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
}

func (c *Controller) autosave(ctx context.Context) {
	if c.snapshotter == nil {
		return
	}
	if err := c.snapshotter.SaveSnapshot(ctx, c.log.Entries()); err != nil {
		slog.Warn("turn: autosave failed", "error", err)
	}
}
