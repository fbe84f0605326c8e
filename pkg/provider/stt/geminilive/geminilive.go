// Package geminilive provides a Gemini Live API backed STT provider using the
// BidiGenerateContent streaming WebSocket protocol. It implements the
// stt.Provider interface.
//
// The session is configured for input transcription only: responseModalities
// is TEXT and the model is instructed not to reply, so the only payloads of
// interest are inputTranscription fragments and the turnComplete signal.
package geminilive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxatc/voxatc/pkg/provider/stt"
)

const (
	liveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultModel      = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Gemini Live model resource name.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Gemini Live API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a new Gemini Live Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("geminilive: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: liveEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Discipline implements stt.Provider. Gemini Live input transcription emits
// only new words per message, so fragments are delta-appended.
func (p *Provider) Discipline() stt.Discipline {
	return stt.DisciplineDelta
}

// StartStream opens a live session, sends the setup message, and returns a
// handle that forwards PCM audio as realtimeInput messages.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("geminilive: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", p.apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("geminilive: dial: %w", err)
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	setup, err := json.Marshal(setupMessage(p.model, cfg))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "setup marshal failed")
		return nil, fmt.Errorf("geminilive: marshal setup: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, setup); err != nil {
		conn.Close(websocket.StatusInternalError, "setup write failed")
		return nil, fmt.Errorf("geminilive: send setup: %w", err)
	}

	sess := &session{
		conn:       conn,
		sampleRate: sr,
		fragments:  make(chan stt.Fragment, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// setupMessage builds the BidiGenerateContent setup payload for a
// transcription-only session.
func setupMessage(model string, cfg stt.StreamConfig) map[string]any {
	instruction := "You are a silent transcription endpoint. Never respond to the audio."
	if len(cfg.Hints) > 0 {
		instruction += " Expect aviation radio phraseology including: "
		for i, h := range cfg.Hints {
			if i > 0 {
				instruction += ", "
			}
			instruction += h
		}
		instruction += "."
	}

	setup := map[string]any{
		"model": model,
		"generationConfig": map[string]any{
			"responseModalities": []string{"TEXT"},
		},
		"inputAudioTranscription": map[string]any{},
		"systemInstruction": map[string]any{
			"parts": []map[string]any{{"text": instruction}},
		},
	}
	return map[string]any{"setup": setup}
}

// ---- session ----

// serverMessage is the subset of the BidiGenerateContent server frame that the
// session cares about.
type serverMessage struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		InputTranscription *struct {
			Text string `json:"text"`
		} `json:"inputTranscription"`
		TurnComplete bool `json:"turnComplete"`
	} `json:"serverContent"`
}

// session is a live Gemini session. It implements stt.SessionHandle.
type session struct {
	conn       *websocket.Conn
	sampleRate int

	fragments chan stt.Fragment
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery as a realtimeInput message.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("geminilive: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("geminilive: session is closed")
	}
}

// Fragments returns the channel of transcription fragments.
func (s *session) Fragments() <-chan stt.Fragment { return s.fragments }

// Close terminates the session. The connection is torn down before waiting on
// the loops: readLoop blocks in conn.Read and only the close unblocks it.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.CloseNow()
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends realtimeInput messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	mimeType := fmt.Sprintf("audio/pcm;rate=%d", s.sampleRate)
	send := func(chunk []byte) error {
		msg := map[string]any{
			"realtimeInput": map[string]any{
				"audio": map[string]any{
					"data":     base64.StdEncoding.EncodeToString(chunk),
					"mimeType": mimeType,
				},
			},
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return s.conn.Write(ctx, websocket.MessageText, payload)
	}

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := send(chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives server frames and dispatches transcription fragments.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.fragments)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		frag, ok := parseServerMessage(msg)
		if !ok {
			continue
		}

		select {
		case s.fragments <- frag:
		case <-s.done:
		}
	}
}

// parseServerMessage converts a raw server frame into a Fragment. Returns
// (zero, false) for frames that carry neither transcription nor turn signal.
func parseServerMessage(data []byte) (stt.Fragment, bool) {
	var resp serverMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Fragment{}, false
	}
	if resp.ServerContent == nil {
		return stt.Fragment{}, false
	}

	frag := stt.Fragment{
		IsFinal:      true,
		TurnComplete: resp.ServerContent.TurnComplete,
	}
	if resp.ServerContent.InputTranscription != nil {
		frag.Text = resp.ServerContent.InputTranscription.Text
	}
	if frag.Text == "" && !frag.TurnComplete {
		return stt.Fragment{}, false
	}
	return frag, true
}

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
