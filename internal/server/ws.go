package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxatc/voxatc/pkg/audio"
	"github.com/voxatc/voxatc/pkg/audio/capture"
	"github.com/voxatc/voxatc/pkg/provider/tts"
)

// sourceBuffer bounds how many pending frames the capture graph may lag
// behind the websocket before frames are dropped.
const sourceBuffer = 64

// clientMessage is a JSON control message from the page.
//
//	{"type": "hello", "sample_rate": 16000, "channels": 1}
//	{"type": "mic_error", "reason": "permission_denied"}
//	{"type": "mic_ok"}
type clientMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// playMessage announces a playback clip; the binary frame that follows is
// the PCM payload.
type playMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Bytes      int    `json:"bytes"`
}

// AudioGateway bridges the page's single audio websocket to the rest of the
// server. Binary frames from the client feed the active capture acquisition;
// synthesized clips and JSON events flow back over the same connection.
//
// One client at a time: a new connection displaces the previous one.
type AudioGateway struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	sub        *wsSource
	micErr     error
	sampleRate int
	channels   int

	writeMu sync.Mutex
}

// NewAudioGateway creates a gateway with no connected client.
func NewAudioGateway() *AudioGateway {
	return &AudioGateway{}
}

// HandleAudio upgrades the request and serves the connection until the
// client goes away. Implements the page's audio endpoint.
func (g *AudioGateway) HandleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket accept failed", "error", err)
		return
	}
	g.attach(conn)
	defer g.detach(conn)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("server: audio websocket read ended", "error", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			g.deliver(data)
		case websocket.MessageText:
			g.control(data)
		}
	}
}

// Open implements [capture.OpenFunc]. It fails when no page is connected or
// when the page has reported a microphone failure.
func (g *AudioGateway) Open(_ context.Context) (capture.Source, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil, fmt.Errorf("%w: no client connected", capture.ErrNoDevice)
	}
	if g.micErr != nil {
		return nil, g.micErr
	}
	if g.sub != nil {
		g.sub.close()
	}
	g.sub = newWSSource(g)
	return g.sub, nil
}

// Play implements [pipeline.Player]: a JSON announcement followed by the
// binary PCM clip.
func (g *AudioGateway) Play(ctx context.Context, pcm []byte, format tts.Format) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return errors.New("server: no client connected for playback")
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	header, err := json.Marshal(playMessage{
		Type:       "play",
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Bytes:      len(pcm),
	})
	if err != nil {
		return fmt.Errorf("server: encode play header: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, header); err != nil {
		return fmt.Errorf("server: send play header: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("server: send clip: %w", err)
	}
	return nil
}

// Notify pushes a JSON event to the connected page. A missing client is not
// an error; events are advisory.
func (g *AudioGateway) Notify(v any) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("server: encode event failed", "error", err)
		return
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("server: event push failed", "error", err)
	}
}

// Connected reports whether a page is currently attached.
func (g *AudioGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

func (g *AudioGateway) attach(conn *websocket.Conn) {
	g.mu.Lock()
	prev := g.conn
	g.conn = conn
	g.micErr = nil
	g.sampleRate = audio.CaptureRate
	g.channels = 1
	g.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.StatusPolicyViolation, "replaced by new client")
	}
}

func (g *AudioGateway) detach(conn *websocket.Conn) {
	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	// Ending the stream lets the active acquisition commit what it has.
	if sub != nil {
		sub.close()
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (g *AudioGateway) deliver(data []byte) {
	g.mu.Lock()
	sub := g.sub
	rate := g.sampleRate
	channels := g.channels
	g.mu.Unlock()
	if sub == nil {
		return
	}
	sub.push(audio.Frame{Data: data, SampleRate: rate, Channels: channels})
}

func (g *AudioGateway) control(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("server: undecodable control message", "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch msg.Type {
	case "hello":
		if msg.SampleRate > 0 {
			g.sampleRate = msg.SampleRate
		}
		if msg.Channels > 0 {
			g.channels = msg.Channels
		}
	case "mic_error":
		g.micErr = micError(msg.Reason)
	case "mic_ok":
		g.micErr = nil
	}
}

// micError maps a client-reported microphone failure onto the capture
// sentinels.
func micError(reason string) error {
	switch reason {
	case "permission_denied":
		return capture.ErrPermissionDenied
	case "no_device":
		return capture.ErrNoDevice
	case "device_busy":
		return capture.ErrDeviceBusy
	default:
		return fmt.Errorf("%w: client reported %q", capture.ErrNoDevice, reason)
	}
}

// wsSource adapts one acquisition's view of the gateway to
// [capture.Source].
type wsSource struct {
	gateway *AudioGateway

	mu     sync.Mutex
	frames chan audio.Frame
	closed bool
}

var _ capture.Source = (*wsSource)(nil)

func newWSSource(g *AudioGateway) *wsSource {
	return &wsSource{gateway: g, frames: make(chan audio.Frame, sourceBuffer)}
}

func (s *wsSource) Frames() <-chan audio.Frame { return s.frames }

func (s *wsSource) Close() error {
	g := s.gateway
	g.mu.Lock()
	if g.sub == s {
		g.sub = nil
	}
	g.mu.Unlock()
	s.close()
	return nil
}

func (s *wsSource) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// push enqueues a frame, dropping it when the capture graph has fallen
// behind. Capture callbacks must never block the websocket read loop.
func (s *wsSource) push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- f:
	default:
	}
}
