// Package openai provides a TTS provider backed by the OpenAI speech API
// (/v1/audio/speech). With response_format=pcm the endpoint returns raw
// 24 kHz 16-bit little-endian mono samples, which feed playback and the
// session recording mix without any container parsing.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxatc/voxatc/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// pcmSampleRate is fixed by the API for response_format=pcm.
	pcmSampleRate = 24000
)

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider. model may be empty, in which case
// gpt-4o-mini-tts is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("openai: text must not be empty")
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceName(voice)),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = param.NewOpt(voice.Speed)
	}
	if voice.Instructions != "" {
		params.Instructions = param.NewOpt(voice.Instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("openai: speech response was empty")
	}
	return pcm, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() tts.Format {
	return tts.Format{SampleRate: pcmSampleRate, Channels: 1}
}

// voiceName maps a VoiceProfile to an OpenAI voice identifier, falling back
// to the default voice when none is set.
func voiceName(voice tts.VoiceProfile) string {
	if voice.Name == "" {
		return defaultVoice
	}
	return voice.Name
}

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)
