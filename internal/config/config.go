// Package config provides the configuration schema, loader, and provider
// registry for the VoxATC read-back trainer.
package config

// LogLevel controls log verbosity for the VoxATC server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	// DefaultCallsign is the aircraft callsign used when none is configured.
	DefaultCallsign = "November-One-Two-Three-Alpha-Bravo"

	// DefaultSilenceTimeoutMs is how long the turn controller waits after the
	// last transcript fragment before committing the read-back.
	DefaultSilenceTimeoutMs = 3000

	// DefaultAccuracyThreshold is the minimum local similarity score treated
	// as a correct read-back when the LLM grader is unavailable.
	DefaultAccuracyThreshold = 0.85
)

// Config is the root configuration structure for VoxATC.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds network and logging settings for the VoxATC server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each chain selects named providers registered in the
// [Registry]; entries after the first act as failover targets.
type ProvidersConfig struct {
	STT ProviderChain `yaml:"stt"`
	LLM ProviderChain `yaml:"llm"`
	TTS ProviderChain `yaml:"tts"`
}

// ProviderChain is a primary provider plus an ordered list of fallbacks.
type ProviderChain struct {
	// Primary is the preferred provider for this stage.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "models/gemini-2.5-flash-native-audio-preview-09-2025").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AssistantConfig describes the simulated controller and session behaviour.
type AssistantConfig struct {
	// Callsign is the aircraft callsign the trainer addresses, spelled out in
	// the phonetic alphabet (e.g. "November-One-Two-Three-Alpha-Bravo").
	Callsign string `yaml:"callsign"`

	// Language is the BCP-47 tag for instruction generation and transcription
	// (e.g. "en-US", "fr-FR", "ja-JP").
	Language string `yaml:"language"`

	// Voice is the synthesis voice name (e.g. "Puck", "Kore").
	Voice string `yaml:"voice"`

	// AccuracyThreshold is the minimum similarity score in [0, 1] accepted as
	// a correct read-back by the local grader.
	AccuracyThreshold float64 `yaml:"accuracy_threshold"`

	// SilenceTimeoutMs is how long to wait after the last transcript fragment
	// before committing the pilot's read-back, in milliseconds.
	SilenceTimeoutMs int `yaml:"silence_timeout_ms"`

	// SpeakFeedbackInTraining synthesizes grading feedback aloud during
	// training scenarios instead of showing it on screen only.
	SpeakFeedbackInTraining bool `yaml:"speak_feedback_in_training"`

	// Recording configures the per-session audio recording.
	Recording RecordingConfig `yaml:"recording"`
}

// RecordingConfig holds settings for the session recording mix.
type RecordingConfig struct {
	// Enabled turns session recording on.
	Enabled bool `yaml:"enabled"`

	// SampleRate is the recording mix rate in Hz. Zero selects 48000.
	SampleRate int `yaml:"sample_rate"`

	// Dir is the directory where finished recordings are written. Empty means
	// recordings are only served over HTTP, never persisted to disk.
	Dir string `yaml:"dir"`
}

// StorageConfig holds settings for the session store.
type StorageConfig struct {
	// Path is the SQLite database file. Empty selects "voxatc.db" in the
	// working directory.
	Path string `yaml:"path"`
}

// ApplyDefaults fills in zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Assistant.Callsign == "" {
		cfg.Assistant.Callsign = DefaultCallsign
	}
	if cfg.Assistant.Language == "" {
		cfg.Assistant.Language = "en-US"
	}
	if cfg.Assistant.Voice == "" {
		cfg.Assistant.Voice = "Puck"
	}
	if cfg.Assistant.AccuracyThreshold == 0 {
		cfg.Assistant.AccuracyThreshold = DefaultAccuracyThreshold
	}
	if cfg.Assistant.SilenceTimeoutMs == 0 {
		cfg.Assistant.SilenceTimeoutMs = DefaultSilenceTimeoutMs
	}
	if cfg.Assistant.Recording.SampleRate == 0 {
		cfg.Assistant.Recording.SampleRate = 48000
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "voxatc.db"
	}
}
