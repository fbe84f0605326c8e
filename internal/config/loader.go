package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"gemini-live", "whisper"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai"},
}

// knownVoices and knownLanguages are the values the bundled scenario and
// prompt sets were written for. Other values still load, with a warning.
var (
	knownVoices    = []string{"Puck", "Kore", "Zephyr", "Charon", "Fenrir"}
	knownLanguages = []string{"en-US", "fr-FR", "ja-JP"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation warns for unknown provider names.
	validateChain("stt", cfg.Providers.STT)
	validateChain("llm", cfg.Providers.LLM)
	validateChain("tts", cfg.Providers.TTS)

	// Provider availability warnings.
	if cfg.Providers.STT.Primary.Name == "" {
		slog.Warn("no STT provider configured; read-backs cannot be transcribed")
	}
	if cfg.Providers.LLM.Primary.Name == "" {
		slog.Warn("no LLM provider configured; read-backs cannot be generated or graded")
	}
	if cfg.Providers.TTS.Primary.Name == "" {
		slog.Warn("no TTS provider configured; instructions will be shown as text only")
	}

	// Assistant
	if t := cfg.Assistant.AccuracyThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("assistant.accuracy_threshold %.2f is out of range [0, 1]", t))
	}
	if ms := cfg.Assistant.SilenceTimeoutMs; ms < 0 {
		errs = append(errs, fmt.Errorf("assistant.silence_timeout_ms %d must not be negative", ms))
	} else if ms > 0 && ms < 500 {
		slog.Warn("assistant.silence_timeout_ms is very short; read-backs may be committed mid-sentence",
			"silence_timeout_ms", ms)
	}
	if v := cfg.Assistant.Voice; v != "" && !slices.Contains(knownVoices, v) {
		slog.Warn("unknown voice name, may be a typo or a provider-specific voice",
			"voice", v, "known", knownVoices)
	}
	if l := cfg.Assistant.Language; l != "" && !slices.Contains(knownLanguages, l) {
		slog.Warn("language has no bundled scenario set; custom scenarios only",
			"language", l, "known", knownLanguages)
	}

	// Recording
	if sr := cfg.Assistant.Recording.SampleRate; sr != 0 && (sr < 8000 || sr > 192000) {
		errs = append(errs, fmt.Errorf("assistant.recording.sample_rate %d is out of range [8000, 192000]", sr))
	}

	return errors.Join(errs...)
}

// validateChain warns about unknown provider names anywhere in a chain.
func validateChain(kind string, chain ProviderChain) {
	validateProviderName(kind, chain.Primary.Name)
	for _, fb := range chain.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
