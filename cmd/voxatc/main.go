// Command voxatc is the ATC read-back trainer server. It serves the control
// API and audio websocket for the browser page, drives the transcription and
// read-back pipeline, and persists sessions locally.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/voxatc/voxatc/internal/config"
	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/health"
	"github.com/voxatc/voxatc/internal/observe"
	"github.com/voxatc/voxatc/internal/pipeline"
	"github.com/voxatc/voxatc/internal/readback"
	"github.com/voxatc/voxatc/internal/resilience"
	"github.com/voxatc/voxatc/internal/scenario"
	"github.com/voxatc/voxatc/internal/server"
	"github.com/voxatc/voxatc/internal/storage/sqlite"
	"github.com/voxatc/voxatc/internal/turn"
	"github.com/voxatc/voxatc/pkg/audio/capture"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
	"github.com/voxatc/voxatc/pkg/provider/llm"
	"github.com/voxatc/voxatc/pkg/provider/llm/anyllm"
	oaillm "github.com/voxatc/voxatc/pkg/provider/llm/openai"
	"github.com/voxatc/voxatc/pkg/provider/stt"
	"github.com/voxatc/voxatc/pkg/provider/stt/geminilive"
	"github.com/voxatc/voxatc/pkg/provider/stt/whisper"
	"github.com/voxatc/voxatc/pkg/provider/tts"
	oaitts "github.com/voxatc/voxatc/pkg/provider/tts/openai"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxatc: config file %q not found (copy configs/example.yaml to get started)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxatc: %v\n", err)
		}
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("voxatc starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxatc"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := buildLLM(reg, cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	sttProvider, err := buildSTT(reg, cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	ttsProvider, err := buildTTS(reg, cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to open session store", "err", err)
		return 1
	}
	defer store.Close()

	catalog := scenario.NewCatalog()
	if custom, err := store.ListScenarios(ctx); err != nil {
		slog.Warn("loading custom scenarios failed", "err", err)
	} else if len(custom) > 0 {
		catalog.Load(custom)
		slog.Info("custom scenarios loaded", "count", len(custom))
	}

	assistant := cfg.Assistant
	if prefs, err := store.LoadPreferences(ctx); err == nil {
		assistant = overrideAssistant(assistant, prefs)
		slog.Info("stored preferences applied")
	} else if !errors.Is(err, sqlite.ErrNoPreferences) {
		slog.Warn("loading preferences failed", "err", err)
	}

	// ── Session state ─────────────────────────────────────────────────────────
	log := conversation.NewLog()
	if entries, err := store.LoadSnapshot(ctx); err == nil {
		log.Load(entries)
		slog.Info("interrupted session restored", "entries", len(entries))
	} else if !errors.Is(err, sqlite.ErrNoSnapshot) {
		slog.Warn("loading session snapshot failed", "err", err)
	}

	var rec *recorder.Recorder
	if assistant.Recording.Enabled {
		rec = recorder.New(assistant.Recording.SampleRate)
		defer rec.Close()
	}

	// ── Pipeline and turn controller ──────────────────────────────────────────
	gate := health.NewGate()
	gateway := server.NewAudioGateway()
	manager := capture.NewManager(gateway.Open)

	generator := readback.NewGenerator(llmProvider)
	localGrader := readback.NewLocalGrader(assistant.AccuracyThreshold)
	grader := readback.NewGrader(llmProvider, readback.WithLocalFallback(localGrader))
	extractor := readback.NewExtractor(llmProvider)

	// The stage listener is bound after the controller exists; the pipeline
	// only runs once a turn has been started through the controller.
	var ctrl *turn.Controller
	seq := pipeline.NewSequencer(
		extractor, generator, grader, ttsProvider, gateway, log,
		pipelineSettings(assistant),
		pipeline.WithMetrics(metrics),
		pipeline.WithRecorder(rec),
		pipeline.WithStageListener(func(st turn.Stage) { ctrl.StageChanged(st) }),
		pipeline.WithCallsignListener(func(detected string) {
			gateway.Notify(map[string]string{"type": "callsign_detected", "callsign": detected})
		}),
	)

	ctrl = turn.NewController(manager, sttProvider, seq, log,
		turnSettings(assistant, rec),
		turn.WithGate(gate),
		turn.WithMetrics(metrics),
		turn.WithSnapshotter(store),
		turn.WithStatusListener(func(st turn.Status) {
			gateway.Notify(map[string]string{"type": "status", "status": st.String()})
		}),
	)

	// Live settings shared between the preference handler, the config
	// watcher, and the recording download.
	var settingsMu sync.Mutex
	applyAssistant := func(a config.AssistantConfig) {
		settingsMu.Lock()
		assistant = a
		settingsMu.Unlock()
		ctrl.ApplySettings(turnSettings(a, rec))
		seq.ApplySettings(pipelineSettings(a))
		localGrader.SetThreshold(a.AccuracyThreshold)
	}
	currentCallsign := func() string {
		settingsMu.Lock()
		defer settingsMu.Unlock()
		return assistant.Callsign
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(server.Options{
		Controller: ctrl,
		Log:        log,
		Catalog:    catalog,
		Gateway:    gateway,
		Health:     health.New(gate.Checker("providers")),
		Store:      store,
		Recorder:   rec,
		Metrics:    metrics,
		Callsign:   currentCallsign,
		OnPreferences: func(p sqlite.Preferences) {
			settingsMu.Lock()
			merged := overrideAssistant(assistant, p)
			settingsMu.Unlock()
			applyAssistant(merged)
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Provider and storage changes need a restart; the log level and
	// assistant settings apply live. Saved preferences keep precedence over
	// the reloaded file.
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if !d.AssistantChanged {
			return
		}
		merged := updated.Assistant
		if p, err := store.LoadPreferences(context.Background()); err == nil {
			merged = overrideAssistant(merged, p)
		}
		applyAssistant(merged)
		slog.Info("assistant settings reloaded",
			"callsign", merged.Callsign, "language", merged.Language, "voice", merged.Voice)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready", "addr", cfg.Server.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")

		ctrl.Abort()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	saveRecording(rec, cfg.Assistant.Recording.Dir, currentCallsign())

	slog.Info("goodbye")
	return 0
}

// saveRecording writes the session mix to dir on shutdown. A nil recorder,
// empty dir, or empty mix all skip the export.
func saveRecording(rec *recorder.Recorder, dir, callsign string) {
	if rec == nil || dir == "" || rec.Duration() == 0 {
		return
	}
	data, err := rec.WAV()
	if err != nil {
		slog.Warn("recording export failed", "err", err)
		return
	}
	path := filepath.Join(dir, recorder.FileName(callsign, time.Now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("recording write failed", "path", path, "err", err)
		return
	}
	slog.Info("session recording saved", "path", path, "duration", rec.Duration())
}

// ── Settings plumbing ─────────────────────────────────────────────────────────

func turnSettings(a config.AssistantConfig, rec *recorder.Recorder) turn.Settings {
	return turn.Settings{
		Callsign:       a.Callsign,
		Language:       a.Language,
		SilenceTimeout: time.Duration(a.SilenceTimeoutMs) * time.Millisecond,
		Recording:      a.Recording.Enabled && rec != nil,
		RecordingRate:  a.Recording.SampleRate,
		Recorder:       rec,
	}
}

func pipelineSettings(a config.AssistantConfig) pipeline.Settings {
	return pipeline.Settings{
		Callsign:                a.Callsign,
		Language:                a.Language,
		Voice:                   a.Voice,
		SpeakFeedbackInTraining: a.SpeakFeedbackInTraining,
	}
}

// overrideAssistant layers stored user preferences over the file config.
func overrideAssistant(a config.AssistantConfig, p sqlite.Preferences) config.AssistantConfig {
	if p.Callsign != "" {
		a.Callsign = p.Callsign
	}
	if p.Language != "" {
		a.Language = p.Language
	}
	if p.Voice != "" {
		a.Voice = p.Voice
	}
	if p.AccuracyThreshold > 0 {
		a.AccuracyThreshold = p.AccuracyThreshold
	}
	a.SpeakFeedbackInTraining = p.SpeakFeedbackInTraining
	a.Recording.Enabled = p.RecordingEnabled
	return a
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with the
// trainer into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Everything besides openai runs through the any-llm gateway.
	for _, name := range []string{"gemini", "anthropic", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("gemini-live", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithEndpoint(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})
}

func fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{},
	}
}

func buildLLM(reg *config.Registry, chain config.ProviderChain) (llm.Provider, error) {
	if chain.Primary.Name == "" {
		return nil, errors.New("providers.llm.primary is required")
	}
	primary, err := reg.CreateLLM(chain.Primary)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", chain.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", chain.Primary.Name, "model", chain.Primary.Model)
	if len(chain.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, chain.Primary.Name, fallbackConfig())
	for _, entry := range chain.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
		slog.Info("fallback provider created", "kind", "llm", "name", entry.Name)
	}
	return group, nil
}

func buildSTT(reg *config.Registry, chain config.ProviderChain) (stt.Provider, error) {
	if chain.Primary.Name == "" {
		return nil, errors.New("providers.stt.primary is required")
	}
	primary, err := reg.CreateSTT(chain.Primary)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", chain.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", chain.Primary.Name, "model", chain.Primary.Model)
	if len(chain.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewSTTFallback(primary, chain.Primary.Name, fallbackConfig())
	for _, entry := range chain.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
		slog.Info("fallback provider created", "kind", "stt", "name", entry.Name)
	}
	return group, nil
}

// buildTTS returns a nil provider when no TTS is configured; the pipeline
// then completes turns with text read-backs only.
func buildTTS(reg *config.Registry, chain config.ProviderChain) (tts.Provider, error) {
	if chain.Primary.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateTTS(chain.Primary)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", chain.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", chain.Primary.Name, "model", chain.Primary.Model)
	if len(chain.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewTTSFallback(primary, chain.Primary.Name, fallbackConfig())
	for _, entry := range chain.Fallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
		slog.Info("fallback provider created", "kind", "tts", "name", entry.Name)
	}
	return group, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string from a provider Options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
