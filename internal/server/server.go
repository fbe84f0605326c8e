// Package server exposes the trainer over HTTP: a JSON control API for the
// page, a websocket audio channel, health and readiness probes, and the
// Prometheus scrape endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/health"
	"github.com/voxatc/voxatc/internal/observe"
	"github.com/voxatc/voxatc/internal/scenario"
	"github.com/voxatc/voxatc/internal/storage/sqlite"
	"github.com/voxatc/voxatc/internal/turn"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
)

// Options wires the server's collaborators. Controller, Log, Catalog,
// Gateway, and Health are required; the rest degrade gracefully when nil.
type Options struct {
	Controller *turn.Controller
	Log        *conversation.Log
	Catalog    *scenario.Catalog
	Gateway    *AudioGateway
	Health     *health.Handler

	// Store persists sessions, scenarios, and preferences. Nil disables the
	// persistence endpoints.
	Store *sqlite.Store

	// Recorder is the session recording mix served as a WAV download.
	Recorder *recorder.Recorder

	// Metrics enables the HTTP middleware and /metrics endpoint.
	Metrics *observe.Metrics

	// Callsign returns the active callsign, used to name the recording
	// artifact. Nil falls back to a fixed name.
	Callsign func() string

	// OnPreferences is invoked after preferences are saved so the caller
	// can push the changes into the live pipeline.
	OnPreferences func(sqlite.Preferences)
}

// Server is the HTTP surface of the trainer.
type Server struct {
	opts Options
}

// New creates a Server from its collaborators.
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if s.opts.Metrics != nil {
		r.Use(observe.Middleware(s.opts.Metrics))
	}

	r.Get("/healthz", s.opts.Health.Healthz)
	r.Get("/readyz", s.opts.Health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/log", s.getLog)

		r.Post("/turn/start", s.startTurn)
		r.Post("/turn/stop", s.stopTurn)
		r.Post("/turn/regenerate", s.regenerateTurn)

		r.Get("/scenarios", s.listScenarios)
		r.Post("/scenarios", s.createScenario)
		r.Get("/scenarios/export", s.exportScenarios)
		r.Post("/scenarios/import", s.importScenarios)
		r.Post("/scenarios/exit", s.exitTraining)
		r.Delete("/scenarios/{id}", s.deleteScenario)
		r.Post("/scenarios/{id}/select", s.selectScenario)

		r.Get("/sessions", s.listSessions)
		r.Post("/sessions", s.saveSession)
		r.Delete("/sessions", s.clearSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.deleteSession)
		r.Post("/sessions/{id}/load", s.loadSession)
		r.Post("/session/new", s.newSession)

		r.Get("/preferences", s.getPreferences)
		r.Put("/preferences", s.putPreferences)

		r.Get("/recording", s.getRecording)

		r.Get("/ws/audio", s.opts.Gateway.HandleAudio)
	})

	return r
}

// apiError is the JSON error body.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}
