package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxatc/voxatc/internal/config"
	"github.com/voxatc/voxatc/internal/conversation"
	"github.com/voxatc/voxatc/internal/observe"
	"github.com/voxatc/voxatc/internal/scenario"
	"github.com/voxatc/voxatc/internal/storage/sqlite"
	"github.com/voxatc/voxatc/internal/turn"
	"github.com/voxatc/voxatc/pkg/audio/recorder"
)

// maxImportBytes bounds a scenario import upload.
const maxImportBytes = 1 << 20

// statusResponse is the page's polling view of the turn controller.
type statusResponse struct {
	Status    turn.Status `json:"status"`
	Text      string      `json:"text"`
	MicLevel  float64     `json:"mic_level"`
	Reviewing bool        `json:"reviewing"`
	Scenario  string      `json:"scenario,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	ctrl := s.opts.Controller
	resp := statusResponse{
		Status:    ctrl.Status(),
		Text:      ctrl.CurrentText(),
		MicLevel:  ctrl.MicLevel(),
		Reviewing: ctrl.Reviewing(),
	}
	if scen := ctrl.ActiveScenario(); scen != nil {
		resp.Scenario = scen.ID
	}
	if clsErr := ctrl.LastError(); clsErr != nil && ctrl.Status() == turn.StatusError {
		resp.Error = clsErr.Kind.UserMessage()
		resp.ErrorKind = clsErr.Kind.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]conversation.Entry{
		"entries": s.opts.Log.Entries(),
	})
}

// ── turn control ──

func (s *Server) startTurn(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Controller.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, statusResponse{Status: s.opts.Controller.Status()})
	case errors.Is(err, turn.ErrTurnInFlight), errors.Is(err, turn.ErrReviewing):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func (s *Server) stopTurn(w http.ResponseWriter, _ *http.Request) {
	s.opts.Controller.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) regenerateTurn(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Controller.Regenerate(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, statusResponse{Status: s.opts.Controller.Status()})
	case errors.Is(err, turn.ErrNothingToRegenerate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, turn.ErrTurnInFlight), errors.Is(err, turn.ErrReviewing):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// ── scenarios ──

func (s *Server) listScenarios(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]scenario.Scenario{
		"scenarios": s.opts.Catalog.All(),
	})
}

func (s *Server) createScenario(w http.ResponseWriter, r *http.Request) {
	var scen scenario.Scenario
	if err := json.NewDecoder(r.Body).Decode(&scen); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := s.opts.Catalog.Add(scen)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.syncScenarios(r)
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) deleteScenario(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Catalog.Delete(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		s.syncScenarios(r)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, scenario.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scenario.ErrBuiltin):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) selectScenario(w http.ResponseWriter, r *http.Request) {
	scen, err := s.opts.Catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.opts.Controller.SelectScenario(r.Context(), scen); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, scen)
}

func (s *Server) exitTraining(w http.ResponseWriter, _ *http.Request) {
	s.opts.Controller.ExitTraining()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportScenarios(w http.ResponseWriter, _ *http.Request) {
	data, err := s.opts.Catalog.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="voxatc-scenarios.json"`)
	w.Write(data)
}

func (s *Server) importScenarios(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.opts.Catalog.Import(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.syncScenarios(r)
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// syncScenarios mirrors the catalog's custom scenarios into storage.
func (s *Server) syncScenarios(r *http.Request) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.ReplaceScenarios(r.Context(), s.opts.Catalog.Custom()); err != nil {
		observe.Logger(r.Context()).Warn("server: persisting scenarios failed", "error", err)
	}
}

// ── sessions ──

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	sessions, err := s.opts.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]sqlite.Session{"sessions": sessions})
}

func (s *Server) saveSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	sess, err := s.opts.Store.SaveSession(r.Context(), s.opts.Log.Entries())
	switch {
	case err == nil:
		if err := s.opts.Store.ClearSnapshot(r.Context()); err != nil {
			observe.Logger(r.Context()).Warn("server: clearing snapshot failed", "error", err)
		}
		writeJSON(w, http.StatusCreated, sess)
	case errors.Is(err, sqlite.ErrEmptySession):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.opts.Controller.LoadSession(sess.Log); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch err := s.opts.Store.DeleteSession(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, sqlite.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) clearSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	if err := s.opts.Store.ClearSessions(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.NewSession(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.ClearSnapshot(r.Context()); err != nil {
			observe.Logger(r.Context()).Warn("server: clearing snapshot failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (sqlite.Session, bool) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return sqlite.Session{}, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return sqlite.Session{}, false
	}
	sess, err := s.opts.Store.GetSession(r.Context(), id)
	switch {
	case err == nil:
		return sess, true
	case errors.Is(err, sqlite.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
	return sqlite.Session{}, false
}

// ── preferences ──

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	prefs, err := s.opts.Store.LoadPreferences(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, prefs)
	case errors.Is(err, sqlite.ErrNoPreferences):
		writeJSON(w, http.StatusOK, defaultPreferences())
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	var prefs sqlite.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Store.SavePreferences(r.Context(), prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.opts.OnPreferences != nil {
		s.opts.OnPreferences(prefs)
	}
	writeJSON(w, http.StatusOK, prefs)
}

func defaultPreferences() sqlite.Preferences {
	return sqlite.Preferences{
		Callsign:          config.DefaultCallsign,
		Language:          "en-US",
		Voice:             "Puck",
		AccuracyThreshold: config.DefaultAccuracyThreshold,
	}
}

// ── recording ──

func (s *Server) getRecording(w http.ResponseWriter, _ *http.Request) {
	rec := s.opts.Recorder
	if rec == nil || rec.Duration() == 0 {
		writeError(w, http.StatusNotFound, errors.New("server: no recording available"))
		return
	}
	wav, err := rec.WAV()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	callsign := config.DefaultCallsign
	if s.opts.Callsign != nil {
		callsign = s.opts.Callsign()
	}
	name := recorder.FileName(callsign, time.Now())

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write(wav)
}

var errNoStore = errors.New("server: persistence is not configured")
