package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Preferences are the user-adjustable assistant settings that persist across
// restarts and override the static config file when present.
type Preferences struct {
	Callsign                string  `json:"callsign"`
	Language                string  `json:"language"`
	Voice                   string  `json:"voice"`
	AccuracyThreshold       float64 `json:"accuracy_threshold"`
	SpeakFeedbackInTraining bool    `json:"speak_feedback_in_training"`
	RecordingEnabled        bool    `json:"recording_enabled"`
}

// ErrNoPreferences is returned by LoadPreferences before any have been saved.
var ErrNoPreferences = errors.New("storage: no preferences")

const prefsKey = "preferences"

// SavePreferences upserts the preference record.
func (s *Store) SavePreferences(ctx context.Context, p Preferences) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: marshal preferences: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO prefs (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		prefsKey, string(data),
	); err != nil {
		return fmt.Errorf("storage: save preferences: %w", err)
	}
	return nil
}

// LoadPreferences returns the saved preferences, or [ErrNoPreferences] when
// none exist yet.
func (s *Store) LoadPreferences(ctx context.Context) (Preferences, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, prefsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, ErrNoPreferences
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("storage: load preferences: %w", err)
	}

	var p Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Preferences{}, fmt.Errorf("storage: unmarshal preferences: %w", err)
	}
	return p, nil
}
