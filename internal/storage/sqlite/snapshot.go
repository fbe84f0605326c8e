package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxatc/voxatc/internal/conversation"
)

// ErrNoSnapshot is returned by LoadSnapshot when no in-progress session was
// saved.
var ErrNoSnapshot = errors.New("storage: no snapshot")

// SaveSnapshot upserts the single in-progress session snapshot. The
// controller autosaves through this periodically and on shutdown so an
// interrupted session can be resumed.
func (s *Store) SaveSnapshot(ctx context.Context, log []conversation.Entry) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot (id, log, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET log = excluded.log, updated_at = excluded.updated_at`,
		string(data), time.Now().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("storage: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the in-progress session transcript, or [ErrNoSnapshot]
// when none exists.
func (s *Store) LoadSnapshot(ctx context.Context) ([]conversation.Entry, error) {
	var logJSON string
	err := s.db.QueryRowContext(ctx, `SELECT log FROM snapshot WHERE id = 1`).Scan(&logJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}

	var log []conversation.Entry
	if err := json.Unmarshal([]byte(logJSON), &log); err != nil {
		return nil, fmt.Errorf("storage: unmarshal snapshot: %w", err)
	}
	return log, nil
}

// ClearSnapshot removes the in-progress snapshot, called on explicit new
// session or after the session is saved properly.
func (s *Store) ClearSnapshot(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshot WHERE id = 1`); err != nil {
		return fmt.Errorf("storage: clear snapshot: %w", err)
	}
	return nil
}
