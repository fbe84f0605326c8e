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

// Session is one completed training session as persisted.
type Session struct {
	// ID is the creation timestamp in Unix milliseconds, which doubles as
	// the sort key (newest first).
	ID int64 `json:"id"`

	// Date is the human-readable creation time.
	Date string `json:"date"`

	// Log is the full session transcript.
	Log []conversation.Entry `json:"log"`
}

// ErrEmptySession is returned when saving a session with no transcript.
var ErrEmptySession = errors.New("storage: session log is empty")

// SaveSession persists a completed session transcript and returns the stored
// record. Sessions are immutable once saved.
func (s *Store) SaveSession(ctx context.Context, log []conversation.Entry) (Session, error) {
	if len(log) == 0 {
		return Session{}, ErrEmptySession
	}

	now := time.Now()
	sess := Session{
		ID:   now.UnixMilli(),
		Date: now.Format("2006-01-02 15:04:05"),
		Log:  log,
	}

	data, err := json.Marshal(log)
	if err != nil {
		return Session{}, fmt.Errorf("storage: marshal session log: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, date, log) VALUES (?, ?, ?)`,
		sess.ID, sess.Date, string(data),
	); err != nil {
		return Session{}, fmt.Errorf("storage: insert session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all saved sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, log FROM sessions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns one saved session by ID. Returns [ErrNotFound] when no
// such session exists.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, date, log FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	return sess, err
}

// DeleteSession removes one saved session. Returns [ErrNotFound] when no
// such session exists.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	return nil
}

// ClearSessions removes all saved sessions.
func (s *Store) ClearSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("storage: clear sessions: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (Session, error) {
	var (
		sess    Session
		logJSON string
	)
	if err := scan(&sess.ID, &sess.Date, &logJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("storage: scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(logJSON), &sess.Log); err != nil {
		return Session{}, fmt.Errorf("storage: unmarshal session log: %w", err)
	}
	return sess, nil
}
