package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Session struct {
	ID        string         `json:"id"`
	Mode      string         `json:"mode"`
	ModelID   string         `json:"model_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type SessionStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewSessionStore(db *sql.DB, opts ...StoreOption) *SessionStore {
	s := &SessionStore{db: db, nowFn: defaultNow}
	for _, opt := range opts {
		opt(&s.nowFn)
	}
	return s
}

func (s *SessionStore) Create(ctx context.Context, session Session) (Session, error) {
	if strings.TrimSpace(session.ID) == "" {
		return Session{}, fmt.Errorf("session id is required")
	}
	if session.Mode == "" {
		session.Mode = "default"
	}
	now := s.nowFn()
	session.CreatedAt = now
	session.UpdatedAt = now
	usageJSON, err := encodeJSON(session.Usage)
	if err != nil {
		return Session{}, fmt.Errorf("encode usage: %w", err)
	}
	err = execWithRetry(ctx, s.db, `
		INSERT INTO sessions (id, mode, model_id, provider, usage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Mode, nullString(session.ModelID), nullString(session.Provider),
		usageJSON, formatTime(now), formatTime(now))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, model_id, provider, usage, created_at, updated_at
		FROM sessions WHERE id = ?
	`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	return session, true, nil
}

// GetOrCreate returns the existing session or creates one with the given
// defaults. First task submission for a fresh session lands here.
func (s *SessionStore) GetOrCreate(ctx context.Context, sessionID string, defaults Session) (Session, error) {
	session, ok, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if ok {
		return session, nil
	}
	defaults.ID = sessionID
	return s.Create(ctx, defaults)
}

// Update applies mutate in a transaction, retrying on a busy database, and
// returns the updated record, or ok=false when absent.
func (s *SessionStore) Update(ctx context.Context, sessionID string, mutate func(*Session)) (Session, bool, error) {
	var session Session
	var found bool
	err := withTxRetry(ctx, s.db, func(tx *sql.Tx) error {
		session, found = Session{}, false
		row := tx.QueryRowContext(ctx, `
			SELECT id, mode, model_id, provider, usage, created_at, updated_at
			FROM sessions WHERE id = ?
		`, sessionID)
		current, err := scanSession(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load session for update: %w", err)
		}

		mutate(&current)
		current.UpdatedAt = s.nowFn()

		usageJSON, err := encodeJSON(current.Usage)
		if err != nil {
			return fmt.Errorf("encode usage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET mode = ?, model_id = ?, provider = ?, usage = ?, updated_at = ?
			WHERE id = ?
		`, current.Mode, nullString(current.ModelID), nullString(current.Provider), usageJSON,
			formatTime(current.UpdatedAt), current.ID); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		session, found = current, true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return session, found, nil
}

func scanSession(row rowScanner) (Session, error) {
	var session Session
	var modelID, provider, usageStr sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&session.ID, &session.Mode, &modelID, &provider, &usageStr, &createdAtStr, &updatedAtStr); err != nil {
		return Session{}, err
	}
	session.ModelID = modelID.String
	session.Provider = provider.String
	session.Usage = decodeJSONMap(usageStr.String)
	session.CreatedAt = parseTime(createdAtStr)
	session.UpdatedAt = parseTime(updatedAtStr)
	return session, nil
}
