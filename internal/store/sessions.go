package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sessions tracks the §3.1 Session entity: the conversational context a
// task or A2A flow runs inside.
type Sessions struct {
	db *sql.DB
}

// Session is one row of the sessions table.
type Session struct {
	SessionKey   string
	AgentID      string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Create inserts a new session, or is a no-op if sessionKey already exists.
func (s *Sessions) Create(ctx context.Context, sessionKey, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_key, agent_id, created_at, last_activity)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(session_key) DO NOTHING;
		`, sessionKey, agentID)
		if err != nil {
			return fmt.Errorf("store: create session %s: %w", sessionKey, err)
		}
		return nil
	})
}

// Touch bumps a session's last_activity to now.
func (s *Sessions) Touch(ctx context.Context, sessionKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET last_activity = CURRENT_TIMESTAMP WHERE session_key = ?;
		`, sessionKey)
		if err != nil {
			return fmt.Errorf("store: touch session %s: %w", sessionKey, err)
		}
		return nil
	})
}

// Get returns a session, or (nil, nil) if it doesn't exist.
func (s *Sessions) Get(ctx context.Context, sessionKey string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, agent_id, created_at, last_activity
		FROM sessions WHERE session_key = ?;
	`, sessionKey).Scan(&sess.SessionKey, &sess.AgentID, &sess.CreatedAt, &sess.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session %s: %w", sessionKey, err)
	}
	return &sess, nil
}

// ListByAgent returns every session belonging to agentID, most recently
// active first.
func (s *Sessions) ListByAgent(ctx context.Context, agentID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, agent_id, created_at, last_activity
		FROM sessions WHERE agent_id = ?
		ORDER BY last_activity DESC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionKey, &sess.AgentID, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
