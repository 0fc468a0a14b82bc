package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agents is the roster CRUD backing §3.1's Agent record: {agentId,
// displayName, workspaceDir, status, createdAt}. Distinct from the Task
// store — this is fleet membership bookkeeping, not task state.
type Agents struct {
	db *sql.DB
}

// AgentStatus is an Agent record's lifecycle position.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentStopped AgentStatus = "stopped"
)

// Agent is one row of the agents table.
type Agent struct {
	AgentID      string
	DisplayName  string
	WorkspaceDir string
	Status       AgentStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Create registers a new agent in status=active, or reactivates an
// existing record with the same id.
func (a *Agents) Create(ctx context.Context, agentID, displayName, workspaceDir string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, display_name, workspace_dir, status, created_at, updated_at)
			VALUES (?, ?, ?, 'active', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(agent_id) DO UPDATE SET
				display_name = excluded.display_name,
				workspace_dir = excluded.workspace_dir,
				status = 'active',
				updated_at = CURRENT_TIMESTAMP;
		`, agentID, displayName, workspaceDir)
		if err != nil {
			return fmt.Errorf("store: create agent %s: %w", agentID, err)
		}
		return nil
	})
}

// Get returns an agent record, or (nil, nil) if it doesn't exist.
func (a *Agents) Get(ctx context.Context, agentID string) (*Agent, error) {
	var rec Agent
	err := a.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, workspace_dir, status, created_at, updated_at
		FROM agents WHERE agent_id = ?;
	`, agentID).Scan(&rec.AgentID, &rec.DisplayName, &rec.WorkspaceDir, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get agent %s: %w", agentID, err)
	}
	return &rec, nil
}

// List returns every agent record, oldest first.
func (a *Agents) List(ctx context.Context) ([]Agent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT agent_id, display_name, workspace_dir, status, created_at, updated_at
		FROM agents ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var rec Agent
		if err := rows.Scan(&rec.AgentID, &rec.DisplayName, &rec.WorkspaceDir, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateStatus sets status for agentID, failing if no such agent exists.
func (a *Agents) UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("store: update agent status %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update agent status %s: rows affected: %w", agentID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: agent %q not found", agentID)
	}
	return nil
}

// Remove deletes an agent's roster entry entirely.
func (a *Agents) Remove(ctx context.Context, agentID string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("store: remove agent %s: %w", agentID, err)
	}
	return nil
}
