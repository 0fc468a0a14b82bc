package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PolicyVersions is an append-only log of loaded policy snapshots, so a
// dashboard can answer "which policy version was active when" without
// the policy loader itself keeping history.
type PolicyVersions struct {
	db *sql.DB
}

// PolicyVersion is one row of the policy_versions table.
type PolicyVersion struct {
	PolicyVersion string
	Checksum      string
	Source        string
	LoadedAt      time.Time
}

// Record appends a policy version, or is a no-op if already recorded
// (policy versions are content-addressed, so a re-load of the same
// config is idempotent here).
func (p *PolicyVersions) Record(ctx context.Context, policyVersion, checksum, source string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO policy_versions (policy_version, checksum, source, loaded_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(policy_version) DO NOTHING;
		`, policyVersion, checksum, source)
		if err != nil {
			return fmt.Errorf("store: record policy version %s: %w", policyVersion, err)
		}
		return nil
	})
}

// Latest returns the most recently loaded policy version, or (nil, nil)
// if none have been recorded yet.
func (p *PolicyVersions) Latest(ctx context.Context) (*PolicyVersion, error) {
	var pv PolicyVersion
	err := p.db.QueryRowContext(ctx, `
		SELECT policy_version, checksum, source, loaded_at
		FROM policy_versions ORDER BY loaded_at DESC LIMIT 1;
	`).Scan(&pv.PolicyVersion, &pv.Checksum, &pv.Source, &pv.LoadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest policy version: %w", err)
	}
	return &pv, nil
}

// List returns every recorded policy version, newest first.
func (p *PolicyVersions) List(ctx context.Context) ([]PolicyVersion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT policy_version, checksum, source, loaded_at
		FROM policy_versions ORDER BY loaded_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list policy versions: %w", err)
	}
	defer rows.Close()

	var out []PolicyVersion
	for rows.Next() {
		var pv PolicyVersion
		if err := rows.Scan(&pv.PolicyVersion, &pv.Checksum, &pv.Source, &pv.LoadedAt); err != nil {
			return nil, fmt.Errorf("store: scan policy version: %w", err)
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}
