package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openclaw/fleet/internal/shared"
)

// AuditLog is the append-only §3.1 Audit log entry stream: {ts, actor,
// action, subject, detail}, written for every lifecycle-operation
// success/failure and every A2A job transition. Unlike the teacher's
// package-level audit.Record (internal/audit/audit.go), this is
// instance-based so multiple stores (tests, multiple agent processes in
// one binary) don't share hidden global state.
type AuditLog struct {
	db *sql.DB
}

// Entry is one row of the audit_log table.
type Entry struct {
	AuditID int64
	TS      time.Time
	Actor   string
	Action  string
	Subject string
	Detail  string
}

// Record appends an audit entry. subject and detail are redacted before
// persistence, matching the teacher's GC-SPEC-SEC-005 redaction step.
func (a *AuditLog) Record(ctx context.Context, actor, action, subject, detail string) error {
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)
	return retryOnBusy(ctx, 5, func() error {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO audit_log (ts, actor, action, subject, detail)
			VALUES (CURRENT_TIMESTAMP, ?, ?, ?, ?);
		`, actor, action, subject, detail)
		if err != nil {
			return fmt.Errorf("store: record audit entry: %w", err)
		}
		return nil
	})
}

// Recent returns the most recent limit audit entries, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT audit_id, ts, actor, action, subject, detail
		FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.AuditID, &e.TS, &e.Actor, &e.Action, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForSubject returns the most recent limit audit entries for a specific
// subject (e.g. a task id or agent id), newest first.
func (a *AuditLog) ForSubject(ctx context.Context, subject string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT audit_id, ts, actor, action, subject, detail
		FROM audit_log WHERE subject = ? ORDER BY audit_id DESC LIMIT ?;
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit entries for %s: %w", subject, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.AuditID, &e.TS, &e.Actor, &e.Action, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
