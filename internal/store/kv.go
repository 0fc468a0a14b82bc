package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KV is a generic string-keyed value store for small bits of process
// state that don't warrant a dedicated table (last-seen cursors, feature
// toggles read by the CLI, etc).
type KV struct {
	db *sql.DB
}

// Set upserts key/value.
func (k *KV) Set(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := k.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		if err != nil {
			return fmt.Errorf("store: kv set %s: %w", key, err)
		}
		return nil
	})
}

// Get returns (value, true) if key is set, or ("", false) otherwise.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: kv get %s: %w", key, err)
	}
	return value, true, nil
}

// Delete removes key, if present.
func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key)
	if err != nil {
		return fmt.Errorf("store: kv delete %s: %w", key, err)
	}
	return nil
}
