package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TryAdmitDurable is the durable-path half of the dual rate limiter
// (SPEC_FULL §4.8): a conditional insert that succeeds only if fewer than
// limit rows exist for key within window. This is the source of truth; the
// in-memory fast path in internal/ratelimit is a cache in front of it.
func (s *Store) TryAdmitDurable(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	var admitted bool
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limits WHERE key = ? AND timestamp > ?`,
			key, now.Add(-window).Unix()).Scan(&count)
		if err != nil {
			return fmt.Errorf("count rate limit rows: %w", err)
		}
		if count >= limit {
			admitted = false
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO rate_limits (key, timestamp) VALUES (?, ?)`, key, now.Unix())
		if err != nil {
			return fmt.Errorf("insert rate limit row: %w", err)
		}
		admitted = true
		return nil
	})
	return admitted, err
}

// PruneRateLimits deletes rate-limit rows older than horizon.
func (s *Store) PruneRateLimits(ctx context.Context, horizon time.Duration, now time.Time) (int64, error) {
	var n int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `DELETE FROM rate_limits WHERE timestamp <= ?`, now.Add(-horizon).Unix())
		if execErr != nil {
			return fmt.Errorf("prune rate limits: %w", execErr)
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}
