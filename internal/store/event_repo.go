package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertEvent appends a game event row (SPEC_FULL §3 Event log).
func (s *Store) InsertEvent(ctx context.Context, id string, entryID *string, eventType string, detail *string, now time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO game_events (id, entry_id, event_type, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, entryID, eventType, detail, now.Unix())
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

// RecentEvents returns the most recent events for an entry, newest first.
func (s *Store) RecentEvents(ctx context.Context, entryID string, limit int) ([]GameEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, event_type, detail, created_at
		FROM game_events WHERE entry_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, entryID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []GameEvent
	for rows.Next() {
		var ev GameEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.EntryID, &ev.EventType, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents deletes events belonging to entries older than horizon. Must
// be called before PruneEntries removes the parent rows, per SPEC_FULL
// §4.2 Pruning ("events before entries").
func (s *Store) PruneEvents(ctx context.Context, horizon time.Duration, now time.Time) (int64, error) {
	var n int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			DELETE FROM game_events WHERE entry_id IN (
				SELECT id FROM queue_entries
				WHERE state IN ('done','cancelled') AND completed_at IS NOT NULL AND completed_at <= ?
			)`, now.Add(-horizon).Unix())
		if execErr != nil {
			return fmt.Errorf("prune events: %w", execErr)
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}
