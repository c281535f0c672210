package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateActiveEmail is returned by CreateEntry when the email already
// has a non-terminal entry (SPEC_FULL §4.3 join()).
var ErrDuplicateActiveEmail = errors.New("store: email already has an active queue entry")

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// CreateEntry atomically rejects a duplicate active email and inserts a new
// waiting entry with position = max(position among non-terminal) + 1.
func (s *Store) CreateEntry(ctx context.Context, id, tokenHash, name, email, clientAddr string, now time.Time) (*QueueEntry, error) {
	var entry *QueueEntry
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var dupCount int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE email = ? AND state IN ('waiting','ready','active')`,
			email).Scan(&dupCount)
		if err != nil {
			return fmt.Errorf("check duplicate email: %w", err)
		}
		if dupCount > 0 {
			return ErrDuplicateActiveEmail
		}

		var nextPos sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM queue_entries WHERE state IN ('waiting','ready','active')`,
		).Scan(&nextPos)
		if err != nil {
			return fmt.Errorf("compute next position: %w", err)
		}
		position := int64(1)
		if nextPos.Valid {
			position = nextPos.Int64 + 1
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries
				(id, token_hash, name, email, client_addr, state, tries_used, position, created_at)
			VALUES (?, ?, ?, ?, ?, 'waiting', 0, ?, ?)`,
			id, tokenHash, name, email, clientAddr, position, now.Unix())
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}

		entry = &QueueEntry{
			ID: id, TokenHash: tokenHash, Name: name, Email: email, ClientAddr: clientAddr,
			State: StateWaiting, Position: &position, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CancelEntry cancels an entry by token hash if it is waiting or ready.
// Returns false if no matching non-terminal entry exists (no-op per spec).
func (s *Store) CancelEntry(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	var cancelled bool
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET state = 'cancelled', result = 'cancelled', completed_at = ?, position = NULL
			WHERE token_hash = ? AND state IN ('waiting','ready')`,
			now.Unix(), tokenHash)
		if err != nil {
			return fmt.Errorf("cancel entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel entry rows affected: %w", err)
		}
		cancelled = n > 0
		return nil
	})
	return cancelled, err
}

// SetState transitions an entry to state, stamping activated_at when
// entering StateActive. Position is left unchanged; CompleteEntry and
// CancelEntry are the calls that clear it.
func (s *Store) SetState(ctx context.Context, id string, state EntryState, now time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if state == StateActive {
			_, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET state = ?, activated_at = ? WHERE id = ?`,
				state, now.Unix(), id)
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE queue_entries SET state = ? WHERE id = ?`, state, id)
		return err
	})
}

// SetTryDeadlines persists the absolute wall-clock deadlines for the current
// try/turn so a restart can recover them (SPEC_FULL §4.4 Timers).
func (s *Store) SetTryDeadlines(ctx context.Context, id string, tryMoveEnd, turnEnd *time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET try_move_end_at = ?, turn_end_at = ? WHERE id = ?`,
			unixPtr(tryMoveEnd), unixPtr(turnEnd), id)
		return err
	})
}

// IncrementTries increments tries_used for the active turn.
func (s *Store) IncrementTries(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE queue_entries SET tries_used = tries_used + 1 WHERE id = ?`, id)
		return err
	})
}

// CompleteEntry marks an entry done with the given result, clearing position.
func (s *Store) CompleteEntry(ctx context.Context, id string, result EntryResult, triesUsed int, now time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET state = 'done', result = ?, tries_used = ?, completed_at = ?, position = NULL
			WHERE id = ?`,
			result, triesUsed, now.Unix(), id)
		return err
	})
}

// NextWaiting returns the waiting entry with the minimum position, or
// ErrNotFound if the queue is empty.
func (s *Store) NextWaiting(ctx context.Context) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntryCols+`
		FROM queue_entries WHERE state = 'waiting' ORDER BY position ASC LIMIT 1`)
	return scanEntry(row)
}

// GetByID returns the entry with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntryCols+`FROM queue_entries WHERE id = ?`, id)
	return scanEntry(row)
}

// GetByTokenHash returns the entry owning tokenHash.
func (s *Store) GetByTokenHash(ctx context.Context, tokenHash string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntryCols+`FROM queue_entries WHERE token_hash = ?`, tokenHash)
	return scanEntry(row)
}

// ListQueue returns all non-terminal entries ordered active, ready, then
// waiting by position.
func (s *Store) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntryCols+`
		FROM queue_entries
		WHERE state IN ('waiting','ready','active')
		ORDER BY
			CASE state WHEN 'active' THEN 0 WHEN 'ready' THEN 1 ELSE 2 END,
			position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetWaitingRank returns the 1-based rank of id among waiting entries
// ordered by position, or ErrNotFound if id is not currently waiting.
func (s *Store) GetWaitingRank(ctx context.Context, id string) (int, error) {
	var rank int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries a, queue_entries b
		WHERE a.id = ? AND a.state = 'waiting' AND b.state = 'waiting' AND b.position <= a.position`,
		id).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("get waiting rank: %w", err)
	}
	if rank == 0 {
		return 0, ErrNotFound
	}
	return rank, nil
}

// GetRecentResults returns the most recently completed entries, newest first.
func (s *Store) GetRecentResults(ctx context.Context, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntryCols+`
		FROM queue_entries WHERE state = 'done' ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent results: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Stats summarizes queue composition for the health/status endpoints.
type Stats struct {
	Waiting int
	Ready   int
	Active  int
}

// GetStats returns current non-terminal entry counts by state.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM queue_entries
		WHERE state IN ('waiting','ready','active') GROUP BY state`)
	if err != nil {
		return st, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		switch EntryState(state) {
		case StateWaiting:
			st.Waiting = count
		case StateReady:
			st.Ready = count
		case StateActive:
			st.Active = count
		}
	}
	return st, rows.Err()
}

// CleanupStale expires any entry left active or ready from a prior process
// lifetime (SPEC_FULL §4.3 cleanup_stale), applied once at startup. Ready
// entries are unconditionally expired (their sockets are gone); active
// entries are expired only once older than grace.
func (s *Store) CleanupStale(ctx context.Context, grace time.Duration, now time.Time) (expiredActive, expiredReady int64, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET state = 'done', result = 'expired', completed_at = ?, position = NULL
			WHERE state = 'active' AND activated_at IS NOT NULL AND activated_at <= ?`,
			now.Unix(), now.Add(-grace).Unix())
		if execErr != nil {
			return fmt.Errorf("cleanup stale active: %w", execErr)
		}
		expiredActive, execErr = res.RowsAffected()
		if execErr != nil {
			return execErr
		}

		res, execErr = tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET state = 'done', result = 'expired', completed_at = ?, position = NULL
			WHERE state = 'ready'`,
			now.Unix())
		if execErr != nil {
			return fmt.Errorf("cleanup stale ready: %w", execErr)
		}
		expiredReady, execErr = res.RowsAffected()
		return execErr
	})
	return expiredActive, expiredReady, err
}

// PruneEntries deletes terminal entries (and their events, via PruneEvents
// called first by the caller) older than horizon.
func (s *Store) PruneEntries(ctx context.Context, horizon time.Duration, now time.Time) (int64, error) {
	var n int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			DELETE FROM queue_entries
			WHERE state IN ('done','cancelled') AND completed_at IS NOT NULL AND completed_at <= ?`,
			now.Add(-horizon).Unix())
		if execErr != nil {
			return fmt.Errorf("prune entries: %w", execErr)
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}

const selectEntryCols = `SELECT id, token_hash, name, email, client_addr, state, result, tries_used,
	position, created_at, activated_at, completed_at, try_move_end_at, turn_end_at `

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*QueueEntry, error) {
	var e QueueEntry
	var result sql.NullString
	var position sql.NullInt64
	var createdAt int64
	var activatedAt, completedAt, tryMoveEndAt, turnEndAt sql.NullInt64

	err := row.Scan(&e.ID, &e.TokenHash, &e.Name, &e.Email, &e.ClientAddr, &e.State, &result,
		&e.TriesUsed, &position, &createdAt, &activatedAt, &completedAt, &tryMoveEndAt, &turnEndAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	if result.Valid {
		r := EntryResult(result.String)
		e.Result = &r
	}
	if position.Valid {
		e.Position = &position.Int64
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.ActivatedAt = timePtr(activatedAt)
	e.CompletedAt = timePtr(completedAt)
	e.TryMoveEndAt = timePtr(tryMoveEndAt)
	e.TurnEndAt = timePtr(turnEndAt)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
