// Package queue implements the Queue Manager (SPEC_FULL §4.3): player-domain
// operations layered over internal/store, generating the cryptographic
// bearer token on join and enforcing join-time email dedup via the store's
// atomic CreateEntry.
package queue

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"eclaw/internal/store"
)

// ErrDuplicateEmail mirrors store.ErrDuplicateActiveEmail at the queue-domain
// boundary so callers need not import internal/store directly.
var ErrDuplicateEmail = store.ErrDuplicateActiveEmail

// ErrNotFound mirrors store.ErrNotFound at the queue-domain boundary.
var ErrNotFound = store.ErrNotFound

// Manager wraps a *store.Store with the player-domain operations named in
// SPEC_FULL §4.3.
type Manager struct {
	store *store.Store
}

// New returns a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Join admits a new player. Returns the entry id, the raw bearer token
// (shown to the caller once and never persisted), and the assigned queue
// position. Returns ErrDuplicateEmail if the normalized email already has a
// non-terminal entry.
func (m *Manager) Join(ctx context.Context, name, email, clientAddr string) (id, rawToken string, position int64, err error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return "", "", 0, errors.New("queue: name required")
	}
	if email == "" {
		return "", "", 0, errors.New("queue: email required")
	}

	rawToken, err = generateToken()
	if err != nil {
		return "", "", 0, fmt.Errorf("queue: generate token: %w", err)
	}

	entry, err := m.store.CreateEntry(ctx, uuid.NewString(), HashToken(rawToken), name, email, clientAddr, time.Now())
	if err != nil {
		return "", "", 0, err
	}
	m.recordEvent(ctx, entry.ID, "join", map[string]any{"name": name, "position": *entry.Position})
	return entry.ID, rawToken, *entry.Position, nil
}

// Leave cancels the entry owning rawToken, if it is waiting or ready.
// No-op (returns false, nil) on terminal or unknown tokens. The entry is
// looked up before cancelling solely so the leave event can be attributed
// to it, mirroring the original's "find entry first for logging" step.
func (m *Manager) Leave(ctx context.Context, rawToken string) (bool, error) {
	tokenHash := HashToken(rawToken)
	entry, lookupErr := m.store.GetByTokenHash(ctx, tokenHash)

	cancelled, err := m.store.CancelEntry(ctx, tokenHash, time.Now())
	if err != nil {
		return false, err
	}
	if cancelled && lookupErr == nil {
		m.recordEvent(ctx, entry.ID, "leave", nil)
	}
	return cancelled, nil
}

// CompleteEntry records the terminal result of a turn.
func (m *Manager) CompleteEntry(ctx context.Context, id string, result store.EntryResult, triesUsed int) error {
	if err := m.store.CompleteEntry(ctx, id, result, triesUsed, time.Now()); err != nil {
		return err
	}
	m.recordEvent(ctx, id, "turn_end", map[string]any{"result": result, "tries": triesUsed})
	return nil
}

// SetState transitions an entry's lifecycle state.
func (m *Manager) SetState(ctx context.Context, id string, state store.EntryState) error {
	if err := m.store.SetState(ctx, id, state, time.Now()); err != nil {
		return err
	}
	m.recordEvent(ctx, id, "state_"+string(state), nil)
	return nil
}

// SetTryDeadlines persists the current try's absolute move/turn deadlines so
// a restart can recover them (SPEC_FULL §4.4 Timers); either may be nil to
// clear that deadline.
func (m *Manager) SetTryDeadlines(ctx context.Context, id string, tryMoveEnd, turnEnd *time.Time) error {
	return m.store.SetTryDeadlines(ctx, id, tryMoveEnd, turnEnd)
}

// IncrementTries records that another try has started for id.
func (m *Manager) IncrementTries(ctx context.Context, id string) error {
	return m.store.IncrementTries(ctx, id)
}

// PeekNextWaiting returns the waiting entry with the minimum position.
func (m *Manager) PeekNextWaiting(ctx context.Context) (*store.QueueEntry, error) {
	return m.store.NextWaiting(ctx)
}

// CleanupStale expires active/ready entries left over from a prior process
// lifetime. Called once during Supervisor startup (SPEC_FULL §4.3).
func (m *Manager) CleanupStale(ctx context.Context, grace time.Duration) (expiredActive, expiredReady int64, err error) {
	return m.store.CleanupStale(ctx, grace, time.Now())
}

// GetByID returns the entry with the given id.
func (m *Manager) GetByID(ctx context.Context, id string) (*store.QueueEntry, error) {
	return m.store.GetByID(ctx, id)
}

// GetByToken returns the entry owning rawToken.
func (m *Manager) GetByToken(ctx context.Context, rawToken string) (*store.QueueEntry, error) {
	return m.store.GetByTokenHash(ctx, HashToken(rawToken))
}

// ListQueue returns all non-terminal entries ordered active, ready, waiting.
func (m *Manager) ListQueue(ctx context.Context) ([]store.QueueEntry, error) {
	return m.store.ListQueue(ctx)
}

// GetQueueStatus summarizes the queue for GET /api/queue/status.
type QueueStatus struct {
	CurrentPlayer      string
	CurrentPlayerState string
	QueueLength        int
}

// GetQueueStatus returns the current-player/queue-length summary.
func (m *Manager) GetQueueStatus(ctx context.Context) (QueueStatus, error) {
	entries, err := m.store.ListQueue(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	status := QueueStatus{}
	for _, e := range entries {
		if e.State == store.StateActive {
			status.CurrentPlayer = e.Name
			status.CurrentPlayerState = string(e.State)
		}
		if e.State == store.StateWaiting {
			status.QueueLength++
		}
	}
	return status, nil
}

// GetWaitingRank returns the 1-based rank of id among waiting entries.
func (m *Manager) GetWaitingRank(ctx context.Context, id string) (int, error) {
	return m.store.GetWaitingRank(ctx, id)
}

// GetRecentResults returns the most recently completed entries.
func (m *Manager) GetRecentResults(ctx context.Context, limit int) ([]store.QueueEntry, error) {
	return m.store.GetRecentResults(ctx, limit)
}

// GetStats returns current non-terminal entry counts by state.
func (m *Manager) GetStats(ctx context.Context) (store.Stats, error) {
	return m.store.GetStats(ctx)
}

// RecordEvent appends an audit-log entry (SPEC_FULL §3 Event log).
func (m *Manager) RecordEvent(ctx context.Context, entryID *string, eventType string, detail *string) error {
	return m.store.InsertEvent(ctx, uuid.NewString(), entryID, eventType, detail, time.Now())
}

// GetRecentEvents returns entryID's most recent audit-log events, newest
// first, for the admin queue-details surface (SPEC_FULL §3/§6).
func (m *Manager) GetRecentEvents(ctx context.Context, entryID string, limit int) ([]store.GameEvent, error) {
	return m.store.RecentEvents(ctx, entryID, limit)
}

// recordEvent is the internal logging funnel used by Join/Leave/SetState/
// CompleteEntry, matching the original's queue_manager.py, which logs
// "join", "leave", "state_<state>", and "turn_end" at the same call sites
// (SPEC_FULL §3 Event log). detail is JSON-marshaled if non-nil; marshal or
// write failures are logged and otherwise swallowed, since the event log is
// a best-effort audit trail and must never fail the operation it records.
func (m *Manager) recordEvent(ctx context.Context, entryID, eventType string, detail map[string]any) {
	var detailPtr *string
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			slog.Warn("[WARN-QUEUE] marshal event detail failed", "event_type", eventType, "entry_id", entryID, "error", err)
		} else {
			s := string(b)
			detailPtr = &s
		}
	}
	if err := m.RecordEvent(ctx, &entryID, eventType, detailPtr); err != nil {
		slog.Warn("[WARN-QUEUE] record event failed", "event_type", eventType, "entry_id", entryID, "error", err)
	}
}

// normalizeEmail trims and lowercases an email address for dedup comparison.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateToken returns a high-entropy, URL-safe bearer credential.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken hashes a bearer credential for storage/lookup. Tokens are
// server-generated high-entropy random values, not user-chosen secrets, so a
// fast cryptographic hash — not a slow password hash — is the correct tool
// (see DESIGN.md).
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
