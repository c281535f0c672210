package store

import "time"

// EntryState is the persisted lifecycle state of a QueueEntry.
type EntryState string

const (
	StateWaiting EntryState = "waiting"
	StateReady   EntryState = "ready"
	StateActive  EntryState = "active"
	StateDone    EntryState = "done"
	StateCancel  EntryState = "cancelled"
)

// EntryResult is the terminal outcome of a QueueEntry, valid only once State
// is StateDone.
type EntryResult string

const (
	ResultWin          EntryResult = "win"
	ResultLoss         EntryResult = "loss"
	ResultSkipped      EntryResult = "skipped"
	ResultExpired      EntryResult = "expired"
	ResultAdminSkipped EntryResult = "admin_skipped"
	ResultCancelled    EntryResult = "cancelled"
	ResultError        EntryResult = "error"
)

// QueueEntry is a player's participation in a single session (SPEC_FULL §3).
type QueueEntry struct {
	ID         string
	TokenHash  string
	Name       string
	Email      string
	ClientAddr string

	State      EntryState
	Result     *EntryResult
	TriesUsed  int
	Position   *int64

	CreatedAt     time.Time
	ActivatedAt   *time.Time
	CompletedAt   *time.Time
	TryMoveEndAt  *time.Time
	TurnEndAt     *time.Time
}

// GameEvent is an append-only audit record (SPEC_FULL §3).
type GameEvent struct {
	ID        string
	EntryID   *string
	EventType string
	Detail    *string
	CreatedAt time.Time
}
