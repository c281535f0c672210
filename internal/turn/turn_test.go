package turn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eclaw/internal/hardware"
	"eclaw/internal/queue"
	"eclaw/internal/store"
)

func newTestQueueManager(t *testing.T) *queue.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eclaw.db")
	s, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return queue.New(s)
}

// fakeBroadcaster records every broadcast call for assertions.
type fakeBroadcaster struct {
	mu        sync.Mutex
	states    []StatePayload
	turnEnds  []string
	queueUpds int
}

func (f *fakeBroadcaster) BroadcastState(state State, payload StatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, payload)
	return nil
}

func (f *fakeBroadcaster) BroadcastQueueUpdate(status queue.QueueStatus, entries []QueueEntryView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueUpds++
	return nil
}

func (f *fakeBroadcaster) BroadcastTurnEnd(entryID, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnEnds = append(f.turnEnds, result)
	return nil
}

func (f *fakeBroadcaster) lastTurnEnd() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turnEnds) == 0 {
		return ""
	}
	return f.turnEnds[len(f.turnEnds)-1]
}

// fakeController treats every entry as connected and records sent messages.
type fakeController struct {
	mu   sync.Mutex
	sent map[string][]any
}

func newFakeController() *fakeController {
	return &fakeController{sent: make(map[string][]any)}
}

func (f *fakeController) IsPlayerConnected(entryID string) bool { return true }

func (f *fakeController) SendToPlayer(entryID string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[entryID] = append(f.sent[entryID], msg)
	return nil
}

func testCfg() Config {
	return Config{
		TriesPerPlayer:       3,
		ReadyPromptSeconds:   50 * time.Millisecond,
		TryMoveSeconds:       50 * time.Millisecond,
		DropHoldMax:          50 * time.Millisecond,
		PostDropWaitSeconds:  50 * time.Millisecond,
		TurnTimeSeconds:      2 * time.Second,
		WinSensorEnabled:     true,
		CoinEachTry:          false,
		EmergencyStopTimeout: time.Second,
		GhostPlayerAge:       time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestAdvanceQueuePromotesWaitingPlayerToReady(t *testing.T) {
	ctx := context.Background()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(hardware.Config{
		PulseDuration:     time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       time.Second,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}, backend, nil)
	defer gate.Close()

	bcast := &fakeBroadcaster{}
	ctrl := newFakeController()
	m := New(gate, qm, bcast, ctrl, testCfg())

	id, _, _, err := qm.Join(ctx, "Alice", "alice@x.com", "1.1.1.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	m.AdvanceQueue(ctx)

	snap := m.CurrentState()
	if snap.State != StateReadyPrompt {
		t.Fatalf("state = %v, want ready_prompt", snap.State)
	}
	if snap.ActiveEntryID != id {
		t.Fatalf("active entry = %q, want %q", snap.ActiveEntryID, id)
	}

	entry, err := qm.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if entry.State != store.StateReady {
		t.Fatalf("entry state = %v, want ready", entry.State)
	}
}

func TestFullTurnWinFlow(t *testing.T) {
	ctx := context.Background()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(hardware.Config{
		PulseDuration:     time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       time.Second,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}, backend, nil)
	defer gate.Close()

	bcast := &fakeBroadcaster{}
	ctrl := newFakeController()
	m := New(gate, qm, bcast, ctrl, testCfg())
	go m.Run(ctx)
	defer m.Close()

	id, _, _, err := qm.Join(ctx, "Bob", "bob@x.com", "1.1.1.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	m.AdvanceQueue(ctx)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateReadyPrompt })

	m.HandleReadyConfirm(ctx, id)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateMoving })

	m.HandleDropPress(ctx, id)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateDropping })
	if !backend.State()["drop"] {
		t.Fatal("drop relay not engaged during DROPPING")
	}

	m.HandleWin(ctx)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateIdle })

	if bcast.lastTurnEnd() != string(store.ResultWin) {
		t.Fatalf("last broadcast turn end = %q, want win", bcast.lastTurnEnd())
	}
	entry, err := qm.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if entry.State != store.StateDone || entry.Result == nil || *entry.Result != store.ResultWin {
		t.Fatalf("entry = %+v, want done/win", entry)
	}
	if gate.Locked() {
		t.Fatal("gate left locked after successful turn end")
	}
	if backend.State()["drop"] {
		t.Fatal("drop relay still engaged after turn end")
	}
}

func TestPostDropTimeoutWithNoWinEndsAsLoss(t *testing.T) {
	ctx := context.Background()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(hardware.Config{
		PulseDuration:     time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       30 * time.Millisecond,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}, backend, nil)
	defer gate.Close()

	bcast := &fakeBroadcaster{}
	ctrl := newFakeController()
	cfg := testCfg()
	cfg.TriesPerPlayer = 1
	cfg.DropHoldMax = 20 * time.Millisecond
	cfg.PostDropWaitSeconds = 20 * time.Millisecond
	m := New(gate, qm, bcast, ctrl, cfg)
	go m.Run(ctx)
	defer m.Close()

	id, _, _, err := qm.Join(ctx, "Cara", "cara@x.com", "1.1.1.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	m.AdvanceQueue(ctx)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateReadyPrompt })
	m.HandleReadyConfirm(ctx, id)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateMoving })

	// Let the move timer auto-drop, then the drop-hold timer auto-release,
	// then the post-drop wait expire with no win — single-try config means
	// this should end the turn as a loss.
	waitFor(t, 2*time.Second, func() bool { return m.CurrentState().State == StateIdle })

	if bcast.lastTurnEnd() != string(store.ResultLoss) {
		t.Fatalf("last broadcast turn end = %q, want loss", bcast.lastTurnEnd())
	}
}

func TestForceEndTurnBeforeReadyPromptCleansUpDirectly(t *testing.T) {
	ctx := context.Background()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(hardware.Config{
		PulseDuration:     time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       time.Second,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}, backend, nil)
	defer gate.Close()

	bcast := &fakeBroadcaster{}
	ctrl := newFakeController()
	m := New(gate, qm, bcast, ctrl, testCfg())

	id, _, _, err := qm.Join(ctx, "Dee", "dee@x.com", "1.1.1.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	// Simulate AdvanceQueue having set activeEntryID but not yet transitioned
	// out of idle (the race window the original documents).
	m.mu.Lock()
	m.activeEntryID = id
	m.mu.Unlock()

	m.ForceEndTurn(ctx, store.ResultAdminSkipped)

	entry, err := qm.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if entry.State != store.StateDone || entry.Result == nil || *entry.Result != store.ResultAdminSkipped {
		t.Fatalf("entry = %+v, want done/admin_skipped", entry)
	}
	if m.CurrentState().ActiveEntryID != "" {
		t.Fatal("active entry id not cleared")
	}
}

func TestForceRecoverFromStuckDropping(t *testing.T) {
	ctx := context.Background()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(hardware.Config{
		PulseDuration:     time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       time.Hour,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}, backend, nil)
	defer gate.Close()

	bcast := &fakeBroadcaster{}
	ctrl := newFakeController()
	cfg := testCfg()
	cfg.DropHoldMax = time.Hour // never auto-release on its own
	m := New(gate, qm, bcast, ctrl, cfg)

	id, _, _, err := qm.Join(ctx, "Eve", "eve@x.com", "1.1.1.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	m.AdvanceQueue(ctx)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateReadyPrompt })
	m.HandleReadyConfirm(ctx, id)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateMoving })
	m.HandleDropPress(ctx, id)
	waitFor(t, time.Second, func() bool { return m.CurrentState().State == StateDropping })

	m.ForceRecover(ctx)

	snap := m.CurrentState()
	if snap.State != StateIdle {
		t.Fatalf("state = %v, want idle after force recovery", snap.State)
	}
	if gate.Locked() {
		t.Fatal("gate left locked after force recovery")
	}
	entry, err := qm.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if entry.State != store.StateDone || entry.Result == nil || *entry.Result != store.ResultError {
		t.Fatalf("entry = %+v, want done/error", entry)
	}
}

func TestPauseBlocksAdvanceQueue(t *testing.T) {
	ctx := context.Background()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(hardware.Config{
		PulseDuration:     time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       time.Second,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}, backend, nil)
	defer gate.Close()

	bcast := &fakeBroadcaster{}
	ctrl := newFakeController()
	m := New(gate, qm, bcast, ctrl, testCfg())
	m.Pause()

	if _, _, _, err := qm.Join(ctx, "Fay", "fay@x.com", "1.1.1.1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	m.AdvanceQueue(ctx)

	if m.CurrentState().State != StateIdle {
		t.Fatal("paused machine promoted a candidate")
	}

	m.Resume()
	m.AdvanceQueue(ctx)
	if m.CurrentState().State != StateReadyPrompt {
		t.Fatal("resumed machine failed to promote waiting candidate")
	}
}
