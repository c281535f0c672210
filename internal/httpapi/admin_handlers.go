package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"eclaw/internal/adminlog"
	"eclaw/internal/config"
	"eclaw/internal/store"
)

// handleAdminAdvance nudges the queue forward a single cycle (SPEC_FULL §6
// "POST /admin/advance"). A no-op if the machine is already occupied or the
// queue is empty, per AdvanceQueue's own idempotence (SPEC_FULL §8).
func (h *Handler) handleAdminAdvance(w http.ResponseWriter, r *http.Request) {
	h.sup.Machine.AdvanceQueue(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminPause stops new promotions without interrupting an in-progress
// turn (SPEC_FULL §6 "POST /admin/pause"; the admin-pause Open Question
// resolution recorded in internal/turn's Pause doc comment).
func (h *Handler) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	h.sup.Machine.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	h.sup.Machine.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminEmergencyStop drives every hardware output off and leaves the
// Hardware Gate's lock flag set (SPEC_FULL §6 "POST /admin/emergency-stop").
// This is the raw physical safety action, distinct from the stuck-state
// detector's ForceRecover: it does not touch the active entry or the state
// machine, and the gate stays locked until an explicit /admin/unlock.
func (h *Handler) handleAdminEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Gate.EmergencyStop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminUnlock clears the lock flag set by an emergency stop
// (SPEC_FULL §6 "POST /admin/unlock").
func (h *Handler) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	h.sup.Gate.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAdminKick forcibly ends and disconnects one entry (SPEC_FULL §6
// "POST /admin/kick/{id}"): the active turn ends with ResultAdminSkipped if
// the id is currently active, a waiting/ready entry is completed directly
// with ResultAdminSkipped,
// and the Control Channel connection (if any) is evicted either way.
func (h *Handler) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing entry id"))
		return
	}

	entry, err := h.sup.Queue.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("no such entry"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if entry.State != store.StateDone && entry.State != store.StateCancel {
		if h.sup.Machine.CurrentState().ActiveEntryID == id {
			h.sup.Machine.ForceEndTurn(r.Context(), store.ResultAdminSkipped)
		} else if err := h.sup.Queue.CompleteEntry(r.Context(), id, store.ResultAdminSkipped, entry.TriesUsed); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	h.sup.Control.Kick(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type adminDashboardResponse struct {
	GameState     string                 `json:"game_state"`
	ActiveEntryID string                 `json:"active_entry_id,omitempty"`
	Paused        bool                   `json:"paused"`
	GPIOLocked    bool                   `json:"gpio_locked"`
	ViewerCount   int                    `json:"viewer_count"`
	Stats         store.Stats            `json:"stats"`
	Recent        []historyEntryResponse `json:"recent"`
	RecentLogs    []adminlog.Entry       `json:"recent_logs"`
}

// handleAdminDashboard aggregates the state an admin UI needs in one round
// trip (SPEC_FULL §6 "GET /admin/dashboard").
func (h *Handler) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sup.Queue.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	const recentLimit = 10
	recent, err := h.sup.Queue.GetRecentResults(r.Context(), recentLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	recentOut := make([]historyEntryResponse, len(recent))
	for i, e := range recent {
		result := ""
		if e.Result != nil {
			result = string(*e.Result)
		}
		recentOut[i] = historyEntryResponse{Name: e.Name, Result: result, TriesUsed: e.TriesUsed}
	}

	var logs []adminlog.Entry
	if h.logs != nil {
		logs = h.logs.Snapshot()
	}

	snap := h.sup.Machine.CurrentState()
	writeJSON(w, http.StatusOK, adminDashboardResponse{
		GameState:     string(snap.State),
		ActiveEntryID: snap.ActiveEntryID,
		Paused:        snap.Paused,
		GPIOLocked:    h.sup.Gate.Locked(),
		ViewerCount:   h.sup.Broadcast.ViewerCount(),
		Stats:         stats,
		Recent:        recentOut,
		RecentLogs:    logs,
	})
}

type adminEventResponse struct {
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type adminQueueEntryResponse struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Email      string               `json:"email"`
	State      string               `json:"state"`
	Position   *int64               `json:"position,omitempty"`
	TriesUsed  int                  `json:"tries_used"`
	ClientAddr string               `json:"client_addr"`
	CreatedAt  time.Time            `json:"created_at"`
	Events     []adminEventResponse `json:"events"`
}

// recentEventsLimit bounds the per-entry event tail returned alongside
// admin queue details (SPEC_FULL §3/§6 "recent event tail").
const recentEventsLimit = 20

// handleAdminQueueDetails is the admin-only superset of GET /api/queue,
// including email, client address, and each entry's recent event tail
// (SPEC_FULL §6 "GET /admin/queue-details") — never exposed on the public
// listing endpoint.
func (h *Handler) handleAdminQueueDetails(w http.ResponseWriter, r *http.Request) {
	entries, err := h.sup.Queue.ListQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]adminQueueEntryResponse, len(entries))
	for i, e := range entries {
		events, err := h.sup.Queue.GetRecentEvents(r.Context(), e.ID, recentEventsLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		eventsOut := make([]adminEventResponse, len(events))
		for j, ev := range events {
			detail := ""
			if ev.Detail != nil {
				detail = *ev.Detail
			}
			eventsOut[j] = adminEventResponse{EventType: ev.EventType, Detail: detail, CreatedAt: ev.CreatedAt}
		}
		out[i] = adminQueueEntryResponse{
			ID:         e.ID,
			Name:       e.Name,
			Email:      e.Email,
			State:      string(e.State),
			Position:   e.Position,
			TriesUsed:  e.TriesUsed,
			ClientAddr: e.ClientAddr,
			CreatedAt:  e.CreatedAt,
			Events:     eventsOut,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminGetConfig returns the on-disk configuration (SPEC_FULL §6
// "GET/PUT /admin/config"). AdminKey is never serialized (json:"-" on
// config.Config.AdminKey).
func (h *Handler) handleAdminGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(h.cfgPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleAdminPutConfig range-validates and atomically replaces the config
// file (SPEC_FULL §6: "range-validated, atomic config file replace via temp
// + rename"). The admin key itself cannot be changed over this endpoint
// (the request body's AdminKey field is ignored; json:"-" means it never
// round-trips) — it is rotated only by editing the file directly.
func (h *Handler) handleAdminPutConfig(w http.ResponseWriter, r *http.Request) {
	existing, err := config.Load(h.cfgPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	next := config.Clone(existing)
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed config body"))
		return
	}
	next.AdminKey = existing.AdminKey

	saved, err := config.Save(h.cfgPath, next)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
