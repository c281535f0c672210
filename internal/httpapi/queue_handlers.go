package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"eclaw/internal/config"
	"eclaw/internal/queue"
	"eclaw/internal/store"
)

type joinRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type joinResponse struct {
	Token                string `json:"token"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

// handleJoin admits a new player (SPEC_FULL §6 "POST /api/queue/join").
// Admission is rate limited per source IP via the dual fast-path/durable
// limiter (SPEC_FULL §4.8) before the queue is ever touched.
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if req.Name == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, errors.New("name and email are required"))
		return
	}

	cfg := h.currentConfig()
	ip := clientIP(r, cfg)
	ok, err := h.sup.JoinLimiter.AdmitDual(r.Context(), h.sup.Store, "join:"+ip, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("rate limit check failed"))
		return
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, errors.New("too many join attempts, try again shortly"))
		return
	}

	_, token, position, err := h.sup.Queue.Join(r.Context(), req.Name, req.Email, ip)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, errors.New("an active entry already exists for this email"))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{
		Token:                token,
		Position:             position,
		EstimatedWaitSeconds: estimatedWaitSeconds(position, cfg),
	})
}

// estimatedWaitSeconds gives callers a rough expectation, not a promise:
// each entry ahead costs at most one ready window plus one turn window.
func estimatedWaitSeconds(position int64, cfg config.Config) int {
	if position <= 1 {
		return 0
	}
	perTurn := cfg.Timeouts.ReadySeconds + cfg.Timeouts.TurnSeconds
	return int(position-1) * perTurn
}

// handleLeave cancels the caller's entry if it is still waiting or ready
// (SPEC_FULL §6 "DELETE /api/queue/leave"). Guarded by the command limiter
// (SPEC_FULL §4.8) so a disconnecting client can't be used to flood the
// store with cancel attempts the way an unauthenticated write endpoint
// otherwise could.
func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}

	ip := clientIP(r, h.currentConfig())
	admitted, err := h.sup.CommandLimiter.AdmitDual(r.Context(), h.sup.Store, "leave:"+ip, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("rate limit check failed"))
		return
	}
	if !admitted {
		writeError(w, http.StatusTooManyRequests, errors.New("too many requests, try again shortly"))
		return
	}

	ok, err := h.sup.Queue.Leave(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no active entry for this token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type queueStatusResponse struct {
	CurrentPlayer      string `json:"current_player"`
	CurrentPlayerState string `json:"current_player_state"`
	QueueLength        int    `json:"queue_length"`
}

// handleQueueStatus reports the current-player/queue-length summary
// (SPEC_FULL §6 "GET /api/queue/status").
func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sup.Queue.GetQueueStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{
		CurrentPlayer:      status.CurrentPlayer,
		CurrentPlayerState: status.CurrentPlayerState,
		QueueLength:        status.QueueLength,
	})
}

type queueEntryResponse struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Position *int64 `json:"position,omitempty"`
}

// handleQueueList returns the full non-terminal listing (SPEC_FULL §6
// "GET /api/queue"), already ordered active, ready, waiting by position per
// internal/store.ListQueue.
func (h *Handler) handleQueueList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.sup.Queue.ListQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]queueEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = queueEntryResponse{Name: e.Name, State: string(e.State), Position: e.Position}
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionMeResponse struct {
	State      string `json:"state"`
	Position   int    `json:"position"`
	TriesLeft  int    `json:"tries_left"`
	CurrentTry int    `json:"current_try"`
}

// handleSessionMe reports the caller's own entry (SPEC_FULL §6 "GET
// /api/session/me"). Position is the 1-based waiting rank, 0 once ready/active.
func (h *Handler) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}

	entry, err := h.sup.Queue.GetByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("no entry for this token"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := sessionMeResponse{
		State:     string(entry.State),
		TriesLeft: h.currentConfig().TriesPerPlayer - entry.TriesUsed,
	}
	if entry.State == store.StateWaiting {
		rank, err := h.sup.Queue.GetWaitingRank(r.Context(), entry.ID)
		if err == nil {
			resp.Position = rank
		}
	}
	snap := h.sup.Machine.CurrentState()
	if snap.ActiveEntryID == entry.ID {
		resp.CurrentTry = snap.CurrentTry
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntryResponse struct {
	Name      string `json:"name"`
	Result    string `json:"result"`
	TriesUsed int    `json:"tries_used"`
}

// handleHistory returns the most recently completed entries (SPEC_FULL §6
// "GET /api/history").
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	const historyLimit = 20
	entries, err := h.sup.Queue.GetRecentResults(r.Context(), historyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]historyEntryResponse, len(entries))
	for i, e := range entries {
		result := ""
		if e.Result != nil {
			result = string(*e.Result)
		}
		out[i] = historyEntryResponse{Name: e.Name, Result: result, TriesUsed: e.TriesUsed}
	}
	writeJSON(w, http.StatusOK, out)
}
