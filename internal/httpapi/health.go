package httpapi

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string  `json:"status"`
	GameState     string  `json:"game_state"`
	GPIOLocked    bool    `json:"gpio_locked"`
	QueueLength   int     `json:"queue_length"`
	ViewerCount   int     `json:"viewer_count"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	MockHardware  bool    `json:"mock_hardware"`
}

// handleHealth is the cheap liveness/status surface named in SPEC_FULL §6
// and referenced by §9's "out-of-process safety net" design note: it must
// stay inexpensive enough that an external watchdog can poll it often
// without itself becoming a load concern.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := h.sup.Queue.GetQueueStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snap := h.sup.Machine.CurrentState()
	cfg := h.currentConfig()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		GameState:     string(snap.State),
		GPIOLocked:    h.sup.Gate.Locked(),
		QueueLength:   status.QueueLength,
		ViewerCount:   h.sup.Broadcast.ViewerCount(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		MockHardware:  cfg.MockHardware,
	})
}
