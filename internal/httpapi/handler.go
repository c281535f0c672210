// Package httpapi is the thin REST surface named in SPEC_FULL §6: queue
// join/leave/status/listing, session lookup, history, health, and the
// admin surface, plus the two WebSocket upgrade endpoints delegated
// straight through to internal/control and internal/broadcast.
//
// Routing follows the teacher's wsserver.Hub.Start shape: a single
// http.NewServeMux, one *http.Server, BaseContext tied to the caller's
// lifecycle context. Handler registration uses Go 1.22's method-aware mux
// patterns ("GET /api/queue", "POST /api/queue/join") rather than manual
// r.Method switches.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"eclaw/internal/adminlog"
	"eclaw/internal/config"
	"eclaw/internal/supervisor"
)

// Handler bundles every HTTP/WebSocket endpoint over a running Supervisor.
type Handler struct {
	sup       *supervisor.Supervisor
	cfgPath   string
	adminKey  string
	startedAt time.Time
	logs      *adminlog.Ring
}

// New constructs a Handler. cfgPath is the path GET/PUT /admin/config reads
// and atomically rewrites; adminKey is the value X-Admin-Key must match;
// logs is the live log tail fed by the process's sessionlog.TeeHandler
// callback (cmd/eclawd wires the two together at startup).
func New(sup *supervisor.Supervisor, cfgPath, adminKey string, logs *adminlog.Ring) *Handler {
	return &Handler{
		sup:       sup,
		cfgPath:   cfgPath,
		adminKey:  adminKey,
		startedAt: time.Now(),
		logs:      logs,
	}
}

// Routes builds the ServeMux this Handler serves. Callers wire it into an
// *http.Server with BaseContext tied to the process lifecycle, mirroring
// the teacher's wsserver.Hub.Start.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/queue/join", h.handleJoin)
	mux.HandleFunc("DELETE /api/queue/leave", h.handleLeave)
	mux.HandleFunc("GET /api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("GET /api/queue", h.handleQueueList)
	mux.HandleFunc("GET /api/session/me", h.handleSessionMe)
	mux.HandleFunc("GET /api/history", h.handleHistory)
	mux.HandleFunc("GET /api/health", h.handleHealth)

	mux.Handle("GET /ws/status", h.sup.Broadcast)
	mux.Handle("GET /ws/control", h.sup.Control)

	mux.HandleFunc("POST /admin/advance", h.requireAdmin(h.handleAdminAdvance))
	mux.HandleFunc("POST /admin/pause", h.requireAdmin(h.handleAdminPause))
	mux.HandleFunc("POST /admin/resume", h.requireAdmin(h.handleAdminResume))
	mux.HandleFunc("POST /admin/emergency-stop", h.requireAdmin(h.handleAdminEmergencyStop))
	mux.HandleFunc("POST /admin/unlock", h.requireAdmin(h.handleAdminUnlock))
	mux.HandleFunc("POST /admin/kick/{id}", h.requireAdmin(h.handleAdminKick))
	mux.HandleFunc("GET /admin/dashboard", h.requireAdmin(h.handleAdminDashboard))
	mux.HandleFunc("GET /admin/queue-details", h.requireAdmin(h.handleAdminQueueDetails))
	mux.HandleFunc("GET /admin/config", h.requireAdmin(h.handleAdminGetConfig))
	mux.HandleFunc("PUT /admin/config", h.requireAdmin(h.handleAdminPutConfig))

	return mux
}

// requireAdmin wraps next so it only runs when X-Admin-Key matches, using a
// constant-time comparison so a mismatch is indistinguishable in timing from
// a match on a differing prefix (SPEC_FULL §8 "constant-time admin-key
// comparison (no early return on mismatch)").
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or missing X-Admin-Key"))
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the raw token from an "Authorization: Bearer <token>"
// header, or "" if absent/malformed.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("[ERROR-HTTPAPI] failed to encode response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// clientIP extracts the caller's address, trusting X-Forwarded-For only
// when the direct peer's address falls within one of cfg.TrustedProxyCIDRs
// (SPEC_FULL §6/§5's TrustedProxyCIDRs knob). Adapted from the pack's
// private/loopback-trust heuristic into an explicit allow-list since this
// program's deployments are reverse-proxied behind a known set of CIDRs
// rather than an open private network.
func clientIP(r *http.Request, cfg config.Config) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	peer := net.ParseIP(remote)
	if peer != nil && trustedProxy(peer, cfg.TrustedProxyCIDRs) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	return remote
}

func trustedProxy(peer net.IP, cidrs []string) bool {
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(peer) {
			return true
		}
	}
	return false
}

// currentConfig returns the Config the Supervisor was constructed with, for
// read-only endpoints (health, admin dashboard) that need its knobs.
func (h *Handler) currentConfig() config.Config {
	return h.sup.Config()
}
