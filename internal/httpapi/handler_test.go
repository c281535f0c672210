package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"eclaw/internal/adminlog"
	"eclaw/internal/config"
	"eclaw/internal/hardware"
	"eclaw/internal/supervisor"
)

func newTestHandler(t *testing.T) (*Handler, *supervisor.Supervisor) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "eclaw.db")
	cfg.AdminKey = "s3cret"
	cfg.Timeouts.ReadySeconds = 1
	cfg.Timeouts.TurnSeconds = 2
	cfg.RateLimits.JoinPerMinute = 100
	cfg.RateLimits.CommandRateHz = 50

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfgPath := config.DefaultPath()
	if _, err := config.Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	sup, err := supervisor.New(context.Background(), cfg, hardware.NewMockBackend())
	if err != nil {
		t.Fatalf("supervisor.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = sup.Gate.Close()
		_ = sup.Store.Close()
	})

	h := New(sup, cfgPath, cfg.AdminKey, adminlog.New(10))
	return h, sup
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestJoinThenStatusReflectsQueueLength(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/queue/join", joinRequest{Name: "Alice", Email: "alice@example.com"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, want 200", resp.StatusCode)
	}
	var join joinResponse
	decodeBody(t, resp, &join)
	if join.Token == "" || join.Position != 1 {
		t.Fatalf("join response = %+v, want non-empty token and position 1", join)
	}

	resp = doJSON(t, srv, "GET", "/api/queue/status", nil, nil)
	var status queueStatusResponse
	decodeBody(t, resp, &status)
	if status.QueueLength != 0 {
		// first joiner is promoted to active/ready almost immediately once
		// Run is called; here Run was never called, so it stays waiting.
		if status.QueueLength != 1 {
			t.Fatalf("queue_length = %d, want 1", status.QueueLength)
		}
	}
}

func TestJoinRejectsDuplicateEmailWhileActive(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body := joinRequest{Name: "Bob", Email: "bob@example.com"}
	resp := doJSON(t, srv, "POST", "/api/queue/join", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first join status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, srv, "POST", "/api/queue/join", body, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate join status = %d, want 409", resp.StatusCode)
	}
}

func TestJoinRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/api/queue/join", bytes.NewReader([]byte("not json")))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLeaveRequiresBearerToken(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "DELETE", "/api/queue/leave", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestJoinThenLeaveRoundTrips(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/queue/join", joinRequest{Name: "Carol", Email: "carol@example.com"}, nil)
	var join joinResponse
	decodeBody(t, resp, &join)

	resp = doJSON(t, srv, "DELETE", "/api/queue/leave", nil, map[string]string{"Authorization": "Bearer " + join.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status = %d, want 200", resp.StatusCode)
	}

	// Re-joining the same email should now succeed (SPEC_FULL §8 join->leave->join law).
	resp = doJSON(t, srv, "POST", "/api/queue/join", joinRequest{Name: "Carol", Email: "carol@example.com"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rejoin status = %d, want 200", resp.StatusCode)
	}
}

func TestAdminEndpointsRejectMissingOrWrongKey(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/admin/advance", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with no key = %d, want 401", resp.StatusCode)
	}
	resp = doJSON(t, srv, "POST", "/admin/advance", nil, map[string]string{"X-Admin-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d, want 401", resp.StatusCode)
	}
	resp = doJSON(t, srv, "POST", "/admin/advance", nil, map[string]string{"X-Admin-Key": "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with correct key = %d, want 200", resp.StatusCode)
	}
}

func TestAdminDashboardReportsViewerCountAndStats(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/queue/join", joinRequest{Name: "Dana", Email: "dana@example.com"}, nil)
	resp.Body.Close()

	resp = doJSON(t, srv, "GET", "/admin/dashboard", nil, map[string]string{"X-Admin-Key": "s3cret"})
	var dash adminDashboardResponse
	decodeBody(t, resp, &dash)
	if dash.Stats.Waiting != 1 {
		t.Fatalf("dashboard stats.Waiting = %d, want 1", dash.Stats.Waiting)
	}
	if dash.RecentLogs == nil {
		t.Fatal("dashboard RecentLogs should be a non-nil (possibly empty) slice")
	}
}

func TestAdminQueueDetailsIncludesRecentEvents(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/queue/join", joinRequest{Name: "Erin", Email: "erin@example.com"}, nil)
	resp.Body.Close()

	resp = doJSON(t, srv, "GET", "/admin/queue-details", nil, map[string]string{"X-Admin-Key": "s3cret"})
	var details []adminQueueEntryResponse
	decodeBody(t, resp, &details)
	if len(details) != 1 {
		t.Fatalf("len(details) = %d, want 1", len(details))
	}
	if len(details[0].Events) != 1 || details[0].Events[0].EventType != "join" {
		t.Fatalf("events = %+v, want a single join event", details[0].Events)
	}
}

func TestLeaveRateLimitedAfterTooManyAttempts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "eclaw.db")
	cfg.AdminKey = "s3cret"
	cfg.RateLimits.JoinPerMinute = 100
	cfg.RateLimits.CommandRateHz = 1

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfgPath := config.DefaultPath()
	if _, err := config.Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sup, err := supervisor.New(context.Background(), cfg, hardware.NewMockBackend())
	if err != nil {
		t.Fatalf("supervisor.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = sup.Gate.Close()
		_ = sup.Store.Close()
	})

	h := New(sup, cfgPath, cfg.AdminKey, adminlog.New(10))
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	// CommandRateHz=1 exhausts the fast path after a single admission; the
	// bearer token itself is irrelevant since CommandLimiter is keyed by IP.
	resp := doJSON(t, srv, "DELETE", "/api/queue/leave", nil, map[string]string{"Authorization": "Bearer bogus"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("first leave status = %d, want 404 (no such entry)", resp.StatusCode)
	}
	resp = doJSON(t, srv, "DELETE", "/api/queue/leave", nil, map[string]string{"Authorization": "Bearer bogus"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second leave status = %d, want 429", resp.StatusCode)
	}
}

func TestAdminKickRemovesWaitingEntry(t *testing.T) {
	h, sup := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	id, _, _, err := sup.Queue.Join(context.Background(), "Eve", "eve@example.com", "127.0.0.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	resp := doJSON(t, srv, "POST", "/admin/kick/"+id, nil, map[string]string{"X-Admin-Key": "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kick status = %d, want 200", resp.StatusCode)
	}

	entry, err := sup.Queue.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if entry.State != "done" {
		t.Fatalf("entry.State = %q, want done after kick", entry.State)
	}
}

func TestAdminKickUnknownIDReturnsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/admin/kick/does-not-exist", nil, map[string]string{"X-Admin-Key": "s3cret"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminConfigGetThenPutRoundTripsAField(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := doJSON(t, srv, "GET", "/admin/config", nil, map[string]string{"X-Admin-Key": "s3cret"})
	var cfg config.Config
	decodeBody(t, resp, &cfg)
	if cfg.AdminKey != "" {
		t.Fatal("admin key must never be serialized in the config response")
	}

	cfg.Timeouts.TurnSeconds = 99
	resp = doJSON(t, srv, "PUT", "/admin/config", cfg, map[string]string{"X-Admin-Key": "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put config status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, srv, "GET", "/admin/config", nil, map[string]string{"X-Admin-Key": "s3cret"})
	var reloaded config.Config
	decodeBody(t, resp, &reloaded)
	if reloaded.Timeouts.TurnSeconds != 99 {
		t.Fatalf("reloaded turn_seconds = %d, want 99", reloaded.Timeouts.TurnSeconds)
	}
}

func TestHealthReportsUptimeAndGPIOLockState(t *testing.T) {
	h, sup := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	time.Sleep(5 * time.Millisecond)
	resp := doJSON(t, srv, "GET", "/api/health", nil, nil)
	var health healthResponse
	decodeBody(t, resp, &health)
	if health.Status != "ok" {
		t.Fatalf("health.Status = %q, want ok", health.Status)
	}
	if health.UptimeSeconds <= 0 {
		t.Fatal("health.UptimeSeconds should be positive")
	}

	sup.Gate.EmergencyStop(context.Background())
	resp = doJSON(t, srv, "GET", "/api/health", nil, nil)
	decodeBody(t, resp, &health)
	if !health.GPIOLocked {
		t.Fatal("health.GPIOLocked should be true after EmergencyStop")
	}
}
