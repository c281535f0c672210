package httpapi

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"eclaw/internal/config"
)

func TestClientIPTrustsForwardedForOnlyFromTrustedProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TrustedProxyCIDRs = []string{"10.0.0.0/8"}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")

	if got := clientIP(req, cfg); got != "203.0.113.9" {
		t.Fatalf("clientIP() = %q, want 203.0.113.9", got)
	}
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TrustedProxyCIDRs = []string{"10.0.0.0/8"}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "203.0.113.50:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	if got := clientIP(req, cfg); got != "203.0.113.50" {
		t.Fatalf("clientIP() = %q, want 203.0.113.50 (the untrusted peer's own address)", got)
	}
}

func TestClientIPFallsBackToXRealIPWhenNoForwardedFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TrustedProxyCIDRs = []string{"127.0.0.1/32"}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Real-IP", "198.51.100.77")

	if got := clientIP(req, cfg); got != "198.51.100.77" {
		t.Fatalf("clientIP() = %q, want 198.51.100.77", got)
	}
}

func TestClientIPWithNoTrustedProxiesConfiguredUsesRemoteAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TrustedProxyCIDRs = nil

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "203.0.113.50:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	if got := clientIP(req, cfg); got != "203.0.113.50" {
		t.Fatalf("clientIP() = %q, want 203.0.113.50", got)
	}
}

func TestTrustedProxySkipsMalformedCIDRsWithoutPanicking(t *testing.T) {
	cidrs := []string{"not-a-cidr", "10.0.0.0/8"}
	peer := net.ParseIP("10.5.5.5")
	if peer == nil {
		t.Fatal("net.ParseIP(\"10.5.5.5\") returned nil")
	}
	if !trustedProxy(peer, cidrs) {
		t.Fatal("trustedProxy() = false, want true despite a malformed entry earlier in the list")
	}
}
