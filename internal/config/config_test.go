package config

import (
	"path/filepath"
	"reflect"
	"testing"
)

func withTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := defaultConfigDirFn
	defaultConfigDirFn = func() (string, error) { return dir, nil }
	t.Cleanup(func() { defaultConfigDirFn = orig })
	return dir
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WorkerCount != 1 {
		t.Fatalf("default worker count = %d, want 1", cfg.WorkerCount)
	}
	if cfg.TriesPerPlayer <= 0 {
		t.Fatalf("default tries_per_player must be positive, got %d", cfg.TriesPerPlayer)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := withTempConfigDir(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatalf("Load() on missing file = %+v, want defaults", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := withTempConfigDir(t)
	path := filepath.Join(dir, "config.yaml")

	want := DefaultConfig()
	want.ListenAddr = "127.0.0.1:9090"
	want.AdminKey = "s3cret"
	want.GPIO.North = 99
	want.TrustedProxyCIDRs = []string{"10.0.0.0/8"}

	saved, err := Save(path, want)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.ListenAddr != want.ListenAddr {
		t.Fatalf("saved ListenAddr = %q, want %q", saved.ListenAddr, want.ListenAddr)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ListenAddr != want.ListenAddr || got.AdminKey != want.AdminKey || got.GPIO.North != want.GPIO.North {
		t.Fatalf("round trip mismatch: got %+v, want fields from %+v", got, want)
	}
	if len(got.TrustedProxyCIDRs) != 1 || got.TrustedProxyCIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("trusted_proxy_cidrs round trip = %v", got.TrustedProxyCIDRs)
	}
}

func TestLoadInvalidPortFallsBackToDefault(t *testing.T) {
	dir := withTempConfigDir(t)
	path := filepath.Join(dir, "config.yaml")

	bad := DefaultConfig()
	bad.ListenAddr = "not-an-addr"
	if _, err := Save(path, bad); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ListenAddr != DefaultConfig().ListenAddr {
		t.Fatalf("ListenAddr = %q, want default fallback", got.ListenAddr)
	}
}

func TestValidateConfigPathRejectsTraversal(t *testing.T) {
	withTempConfigDir(t)
	if _, err := validateConfigPath("/etc/passwd"); err == nil {
		t.Fatal("expected error for path outside config directory")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	src := DefaultConfig()
	src.TrustedProxyCIDRs = []string{"10.0.0.0/8"}
	dst := Clone(src)
	dst.TrustedProxyCIDRs[0] = "mutated"
	if src.TrustedProxyCIDRs[0] == "mutated" {
		t.Fatal("Clone() did not deep-copy TrustedProxyCIDRs")
	}
}

func TestApplyDefaultsAndValidateClampsTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.TurnSeconds = -5
	cfg.RateLimits.CommandRateHz = 0
	cfg.Retention.EntryHorizonHours = -1
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		t.Fatalf("applyDefaultsAndValidate() error = %v", err)
	}
	if cfg.Timeouts.TurnSeconds <= 0 {
		t.Fatalf("TurnSeconds not clamped, got %d", cfg.Timeouts.TurnSeconds)
	}
	if cfg.RateLimits.CommandRateHz <= 0 {
		t.Fatalf("CommandRateHz not clamped, got %d", cfg.RateLimits.CommandRateHz)
	}
	if cfg.Retention.EntryHorizonHours <= 0 {
		t.Fatalf("EntryHorizonHours not clamped, got %d", cfg.Retention.EntryHorizonHours)
	}
}

func TestValidateTrustedProxyCIDRsDropsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrustedProxyCIDRs = []string{"10.0.0.0/8", "not-a-cidr", "192.168.1.0/24"}
	validateTrustedProxyCIDRs(&cfg)
	if len(cfg.TrustedProxyCIDRs) != 2 {
		t.Fatalf("expected 2 valid CIDRs to survive, got %v", cfg.TrustedProxyCIDRs)
	}
}
