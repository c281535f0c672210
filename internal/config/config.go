// Package config loads, validates, and persists eclaw's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	renameRetryBaseDelay     = 10 * time.Millisecond
	maxValidPort             = 65535
)

var defaultConfigDirFn = defaultConfigDir

// GPIOPins maps logical output/input names to physical pin numbers.
type GPIOPins struct {
	Coin      int `yaml:"coin" json:"coin"`
	Drop      int `yaml:"drop" json:"drop"`
	North     int `yaml:"north" json:"north"`
	South     int `yaml:"south" json:"south"`
	East      int `yaml:"east" json:"east"`
	West      int `yaml:"west" json:"west"`
	WinSensor int `yaml:"win_sensor" json:"win_sensor"`
}

// Timeouts holds every duration-valued knob named in SPEC_FULL §5/§8,
// expressed in whole seconds in the config file for readability.
type Timeouts struct {
	ReadySeconds          int `yaml:"ready_seconds" json:"ready_seconds"`
	TurnSeconds           int `yaml:"turn_seconds" json:"turn_seconds"`
	MoveSeconds           int `yaml:"move_seconds" json:"move_seconds"`
	DropHoldMaxSeconds    int `yaml:"drop_hold_max_seconds" json:"drop_hold_max_seconds"`
	PostDropSeconds       int `yaml:"post_drop_seconds" json:"post_drop_seconds"`
	DisconnectGraceSecs   int `yaml:"disconnect_grace_seconds" json:"disconnect_grace_seconds"`
	PreAuthSeconds        int `yaml:"pre_auth_seconds" json:"pre_auth_seconds"`
	GhostAgeSeconds       int `yaml:"ghost_age_seconds" json:"ghost_age_seconds"`
	StuckStateBufferSecs  int `yaml:"stuck_state_buffer_seconds" json:"stuck_state_buffer_seconds"`
	StaleCleanupGraceSecs int `yaml:"stale_cleanup_grace_seconds" json:"stale_cleanup_grace_seconds"`
}

// RateLimits holds admission-control knobs for internal/ratelimit.
type RateLimits struct {
	JoinPerMinute    int `yaml:"join_per_minute" json:"join_per_minute"`
	CommandRateHz    int `yaml:"command_rate_hz" json:"command_rate_hz"`
	SweepIntervalSec int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// Retention holds pruning horizons for internal/store.
type Retention struct {
	EntryHorizonHours    int `yaml:"entry_horizon_hours" json:"entry_horizon_hours"`
	RateLimitHorizonMins int `yaml:"rate_limit_horizon_minutes" json:"rate_limit_horizon_minutes"`
	PruneIntervalMinutes int `yaml:"prune_interval_minutes" json:"prune_interval_minutes"`
}

// Config is eclaw's runtime configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address, e.g. "0.0.0.0:8080".
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// AdminKey authenticates admin endpoints (X-Admin-Key header). Stored in
	// plaintext in the config file, which is chmod 0600; never logged.
	AdminKey string `yaml:"admin_key" json:"-"`
	// DatabasePath is the SQLite file path (WAL sidecar files live alongside it).
	DatabasePath string `yaml:"database_path" json:"database_path"`
	// MockHardware runs the Hardware Gate in software-only mode.
	MockHardware bool `yaml:"mock_hardware" json:"mock_hardware"`
	// WinSensorEnabled controls whether win-sensor edges are honored at all.
	WinSensorEnabled bool `yaml:"win_sensor_enabled" json:"win_sensor_enabled"`
	// PulseMillis is the fixed-duration output activation length for pulse()
	// calls (coin credit, drop relay).
	PulseMillis int `yaml:"pulse_millis" json:"pulse_millis"`
	// RelayActiveLow selects relay polarity: true means logic-low engages.
	RelayActiveLow bool `yaml:"relay_active_low" json:"relay_active_low"`
	// DirectionCooldownMillis is the minimum time the Hardware Gate enforces
	// between two pulses of the same output (SPEC_FULL §4.1).
	DirectionCooldownMillis int `yaml:"direction_cooldown_millis" json:"direction_cooldown_millis"`
	// OpposingDirectionPolicy is "ignore_new" or "replace".
	OpposingDirectionPolicy string `yaml:"opposing_direction_policy" json:"opposing_direction_policy"`
	// TriesPerPlayer bounds drop attempts allowed per turn.
	TriesPerPlayer int `yaml:"tries_per_player" json:"tries_per_player"`
	// MaxWorkerReplacements bounds hardware executor replacements within
	// ExecutorReplacementWindowSeconds before escalating to a fatal error.
	MaxWorkerReplacements          int `yaml:"max_worker_replacements" json:"max_worker_replacements"`
	ExecutorReplacementWindowSecs  int `yaml:"executor_replacement_window_seconds" json:"executor_replacement_window_seconds"`
	// MaxConcurrentControlConns bounds the Control Channel admission semaphore.
	MaxConcurrentControlConns int `yaml:"max_concurrent_control_conns" json:"max_concurrent_control_conns"`
	// MaxConcurrentViewers bounds the Status Fan-out admission semaphore.
	MaxConcurrentViewers int `yaml:"max_concurrent_viewers" json:"max_concurrent_viewers"`
	// TrustedProxyCIDRs lists CIDRs permitted to set X-Forwarded-For.
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs,omitempty" json:"trusted_proxy_cidrs,omitempty"`
	// WorkerCount must be 1; the core assumes single-process hardware ownership.
	WorkerCount int `yaml:"worker_count" json:"worker_count"`

	GPIO       GPIOPins   `yaml:"gpio" json:"gpio"`
	Timeouts   Timeouts   `yaml:"timeouts" json:"timeouts"`
	RateLimits RateLimits `yaml:"rate_limits" json:"rate_limits"`
	Retention  Retention  `yaml:"retention" json:"retention"`
}

// DefaultConfig returns default values for a freshly installed attraction.
func DefaultConfig() Config {
	return Config{
		ListenAddr:              "0.0.0.0:8080",
		DatabasePath:            "eclaw.db",
		MockHardware:            false,
		WinSensorEnabled:        true,
		PulseMillis:             150,
		RelayActiveLow:          true,
		DirectionCooldownMillis: 50,
		OpposingDirectionPolicy: "ignore_new",
		TriesPerPlayer:          2,
		MaxWorkerReplacements:   5,
		ExecutorReplacementWindowSecs: 60,
		MaxConcurrentControlConns:     64,
		MaxConcurrentViewers:          256,
		WorkerCount:                   1,
		GPIO: GPIOPins{
			Coin: 17, Drop: 27, North: 22, South: 23, East: 24, West: 25, WinSensor: 4,
		},
		Timeouts: Timeouts{
			ReadySeconds:          20,
			TurnSeconds:           90,
			MoveSeconds:           15,
			DropHoldMaxSeconds:    5,
			PostDropSeconds:       4,
			DisconnectGraceSecs:   15,
			PreAuthSeconds:        5,
			GhostAgeSeconds:       30,
			StuckStateBufferSecs:  20,
			StaleCleanupGraceSecs: 10,
		},
		RateLimits: RateLimits{
			JoinPerMinute:    6,
			CommandRateHz:    10,
			SweepIntervalSec: 60,
		},
		Retention: Retention{
			EntryHorizonHours:    168,
			RateLimitHorizonMins: 60,
			PruneIntervalMinutes: 30,
		},
	}
}

// DefaultPath resolves the config file path, preferring XDG_CONFIG_HOME,
// falling back to ~/.config, and finally to os.TempDir() if the home
// directory cannot be resolved. The temp-dir fallback is not a stable
// persistence location and is logged as a warning.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "eclaw", "config.yaml")
}

// Load reads the config file. If the file does not exist, defaults are
// returned. Parse errors are non-fatal: defaults are returned with the error
// so the caller can decide whether to proceed or abort.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes default config if missing and returns the loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Clone returns a deep copy of cfg, safe to share across goroutines.
func Clone(src Config) Config {
	dst := src
	if src.TrustedProxyCIDRs != nil {
		dst.TrustedProxyCIDRs = make([]string, len(src.TrustedProxyCIDRs))
		copy(dst.TrustedProxyCIDRs, src.TrustedProxyCIDRs)
	}
	return dst
}

// Save validates cfg, fills defaults, and atomically writes it to path.
// Returns the normalized config that was actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}
	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing defaults and validates cfg in place.
// MUTATES cfg. Used by both Load and Save for consistent normalization.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = defaults.DatabasePath
	}
	if cfg.PulseMillis <= 0 {
		slog.Warn("[WARN-CONFIG] pulse_millis out of range, using default", "configured", cfg.PulseMillis)
		cfg.PulseMillis = defaults.PulseMillis
	}
	if cfg.TriesPerPlayer <= 0 {
		slog.Warn("[WARN-CONFIG] tries_per_player out of range, using default", "configured", cfg.TriesPerPlayer)
		cfg.TriesPerPlayer = defaults.TriesPerPlayer
	}
	if cfg.DirectionCooldownMillis < 0 {
		slog.Warn("[WARN-CONFIG] direction_cooldown_millis out of range, using default", "configured", cfg.DirectionCooldownMillis)
		cfg.DirectionCooldownMillis = defaults.DirectionCooldownMillis
	}
	switch cfg.OpposingDirectionPolicy {
	case "ignore_new", "replace":
	default:
		slog.Warn("[WARN-CONFIG] opposing_direction_policy invalid, using default",
			"configured", cfg.OpposingDirectionPolicy)
		cfg.OpposingDirectionPolicy = defaults.OpposingDirectionPolicy
	}
	if cfg.MaxWorkerReplacements <= 0 {
		cfg.MaxWorkerReplacements = defaults.MaxWorkerReplacements
	}
	if cfg.ExecutorReplacementWindowSecs <= 0 {
		cfg.ExecutorReplacementWindowSecs = defaults.ExecutorReplacementWindowSecs
	}
	if cfg.MaxConcurrentControlConns <= 0 {
		cfg.MaxConcurrentControlConns = defaults.MaxConcurrentControlConns
	}
	if cfg.MaxConcurrentViewers <= 0 {
		cfg.MaxConcurrentViewers = defaults.MaxConcurrentViewers
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	validateListenAddr(cfg)
	validateTimeouts(cfg, defaults.Timeouts)
	validateRateLimits(cfg, defaults.RateLimits)
	validateRetention(cfg, defaults.Retention)
	validateTrustedProxyCIDRs(cfg)
	return nil
}

// validateListenAddr checks the addr:port form without resolving the host,
// falling back to the default on malformed input (non-fatal, consistent with
// the project policy that a bad config value must not prevent startup).
func validateListenAddr(cfg *Config) {
	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		slog.Warn("[WARN-CONFIG] listen_addr malformed, using default", "configured", cfg.ListenAddr, "error", err)
		cfg.ListenAddr = DefaultConfig().ListenAddr
		return
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port < 0 || port > maxValidPort {
		slog.Warn("[WARN-CONFIG] listen_addr port out of range, using default", "configured", cfg.ListenAddr)
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
}

func validateTimeouts(cfg *Config, d Timeouts) {
	t := &cfg.Timeouts
	clampPositive(&t.ReadySeconds, d.ReadySeconds, "timeouts.ready_seconds")
	clampPositive(&t.TurnSeconds, d.TurnSeconds, "timeouts.turn_seconds")
	clampPositive(&t.MoveSeconds, d.MoveSeconds, "timeouts.move_seconds")
	clampPositive(&t.DropHoldMaxSeconds, d.DropHoldMaxSeconds, "timeouts.drop_hold_max_seconds")
	clampPositive(&t.PostDropSeconds, d.PostDropSeconds, "timeouts.post_drop_seconds")
	clampPositive(&t.DisconnectGraceSecs, d.DisconnectGraceSecs, "timeouts.disconnect_grace_seconds")
	clampPositive(&t.PreAuthSeconds, d.PreAuthSeconds, "timeouts.pre_auth_seconds")
	clampPositive(&t.GhostAgeSeconds, d.GhostAgeSeconds, "timeouts.ghost_age_seconds")
	clampPositive(&t.StuckStateBufferSecs, d.StuckStateBufferSecs, "timeouts.stuck_state_buffer_seconds")
	clampPositive(&t.StaleCleanupGraceSecs, d.StaleCleanupGraceSecs, "timeouts.stale_cleanup_grace_seconds")
}

func validateRateLimits(cfg *Config, d RateLimits) {
	r := &cfg.RateLimits
	clampPositive(&r.JoinPerMinute, d.JoinPerMinute, "rate_limits.join_per_minute")
	clampPositive(&r.CommandRateHz, d.CommandRateHz, "rate_limits.command_rate_hz")
	clampPositive(&r.SweepIntervalSec, d.SweepIntervalSec, "rate_limits.sweep_interval_seconds")
}

func validateRetention(cfg *Config, d Retention) {
	r := &cfg.Retention
	clampPositive(&r.EntryHorizonHours, d.EntryHorizonHours, "retention.entry_horizon_hours")
	clampPositive(&r.RateLimitHorizonMins, d.RateLimitHorizonMins, "retention.rate_limit_horizon_minutes")
	clampPositive(&r.PruneIntervalMinutes, d.PruneIntervalMinutes, "retention.prune_interval_minutes")
}

func clampPositive(field *int, fallback int, name string) {
	if *field <= 0 {
		slog.Warn("[WARN-CONFIG] "+name+" out of range, using default", "configured", *field, "default", fallback)
		*field = fallback
	}
}

func validateTrustedProxyCIDRs(cfg *Config) {
	if len(cfg.TrustedProxyCIDRs) == 0 {
		return
	}
	filtered := make([]string, 0, len(cfg.TrustedProxyCIDRs))
	for _, c := range cfg.TrustedProxyCIDRs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(c); err != nil {
			slog.Warn("[WARN-CONFIG] trusted_proxy_cidrs entry invalid, skipping", "value", c, "error", err)
			continue
		}
		filtered = append(filtered, c)
	}
	cfg.TrustedProxyCIDRs = filtered
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}

// SortedTrustedProxyCIDRs returns a sorted copy, for deterministic display.
func SortedTrustedProxyCIDRs(cfg Config) []string {
	out := append([]string(nil), cfg.TrustedProxyCIDRs...)
	sort.Strings(out)
	return out
}
