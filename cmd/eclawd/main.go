// Command eclawd is the claw-machine queue server: it owns the Hardware
// Gate, the turn state machine, and the HTTP/WebSocket surface described in
// SPEC_FULL §6. One process, one physical machine — see SPEC_FULL §4
// "single-process hardware ownership".
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eclaw/internal/adminlog"
	"eclaw/internal/config"
	"eclaw/internal/hardware"
	"eclaw/internal/httpapi"
	"eclaw/internal/sessionlog"
	"eclaw/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the YAML config file (created with defaults if missing)")
	flag.Parse()

	logs := adminlog.New(0)
	baseHandler := slog.NewTextHandler(os.Stderr, nil)
	// The base handler must write directly to os.Stderr, not
	// slog.Default().Handler(): wrapping the default handler would tee
	// records back through this same TeeHandler via log.Logger's bridge
	// and deadlock on its internal mutex.
	teeHandler := sessionlog.NewTeeHandler(baseHandler, slog.LevelWarn, logs.Push)
	slog.SetDefault(slog.New(teeHandler))

	cfg, err := config.EnsureFile(*configPath)
	if err != nil {
		slog.Warn("[WARN-MAIN] failed to load config, continuing with defaults", "path", *configPath, "error", err)
	}

	backend, err := newHardwareBackend(cfg)
	if err != nil {
		slog.Error("[ERROR-MAIN] failed to initialize hardware backend", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, cfg, backend)
	if err != nil {
		slog.Error("[ERROR-MAIN] failed to construct supervisor", "error", err)
		os.Exit(1)
	}
	sup.Run(ctx)

	handler := httpapi.New(sup, *configPath, cfg.AdminKey, logs)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("[INFO-MAIN] listening", "addr", cfg.ListenAddr, "mock_hardware", cfg.MockHardware)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[ERROR-MAIN] server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("[INFO-MAIN] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[WARN-MAIN] http server shutdown error", "error", err)
	}
	sup.Shutdown()
}

func newHardwareBackend(cfg config.Config) (hardware.Backend, error) {
	if cfg.MockHardware {
		return hardware.NewMockBackend(), nil
	}
	backend, err := hardware.NewSysfsBackend(supervisor.SysfsPinMap(cfg.GPIO), cfg.GPIO.WinSensor, cfg.RelayActiveLow)
	if err != nil {
		return nil, fmt.Errorf("sysfs backend: %w", err)
	}
	return backend, nil
}
