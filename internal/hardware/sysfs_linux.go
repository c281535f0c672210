//go:build linux

package hardware

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// pollInterval bounds the rate of the WatchWinSensor fallback read loop.
const pollInterval = 20 * time.Millisecond

// SysfsBackend drives relays and reads the win sensor through the Linux
// sysfs GPIO character files (/sys/class/gpio/gpioN/{direction,value}).
//
// No GPIO or periph.io-style hardware-pin library appears anywhere in the
// retrieval pack this repo was built from (see DESIGN.md); this is the one
// leaf of the system implemented directly against the standard library
// rather than a third-party dependency, because none was available to
// ground it on.
type SysfsBackend struct {
	pins      map[string]int
	activeLow bool
	winPin    int
}

const sysfsGPIORoot = "/sys/class/gpio"

// NewSysfsBackend exports every configured pin and sets output directions.
// winPin is configured as an input.
func NewSysfsBackend(pins map[string]int, winPin int, activeLow bool) (*SysfsBackend, error) {
	b := &SysfsBackend{pins: pins, activeLow: activeLow, winPin: winPin}

	for name, pin := range pins {
		if err := exportPin(pin); err != nil {
			return nil, fmt.Errorf("hardware: export %s (gpio%d): %w", name, pin, err)
		}
		if err := writePinFile(pin, "direction", "out"); err != nil {
			return nil, fmt.Errorf("hardware: set direction out for %s (gpio%d): %w", name, pin, err)
		}
	}
	if err := exportPin(winPin); err != nil {
		return nil, fmt.Errorf("hardware: export win sensor (gpio%d): %w", winPin, err)
	}
	if err := writePinFile(winPin, "direction", "in"); err != nil {
		return nil, fmt.Errorf("hardware: set direction in for win sensor (gpio%d): %w", winPin, err)
	}
	if err := writePinFile(winPin, "edge", "rising"); err != nil {
		return nil, fmt.Errorf("hardware: set edge for win sensor (gpio%d): %w", winPin, err)
	}
	return b, nil
}

func (b *SysfsBackend) SetOutput(name string, on bool) error {
	pin, ok := b.pins[name]
	if !ok {
		return fmt.Errorf("hardware: unknown output %q", name)
	}
	value := on
	if b.activeLow {
		value = !value
	}
	v := "0"
	if value {
		v = "1"
	}
	return writePinFile(pin, "value", v)
}

// WatchWinSensor polls the sysfs value file's edge-triggered poll(2)
// semantics are not reachable from pure os.File reads on every kernel, so
// this implementation falls back to a bounded-rate read loop: adequate for
// a single physical sensor with one rising edge per turn, and simpler than
// wiring epoll directly for a standard-library-only backend.
func (b *SysfsBackend) WatchWinSensor(ctx context.Context, onEdge func()) error {
	path := filepath.Join(sysfsGPIORoot, fmt.Sprintf("gpio%d", b.winPin), "value")
	last := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		val, err := readPinValue(path)
		if err != nil {
			return err
		}
		if val == 1 && last == 0 {
			onEdge()
		}
		last = val

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *SysfsBackend) Close() error {
	for _, pin := range b.pins {
		_ = unexportPin(pin)
	}
	_ = unexportPin(b.winPin)
	return nil
}

func exportPin(pin int) error {
	if _, err := os.Stat(filepath.Join(sysfsGPIORoot, fmt.Sprintf("gpio%d", pin))); err == nil {
		return nil // already exported
	}
	return os.WriteFile(filepath.Join(sysfsGPIORoot, "export"), []byte(strconv.Itoa(pin)), 0o200)
}

func unexportPin(pin int) error {
	return os.WriteFile(filepath.Join(sysfsGPIORoot, "unexport"), []byte(strconv.Itoa(pin)), 0o200)
}

func writePinFile(pin int, file, value string) error {
	path := filepath.Join(sysfsGPIORoot, fmt.Sprintf("gpio%d", pin), file)
	return os.WriteFile(path, []byte(value), 0o200)
}

func readPinValue(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("hardware: empty value file %s", path)
	}
	v, err := strconv.Atoi(scanner.Text())
	if err != nil {
		return 0, fmt.Errorf("hardware: parse value file %s: %w", path, err)
	}
	return v, nil
}
