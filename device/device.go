// Package device resolves which compute devices are visible to the process
// and enforces that the requested count matches exactly. Device topology is
// not expected to change mid-process, so a mismatch is terminal.
package device

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCountMismatch is returned when the requested device count differs from
// the count visible to the process.
var ErrCountMismatch = errors.New("device count mismatch")

// VisibleDevicesEnv names the environment variable holding the
// comma-separated list of visible device ids.
const VisibleDevicesEnv = "SLEEPSTAGE_VISIBLE_DEVICES"

// Visible returns the device ids currently visible to the process. An
// unset or empty variable means no accelerator devices (CPU execution).
func Visible() []string {
	raw := strings.TrimSpace(os.Getenv(VisibleDevicesEnv))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	devices := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			devices = append(devices, p)
		}
	}
	return devices
}

// Force overrides the visible device set for this process.
func Force(devices string) error {
	if err := os.Setenv(VisibleDevicesEnv, devices); err != nil {
		return fmt.Errorf("failed to set visible devices: %v", err)
	}
	return nil
}

// CheckCount verifies that exactly `requested` devices are visible and
// returns them. Requesting zero devices selects CPU execution and always
// succeeds.
func CheckCount(requested int) ([]string, error) {
	if requested == 0 {
		return nil, nil
	}
	visible := Visible()
	if len(visible) != requested {
		return nil, fmt.Errorf("%w: requested %d, platform exposes %d (%v)",
			ErrCountMismatch, requested, len(visible), visible)
	}
	return visible, nil
}
