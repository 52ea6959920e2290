package policy

import (
	"errors"
	"fmt"

	"github.com/rbright/micpin/internal/device"
)

var (
	// ErrResolution matches every *ResolutionError.
	ErrResolution = errors.New("selection resolution failed")
	// ErrDeviceRejected matches every *RejectedError.
	ErrDeviceRejected = errors.New("device rejected")
	// ErrDeviceNotFound is returned when a command names a UID that is not
	// currently connected.
	ErrDeviceNotFound = errors.New("device not connected")
	// ErrNoVettedDevice is returned when no stable built-in or fallback
	// microphone exists.
	ErrNoVettedDevice = errors.New("no vetted input device")
)

// Fallback reasons recorded when the policy degrades to the system default.
const (
	ReasonPinnedRemoved     = "pinned_device_removed"
	ReasonNothingPinned     = "no_pinned_device"
	ReasonDeviceUnstable    = "device_unstable"
	ReasonPriorityExhausted = "priority_list_exhausted"
	ReasonSelectedMissing   = "selected_device_missing"
	ReasonNoSystemDefault   = "system_default_unavailable"
)

// ResolutionError reports why the current mode produced no device.
type ResolutionError struct {
	Mode   Mode
	Reason string
	UID    string
}

func (e *ResolutionError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("resolve %s selection: %s (%s)", e.Mode, e.Reason, e.UID)
	}
	return fmt.Sprintf("resolve %s selection: %s", e.Mode, e.Reason)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// RejectedError is returned when a device is refused as a pin target.
type RejectedError struct {
	UID     string
	Name    string
	Verdict device.Verdict
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device %q rejected: %s", e.Name, e.Verdict.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrDeviceRejected }
