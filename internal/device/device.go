// Package device enumerates audio input devices and classifies them as safe or
// unsafe to pin.
package device

import (
	"slices"
	"time"
)

// Handle is the backend-local identifier of a device. Handles may be recycled
// across reconnects; UID is the persistent identity.
type Handle uint32

// Device is one input-capable device as observed during a single enumeration.
// InputChannels and SampleRate are zero when the backend cannot report them.
type Device struct {
	Handle        Handle `json:"handle"`
	UID           string `json:"uid"`
	Name          string `json:"name"`
	InputChannels int    `json:"input_channels"`
	SampleRate    int    `json:"sample_rate"`
}

// Snapshot is the device list observed by one enumeration.
type Snapshot struct {
	Devices []Device
	TakenAt time.Time
}

// ByUID returns the device with the given UID.
func (s Snapshot) ByUID(uid string) (Device, bool) {
	if uid == "" {
		return Device{}, false
	}
	for _, dev := range s.Devices {
		if dev.UID == uid {
			return dev, true
		}
	}
	return Device{}, false
}

// Contains reports whether uid is present in the snapshot.
func (s Snapshot) Contains(uid string) bool {
	_, ok := s.ByUID(uid)
	return ok
}

// Len returns the device count.
func (s Snapshot) Len() int {
	return len(s.Devices)
}

// UIDs returns device UIDs in enumeration order.
func (s Snapshot) UIDs() []string {
	out := make([]string, 0, len(s.Devices))
	for _, dev := range s.Devices {
		out = append(out, dev.UID)
	}
	return out
}

// Diff reports UIDs present in s but not prev (added) and in prev but not s (removed).
func (s Snapshot) Diff(prev Snapshot) (added []string, removed []string) {
	for _, dev := range s.Devices {
		if !prev.Contains(dev.UID) {
			added = append(added, dev.UID)
		}
	}
	for _, dev := range prev.Devices {
		if !s.Contains(dev.UID) {
			removed = append(removed, dev.UID)
		}
	}
	return added, removed
}

// SameDevices reports whether both snapshots hold the same UID set.
func (s Snapshot) SameDevices(other Snapshot) bool {
	if len(s.Devices) != len(other.Devices) {
		return false
	}
	a := s.UIDs()
	b := other.UIDs()
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
