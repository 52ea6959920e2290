// Package config resolves, parses, validates, and defaults micpin configuration.
package config

import (
	"time"

	"github.com/rbright/micpin/internal/device"
)

// Config is the fully materialized runtime configuration used by micpin.
type Config struct {
	Audio     AudioConfig
	Selection SelectionConfig
	Stability StabilityConfig
	Notify    NotifyConfig
	State     StateConfig
	Metrics   MetricsConfig
	Debug     DebugConfig
}

// AudioConfig picks the platform backend and the capture format.
type AudioConfig struct {
	Backend    string
	SampleRate int
	Channels   int
}

// SelectionConfig tunes the default-device watcher.
type SelectionConfig struct {
	DebounceMS int
	PollMS     int
}

func (c SelectionConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c SelectionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMS) * time.Millisecond
}

// StabilityConfig holds the classifier heuristics.
type StabilityConfig struct {
	ContinuityPatterns []string
	VirtualPatterns    []string
	BluetoothPatterns  []string
	BuiltInPatterns    []string
	AllowedSampleRates []int
	MaxInputChannels   int
}

// Heuristics converts the config into classifier input.
func (c StabilityConfig) Heuristics() device.Heuristics {
	return device.Heuristics{
		ContinuityPatterns: c.ContinuityPatterns,
		VirtualPatterns:    c.VirtualPatterns,
		BluetoothPatterns:  c.BluetoothPatterns,
		BuiltInPatterns:    c.BuiltInPatterns,
		AllowedSampleRates: c.AllowedSampleRates,
		MaxInputChannels:   c.MaxInputChannels,
	}
}

// NotifyConfig controls user-facing rejection notices.
type NotifyConfig struct {
	Enable  bool
	Backend string
	AppName string
	Command CommandConfig
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// StateConfig locates persisted selection state. Empty uses the XDG state dir.
type StateConfig struct {
	Dir string
}

// MetricsConfig enables the Prometheus listener when Listen is set.
type MetricsConfig struct {
	Listen string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
