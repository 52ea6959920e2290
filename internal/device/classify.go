package device

import (
	"fmt"
	"slices"
	"strings"
)

// Reason explains why a device is unstable.
type Reason string

const (
	ReasonVirtual               Reason = "virtual_or_aggregate"
	ReasonContinuity            Reason = "continuity_or_mobile"
	ReasonUnsupportedSampleRate Reason = "unsupported_sample_rate"
	ReasonExcessChannels        Reason = "excess_channels"
)

// Verdict is the classifier result. Reason is empty when Stable.
type Verdict struct {
	Stable bool   `json:"stable"`
	Reason Reason `json:"reason,omitempty"`
}

func (v Verdict) String() string {
	if v.Stable {
		return "stable"
	}
	return fmt.Sprintf("unstable(%s)", v.Reason)
}

// Heuristics holds the name patterns and format limits used for classification.
// Patterns are matched case-insensitively as substrings.
type Heuristics struct {
	ContinuityPatterns []string
	VirtualPatterns    []string
	BluetoothPatterns  []string
	BuiltInPatterns    []string
	AllowedSampleRates []int
	MaxInputChannels   int
}

// DefaultHeuristics returns the stock pattern set.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		ContinuityPatterns: []string{"iphone", "ipad", "continuity", "sidecar", "camera", "ios"},
		VirtualPatterns:    []string{"mixed", "aggregate", "loopback", "blackhole", "soundflower", "vb", "virtual", "rogue amoeba", "monitor of"},
		BluetoothPatterns:  []string{"airpods", "bluetooth", "beats", "bluez"},
		BuiltInPatterns:    []string{"built-in", "internal", "macbook"},
		AllowedSampleRates: []int{16000, 24000, 44100, 48000, 96000},
		MaxInputChannels:   2,
	}
}

// Classifier decides whether a device is safe to pin. It is a pure function of
// its heuristics and the device.
type Classifier struct {
	h Heuristics
}

func NewClassifier(h Heuristics) Classifier {
	return Classifier{h: normalizeHeuristics(h)}
}

// Classify checks continuity, virtual, sample rate, then channel count, and
// reports the first failing check.
func (c Classifier) Classify(dev Device) Verdict {
	switch {
	case c.IsContinuity(dev.Name):
		return Verdict{Reason: ReasonContinuity}
	case c.IsVirtual(dev.Name):
		return Verdict{Reason: ReasonVirtual}
	case dev.SampleRate > 0 && !slices.Contains(c.h.AllowedSampleRates, dev.SampleRate):
		return Verdict{Reason: ReasonUnsupportedSampleRate}
	case dev.InputChannels > c.h.MaxInputChannels:
		return Verdict{Reason: ReasonExcessChannels}
	default:
		return Verdict{Stable: true}
	}
}

// IsStable is shorthand for Classify(dev).Stable.
func (c Classifier) IsStable(dev Device) bool {
	return c.Classify(dev).Stable
}

func (c Classifier) IsVirtual(name string) bool {
	return matchesAny(name, c.h.VirtualPatterns)
}

func (c Classifier) IsContinuity(name string) bool {
	return matchesAny(name, c.h.ContinuityPatterns)
}

// IsBluetooth reports whether the device name looks like a wireless headset.
func (c Classifier) IsBluetooth(dev Device) bool {
	return matchesAny(dev.Name, c.h.BluetoothPatterns)
}

// PickBuiltIn searches devices for a vetted microphone: first a stable mono or
// stereo device whose name looks built in, then any stable mono or stereo
// device, then systemDefault if it is stable.
func (c Classifier) PickBuiltIn(devices []Device, systemDefault *Device) (Device, bool) {
	for _, dev := range devices {
		if matchesAny(dev.Name, c.h.BuiltInPatterns) && monoOrStereo(dev) && c.IsStable(dev) {
			return dev, true
		}
	}
	for _, dev := range devices {
		if monoOrStereo(dev) && c.IsStable(dev) {
			return dev, true
		}
	}
	if systemDefault != nil && c.IsStable(*systemDefault) {
		return *systemDefault, true
	}
	return Device{}, false
}

func monoOrStereo(dev Device) bool {
	return dev.InputChannels == 1 || dev.InputChannels == 2
}

func matchesAny(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

func normalizeHeuristics(h Heuristics) Heuristics {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return Heuristics{
		ContinuityPatterns: lower(h.ContinuityPatterns),
		VirtualPatterns:    lower(h.VirtualPatterns),
		BluetoothPatterns:  lower(h.BluetoothPatterns),
		BuiltInPatterns:    lower(h.BuiltInPatterns),
		AllowedSampleRates: slices.Clone(h.AllowedSampleRates),
		MaxInputChannels:   h.MaxInputChannels,
	}
}
