package config

import "github.com/rbright/micpin/internal/device"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	h := device.DefaultHeuristics()

	return Config{
		Audio: AudioConfig{
			Backend:    "pulse",
			SampleRate: 48000,
			Channels:   1,
		},
		Selection: SelectionConfig{
			DebounceMS: 750,
			PollMS:     2000,
		},
		Stability: StabilityConfig{
			ContinuityPatterns: h.ContinuityPatterns,
			VirtualPatterns:    h.VirtualPatterns,
			BluetoothPatterns:  h.BluetoothPatterns,
			BuiltInPatterns:    h.BuiltInPatterns,
			AllowedSampleRates: h.AllowedSampleRates,
			MaxInputChannels:   h.MaxInputChannels,
		},
		Notify: NotifyConfig{
			Enable:  true,
			Backend: "desktop",
			AppName: "micpin",
		},
	}
}
