package config

import (
	"fmt"
	"slices"
	"strings"
)

var supportedBackends = []string{"pulse", "malgo", "portaudio"}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	backend := strings.ToLower(strings.TrimSpace(cfg.Audio.Backend))
	if backend == "" {
		return nil, fmt.Errorf("audio.backend must not be empty")
	}
	if !slices.Contains(supportedBackends, backend) {
		return nil, fmt.Errorf("audio.backend must be one of: %s", strings.Join(supportedBackends, ", "))
	}
	if cfg.Audio.SampleRate <= 0 {
		return nil, fmt.Errorf("audio.sample_rate must be > 0")
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		return nil, fmt.Errorf("audio.channels must be 1 or 2")
	}

	if cfg.Selection.DebounceMS < 0 {
		return nil, fmt.Errorf("selection.debounce_ms must be >= 0")
	}
	if cfg.Selection.PollMS <= 0 {
		return nil, fmt.Errorf("selection.poll_ms must be > 0")
	}
	if cfg.Selection.DebounceMS == 0 {
		warnings = append(warnings, Warning{Message: "selection.debounce_ms is 0; pinned restores are not rate limited"})
	}

	if cfg.Stability.MaxInputChannels < 1 {
		return nil, fmt.Errorf("stability.max_input_channels must be >= 1")
	}
	if len(cfg.Stability.AllowedSampleRates) == 0 {
		return nil, fmt.Errorf("stability.allowed_sample_rates must not be empty")
	}
	for _, rate := range cfg.Stability.AllowedSampleRates {
		if rate <= 0 {
			return nil, fmt.Errorf("stability.allowed_sample_rates must be positive, got %d", rate)
		}
	}
	if !slices.Contains(cfg.Stability.AllowedSampleRates, cfg.Audio.SampleRate) {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("audio.sample_rate %d is not in stability.allowed_sample_rates", cfg.Audio.SampleRate)})
	}

	notifyBackend := strings.ToLower(strings.TrimSpace(cfg.Notify.Backend))
	if notifyBackend != "desktop" && notifyBackend != "hypr" && notifyBackend != "command" {
		return nil, fmt.Errorf("notify.backend must be one of: desktop, hypr, command")
	}
	if notifyBackend == "desktop" && cfg.Notify.Enable && strings.TrimSpace(cfg.Notify.AppName) == "" {
		return nil, fmt.Errorf("notify.app_name must not be empty when notify.backend=desktop")
	}
	if notifyBackend == "command" && len(cfg.Notify.Command.Argv) == 0 {
		return nil, fmt.Errorf("notify.command must not be empty when notify.backend=command")
	}

	return warnings, nil
}
