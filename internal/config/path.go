package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// PathEnv overrides the config location when no --config flag is given.
const PathEnv = "MICPIN_CONFIG"

// ResolvePath picks the config file: explicit flag, then MICPIN_CONFIG, then
// $XDG_CONFIG_HOME/micpin/config.jsonc, then ~/.config/micpin/config.jsonc.
func ResolvePath(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv(PathEnv)} {
		if p := strings.TrimSpace(candidate); p != "" {
			return expandHome(p)
		}
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "micpin", "config.jsonc"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}
	return filepath.Join(home, ".config", "micpin", "config.jsonc"), nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for " + p)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
