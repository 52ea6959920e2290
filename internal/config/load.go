package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Loaded is a resolved config file: where it was looked for, whether it was
// there, the effective values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves the config path and returns defaults overlaid with the file's
// values. A missing file is not an error.
func Load(explicitPath string) (Loaded, error) {
	path, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}
	loaded := Loaded{Path: path, Config: Default()}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = append(loaded.Warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", path),
		})
		return loaded, nil
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg, warnings, err := Parse(string(content), loaded.Config)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	if cfg.State.Dir, err = resolveStateDir(cfg.State.Dir, filepath.Dir(path)); err != nil {
		return Loaded{}, err
	}

	loaded.Config = cfg
	loaded.Warnings = warnings
	loaded.Exists = true
	return loaded, nil
}

// resolveStateDir anchors a relative state.dir at the config file's
// directory. Empty stays empty and means the XDG default.
func resolveStateDir(dir, base string) (string, error) {
	if dir == "" {
		return "", nil
	}
	dir, err := expandHome(dir)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	return filepath.Join(base, dir), nil
}
