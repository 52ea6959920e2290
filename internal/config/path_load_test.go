package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolvePathPrecedence(t *testing.T) {
	t.Setenv(PathEnv, "/tmp/from-env.jsonc")
	explicit := "/tmp/custom.jsonc"
	resolved, err := ResolvePath(explicit)
	require.NoError(t, err)
	require.Equal(t, explicit, resolved)

	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env.jsonc", resolved)

	t.Setenv(PathEnv, "")
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(xdg, "micpin", "config.jsonc"), resolved)

	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "micpin", "config.jsonc"), resolved)
}

func TestLoadMissingConfigUsesDefaultsWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.jsonc")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, loaded.Path)
	require.False(t, loaded.Exists)
	require.Equal(t, Default(), loaded.Config)
	require.NotEmpty(t, loaded.Warnings)
	require.Contains(t, loaded.Warnings[0].Message, "not found")
}

func TestLoadExistingJSONCParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	contents := `
{
  // capture through miniaudio
  "audio": {
    "backend": "malgo",
    "channels": 2,
  },
  "selection": {
    "debounce_ms": 500,
    "poll_ms": 1000
  },
  "notify": {
    "backend": "command",
    "command": "notify-send --app-name=micpin"
  }
}
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Equal(t, path, loaded.Path)
	require.Equal(t, "malgo", loaded.Config.Audio.Backend)
	require.Equal(t, 2, loaded.Config.Audio.Channels)
	require.Equal(t, 48000, loaded.Config.Audio.SampleRate)
	require.Equal(t, 500*time.Millisecond, loaded.Config.Selection.Debounce())
	require.Equal(t, time.Second, loaded.Config.Selection.PollInterval())
	require.Equal(t, []string{"notify-send", "--app-name=micpin"}, loaded.Config.Notify.Command.Argv)
}

func TestLoadParseErrorIncludesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonc")
	require.NoError(t, os.WriteFile(path, []byte("{ not-json }"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
	require.Contains(t, err.Error(), path)
}

func TestResolvePathExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	resolved, err := ResolvePath("~/micpin.jsonc")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "micpin.jsonc"), resolved)
}

func TestLoadAnchorsRelativeStateDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name string
		dir  string
		want func(configDir string) string
	}{
		{name: "unset", dir: "", want: func(string) string { return "" }},
		{name: "relative", dir: "state", want: func(d string) string { return filepath.Join(d, "state") }},
		{name: "absolute", dir: "/var/lib/micpin", want: func(string) string { return "/var/lib/micpin" }},
		{name: "home", dir: "~/.micpin", want: func(string) string { return filepath.Join(home, ".micpin") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			configDir := t.TempDir()
			path := filepath.Join(configDir, "config.jsonc")
			contents := `{"state": {"dir": "` + tc.dir + `"}}`
			require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

			loaded, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, tc.want(configDir), loaded.Config.State.Dir)
		})
	}
}
