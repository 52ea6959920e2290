package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringIncludesBuildMetadata(t *testing.T) {
	originalVersion := Version
	originalCommit := Commit
	originalDate := Date
	t.Cleanup(func() {
		Version = originalVersion
		Commit = originalCommit
		Date = originalDate
	})

	Version = "1.2.3"
	Commit = "abc123"
	Date = "2026-02-18"

	got := String()
	require.Contains(t, got, "micpin 1.2.3")
	require.Contains(t, got, "commit=abc123")
	require.Contains(t, got, "date=2026-02-18")
	require.Contains(t, got, "go=")
}

func TestFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		},
	}

	tests := []struct {
		name                  string
		version, commit, date string
		want                  [3]string
	}{
		{name: "unset", version: "dev", commit: "none", date: "unknown", want: [3]string{"v0.4.0", "0123456789ab", "2026-10-01T12:00:00Z"}},
		{name: "ldflags win", version: "1.0.0", commit: "abc", date: "2026-02-18", want: [3]string{"1.0.0", "abc", "2026-02-18"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, c, d := fromBuildInfo(info, tc.version, tc.commit, tc.date)
			require.Equal(t, tc.want, [3]string{v, c, d})
		})
	}

	v, _, _ := fromBuildInfo(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, "dev", "none", "unknown")
	require.Equal(t, "dev", v)
}
