// Package hypr posts notifications to a running Hyprland compositor through hyprctl.
package hypr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Icon selects the glyph hyprctl draws next to a notification.
type Icon int

const (
	IconWarning Icon = 0
	IconInfo    Icon = 1
	IconError   Icon = 3
	IconOK      Icon = 5
)

const (
	defaultColor    = "rgb(89b4fa)"
	defaultDuration = 5 * time.Second
)

// Alert is one `hyprctl dispatch notify` payload.
type Alert struct {
	Icon     Icon
	Duration time.Duration
	Color    string
	Text     string
}

func (a Alert) args() []string {
	color := strings.TrimSpace(a.Color)
	if color == "" {
		color = defaultColor
	}
	d := a.Duration
	if d <= 0 {
		d = defaultDuration
	}
	return []string{
		"--quiet", "dispatch", "notify",
		strconv.Itoa(int(a.Icon)),
		strconv.FormatInt(d.Milliseconds(), 10),
		color,
		a.Text,
	}
}

// Running reports whether the current session belongs to a Hyprland instance.
func Running() bool {
	return strings.TrimSpace(os.Getenv("HYPRLAND_INSTANCE_SIGNATURE")) != ""
}

// Notify shows the alert on the focused Hyprland monitor.
func Notify(ctx context.Context, a Alert) error {
	out, err := exec.CommandContext(ctx, "hyprctl", a.args()...).CombinedOutput()
	if err == nil {
		return nil
	}
	if detail := strings.TrimSpace(string(out)); detail != "" {
		return fmt.Errorf("hyprctl dispatch notify: %w (%s)", err, detail)
	}
	return fmt.Errorf("hyprctl dispatch notify: %w", err)
}
