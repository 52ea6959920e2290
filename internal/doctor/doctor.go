// Package doctor runs readiness diagnostics for config, the audio backend,
// device selection, and the daemon.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/config"
	"github.com/rbright/micpin/internal/device"
	"github.com/rbright/micpin/internal/health"
	"github.com/rbright/micpin/internal/hypr"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Inputs carries what the caller already opened. Backend is nil when
// BackendErr is set.
type Inputs struct {
	Config     config.Loaded
	Backend    audio.Backend
	BackendErr error
	// Selection describes the resolved selection, e.g. "custom -> USB Mic".
	Selection  func(ctx context.Context) (string, error)
	HealthPath string
}

// Run executes environment, audio, and daemon checks.
func Run(ctx context.Context, in Inputs) Report {
	checks := []Check{checkConfig(in.Config)}

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "runtime dir available for daemon sockets", "XDG_RUNTIME_DIR is empty"))

	if in.BackendErr != nil || in.Backend == nil {
		msg := "backend not opened"
		if in.BackendErr != nil {
			msg = in.BackendErr.Error()
		}
		checks = append(checks, Check{Name: "audio.backend", Pass: false, Message: msg})
	} else {
		checks = append(checks, Check{Name: "audio.backend", Pass: true, Message: fmt.Sprintf("%s backend reachable", in.Backend.Name())})
		classifier := device.NewClassifier(in.Config.Config.Stability.Heuristics())
		snap := device.NewCatalog(in.Backend, nil).Enumerate(ctx)
		checks = append(checks, checkDevices(snap, classifier))
		checks = append(checks, checkDefault(ctx, in.Backend, snap, classifier))
	}

	if in.Selection != nil {
		checks = append(checks, checkSelection(ctx, in.Selection))
	}

	if n := in.Config.Config.Notify; n.Enable {
		switch n.Backend {
		case "hypr":
			checks = append(checks, checkBinary("hyprctl", "hypr notifications"), checkHyprSession())
		case "command":
			checks = append(checks, checkCommand(n.Command.Argv, "notify.command"))
		}
	}

	checks = append(checks, checkDaemon(ctx, in.HealthPath))
	return Report{Checks: checks}
}

func checkConfig(loaded config.Loaded) Check {
	if !loaded.Exists {
		return Check{Name: "config", Pass: true, Message: fmt.Sprintf("%q not found; using defaults", loaded.Path)}
	}
	return Check{Name: "config", Pass: true, Message: fmt.Sprintf("loaded %q", loaded.Path)}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

func checkHyprSession() Check {
	if hypr.Running() {
		return Check{Name: "hyprland", Pass: true, Message: "Hyprland session detected"}
	}
	return Check{Name: "hyprland", Pass: false, Message: "HYPRLAND_INSTANCE_SIGNATURE is empty"}
}

func checkDevices(snap device.Snapshot, classifier device.Classifier) Check {
	if snap.Len() == 0 {
		return Check{Name: "audio.devices", Pass: false, Message: "no input devices found"}
	}
	unstable := 0
	for _, dev := range snap.Devices {
		if !classifier.IsStable(dev) {
			unstable++
		}
	}
	return Check{
		Name:    "audio.devices",
		Pass:    true,
		Message: fmt.Sprintf("%d input devices (%d unstable)", snap.Len(), unstable),
	}
}

// checkDefault reports the OS default input and whether it is safe to use.
func checkDefault(ctx context.Context, backend audio.Backend, snap device.Snapshot, classifier device.Classifier) Check {
	uid, err := backend.DefaultInput(ctx)
	if err != nil {
		return Check{Name: "audio.default", Pass: false, Message: err.Error()}
	}
	dev, ok := snap.ByUID(uid)
	if !ok {
		return Check{Name: "audio.default", Pass: false, Message: "no system default input"}
	}
	verdict := classifier.Classify(dev)
	if !verdict.Stable {
		return Check{Name: "audio.default", Pass: false, Message: fmt.Sprintf("%q is %s", dev.Name, verdict)}
	}
	return Check{Name: "audio.default", Pass: true, Message: fmt.Sprintf("%q is %s", dev.Name, verdict)}
}

func checkSelection(ctx context.Context, describe func(context.Context) (string, error)) Check {
	msg, err := describe(ctx)
	if err != nil {
		return Check{Name: "selection", Pass: false, Message: err.Error()}
	}
	return Check{Name: "selection", Pass: true, Message: msg}
}

// checkDaemon probes the daemon's gRPC health socket. A missing socket means
// no daemon, which is not a failure.
func checkDaemon(ctx context.Context, path string) Check {
	if path == "" {
		return Check{Name: "daemon", Pass: true, Message: "not running (no runtime dir)"}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Check{Name: "daemon", Pass: true, Message: "not running"}
	}
	status, err := health.Check(ctx, path, 2*time.Second)
	if err != nil {
		return Check{Name: "daemon", Pass: false, Message: fmt.Sprintf("health check failed: %v", err)}
	}
	return Check{Name: "daemon", Pass: true, Message: fmt.Sprintf("running; capture %s", strings.ToLower(status))}
}
