package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/cli"
	"github.com/rbright/micpin/internal/config"
	"github.com/rbright/micpin/internal/doctor"
	"github.com/rbright/micpin/internal/engine"
	"github.com/rbright/micpin/internal/health"
	"github.com/rbright/micpin/internal/ipc"
	"github.com/rbright/micpin/internal/logging"
	"github.com/rbright/micpin/internal/metrics"
	"github.com/rbright/micpin/internal/notify"
	"github.com/rbright/micpin/internal/store"
	"github.com/rbright/micpin/internal/version"
)

// forwardTimeout bounds one daemon roundtrip. Capture start may retry the
// stream open before answering.
const forwardTimeout = 5 * time.Second

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// OpenBackend replaces audio.Open when set.
	OpenBackend func(cfg config.Config, logger *slog.Logger) (audio.Backend, error)
	// OpenStore replaces the on-disk LevelDB store when set.
	OpenStore func(cfg config.Config) (store.Store, error)
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("micpin"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("micpin"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logOpts := logging.Options{}
	if parsed.Command == cli.CommandRun && r.Logger == nil {
		logOpts.Mirror = r.Stderr
	}
	logRuntime, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	cfg := cfgLoaded.Config
	switch parsed.Command {
	case cli.CommandRun:
		return r.commandRun(ctx, cfg, logger)
	case cli.CommandDoctor:
		return r.commandDoctor(ctx, cfgLoaded, logger)
	case cli.CommandDevices, cli.CommandStatus, cli.CommandMode, cli.CommandSelect, cli.CommandPriority:
		return r.commandSelection(ctx, cfg, logger, ipc.Request{Command: string(parsed.Command), Args: parsed.Args})
	case cli.CommandCapture:
		return r.forwardOrFail(ctx, ipc.Request{Command: engine.CommandCapture, Args: parsed.Args})
	case cli.CommandRecord:
		return r.commandRecord(ctx, cfg, logger, parsed.Args)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// commandRun owns the runtime socket and serves IPC, health, and metrics
// until ctx is done.
func (r Runner) commandRun(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	healthPath, err := ipc.HealthSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, logger.With("component", "ipc"))
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	notifier, err := notify.New(cfg.Notify, logger.With("component", "notify"))
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	reg := metrics.New()
	healthSrv := health.NewServer()

	mgr, cleanup, err := r.openEngine(ctx, cfg, logger, engine.Options{
		Metrics:  reg,
		Health:   healthSrv,
		Notifier: notifier,
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer cleanup()

	healthListener, err := health.Listen(healthPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = os.Remove(healthPath) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ipc.Serve(gctx, listener, mgr) })
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return healthSrv.Serve(gctx, healthListener) })
	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		g.Go(func() error { return reg.Serve(gctx, addr, logger.With("component", "metrics")) })
	}

	logger.Info("daemon started", "socket", socketPath, "health", healthPath, "metrics", cfg.Metrics.Listen)
	err = g.Wait()
	logger.Info("daemon stopped")
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// commandSelection serves read and selection commands through the daemon
// when one is running, otherwise through a short-lived local engine.
func (r Runner) commandSelection(ctx context.Context, cfg config.Config, logger *slog.Logger, req ipc.Request) int {
	resp, err := r.dispatch(ctx, cfg, logger, req)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	switch req.Command {
	case engine.CommandDevices:
		var devices []engine.DeviceView
		if err := resp.DecodeData(&devices); err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if len(devices) == 0 {
			fmt.Fprintln(r.Stdout, "no input devices found")
			return 1
		}
		renderDevices(r.Stdout, devices)
	case engine.CommandStatus:
		var status engine.Status
		if err := resp.DecodeData(&status); err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		renderStatus(r.Stdout, status)
	default:
		if resp.Message != "" {
			fmt.Fprintln(r.Stdout, resp.Message)
		}
	}
	return 0
}

func (r Runner) commandRecord(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 1 && args[0] == "stop" {
		return r.forwardOrFail(ctx, ipc.Request{Command: engine.CommandRecord, Args: args})
	}

	var duration time.Duration
	if len(args) == 2 {
		d, err := engine.ParseSeconds(args[1])
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		duration = d
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	args = append([]string{path}, args[1:]...)

	if socketPath, err := ipc.RuntimeSocketPath(); err == nil {
		resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: engine.CommandRecord, Args: args})
		if handled {
			if err != nil {
				fmt.Fprintf(r.Stderr, "error: %v\n", err)
				return 1
			}
			if resp.Message != "" {
				fmt.Fprintln(r.Stdout, resp.Message)
			}
			return 0
		}
	}

	mgr, cleanup, err := r.openEngine(ctx, cfg, logger, engine.Options{})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := mgr.StartRecording(ctx, path); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if duration > 0 {
		timer := time.NewTimer(duration)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	} else {
		<-ctx.Done()
	}

	result, err := mgr.StopRecording(context.WithoutCancel(ctx))
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(r.Stdout, "recorded %d bytes to %s\n", result.Bytes, result.Path)
	return 0
}

func (r Runner) commandDoctor(ctx context.Context, loaded config.Loaded, logger *slog.Logger) int {
	healthPath, _ := ipc.HealthSocketPath()
	in := doctor.Inputs{
		Config:     loaded,
		HealthPath: healthPath,
		Selection: func(ctx context.Context) (string, error) {
			resp, err := r.dispatch(ctx, loaded.Config, logger, ipc.Request{Command: engine.CommandStatus})
			if err != nil {
				return "", err
			}
			var status engine.Status
			if err := resp.DecodeData(&status); err != nil {
				return "", err
			}
			return describeSelection(status.Selection), nil
		},
	}

	backend, err := r.openBackend(loaded.Config, logger)
	if err != nil {
		in.BackendErr = err
	} else {
		defer func() { _ = backend.Close() }()
		in.Backend = backend
	}

	report := doctor.Run(ctx, in)
	fmt.Fprintln(r.Stdout, report.String())
	if report.OK() {
		return 0
	}
	return 1
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no running micpin daemon\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// dispatch forwards req to the daemon, falling back to a local engine when
// no daemon answers. The state database admits one process, so a running
// daemon must serve the request.
func (r Runner) dispatch(ctx context.Context, cfg config.Config, logger *slog.Logger, req ipc.Request) (ipc.Response, error) {
	if socketPath, err := ipc.RuntimeSocketPath(); err == nil {
		resp, handled, err := tryForward(ctx, socketPath, req)
		if handled {
			return resp, err
		}
	}

	mgr, cleanup, err := r.openEngine(ctx, cfg, logger, engine.Options{})
	if err != nil {
		return ipc.Response{}, err
	}
	defer cleanup()

	resp := mgr.Handle(ctx, req)
	if !resp.OK {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// openEngine opens backend, store, and engine. opts carries the optional
// collaborators; the returned cleanup releases all three.
func (r Runner) openEngine(ctx context.Context, cfg config.Config, logger *slog.Logger, opts engine.Options) (*engine.Manager, func(), error) {
	backend, err := r.openBackend(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := r.openStore(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	opts.Config = cfg
	opts.Backend = backend
	opts.Store = st
	opts.Logger = logger
	mgr, err := engine.Open(ctx, opts)
	if err != nil {
		_ = st.Close()
		_ = backend.Close()
		return nil, nil, err
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Warn("close engine failed", "error", err.Error())
		}
		_ = st.Close()
		_ = backend.Close()
	}
	return mgr, cleanup, nil
}

func (r Runner) openBackend(cfg config.Config, logger *slog.Logger) (audio.Backend, error) {
	if r.OpenBackend != nil {
		return r.OpenBackend(cfg, logger)
	}
	return audio.Open(cfg.Audio.Backend, audio.Options{
		PollInterval: cfg.Selection.PollInterval(),
		Logger:       logger,
	})
}

func (r Runner) openStore(cfg config.Config) (store.Store, error) {
	if r.OpenStore != nil {
		return r.OpenStore(cfg)
	}
	dir, err := store.ResolveDir(cfg.State.Dir)
	if err != nil {
		return nil, err
	}
	return store.Open(dir)
}

func renderDevices(w io.Writer, devices []engine.DeviceView) {
	for _, dev := range devices {
		defaultMark := " "
		if dev.Default {
			defaultMark = "*"
		}
		selectedMark := " "
		if dev.Selected {
			selectedMark = ">"
		}
		line := fmt.Sprintf(
			"%s%s uid=%s | name=%q | channels=%d | rate=%d | %s",
			defaultMark,
			selectedMark,
			dev.UID,
			dev.Name,
			dev.InputChannels,
			dev.SampleRate,
			dev.Verdict,
		)
		if dev.Bluetooth {
			line += " | bluetooth"
		}
		fmt.Fprintln(w, line)
	}
}

func renderStatus(w io.Writer, status engine.Status) {
	sel := status.Selection
	fmt.Fprintf(w, "mode: %s\n", sel.State.Mode)
	if sel.State.PinnedUID != "" {
		fmt.Fprintf(w, "pinned: %s\n", sel.State.PinnedUID)
	}
	if len(sel.State.Priority) > 0 {
		uids := make([]string, 0, len(sel.State.Priority))
		for _, p := range sel.State.Priority {
			uids = append(uids, p.UID)
		}
		fmt.Fprintf(w, "priority: %s\n", strings.Join(uids, ", "))
	}
	fmt.Fprintf(w, "selection: %s\n", describeSelection(sel))

	capture := string(status.Capture.State)
	if status.Capture.BoundUID != "" {
		capture = fmt.Sprintf("%s (%s)", capture, status.Capture.BoundUID)
	}
	fmt.Fprintf(w, "capture: %s\n", capture)
	if status.Recording != "" {
		fmt.Fprintf(w, "recording: %s\n", status.Recording)
	}
}

func describeSelection(sel engine.Selection) string {
	if sel.Resolved == nil {
		if sel.Error != "" {
			return fmt.Sprintf("%s -> none (%s)", sel.State.Mode, sel.Error)
		}
		return fmt.Sprintf("%s -> none", sel.State.Mode)
	}
	return fmt.Sprintf("%s -> %s (%s)", sel.State.Mode, sel.Resolved.Name, sel.Resolved.UID)
}

func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, forwardTimeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if ipc.Unavailable(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}
