// Package engine owns one running instance of device selection and capture.
// Every mutation runs on a single serial queue; queries read published
// snapshots and are safe from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/broadcast"
	"github.com/rbright/micpin/internal/config"
	"github.com/rbright/micpin/internal/device"
	"github.com/rbright/micpin/internal/fsm"
	"github.com/rbright/micpin/internal/health"
	"github.com/rbright/micpin/internal/metrics"
	"github.com/rbright/micpin/internal/notify"
	"github.com/rbright/micpin/internal/pipeline"
	"github.com/rbright/micpin/internal/policy"
	"github.com/rbright/micpin/internal/serial"
	"github.com/rbright/micpin/internal/session"
	"github.com/rbright/micpin/internal/store"
	"github.com/rbright/micpin/internal/watcher"
)

var (
	// ErrAlreadyRecording is returned when a second recording is requested.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned when stopping a recording that never started.
	ErrNotRecording = errors.New("no recording in progress")
)

type Options struct {
	Config  config.Config
	Backend audio.Backend
	Store   store.Store
	Logger  *slog.Logger
	// Metrics defaults to a private registry.
	Metrics  *metrics.Metrics
	Health   *health.Server
	Notifier *notify.Notifier
	Clock    clockwork.Clock
}

// DeviceView is one connected device with its classifier verdict.
type DeviceView struct {
	device.Device
	Verdict   device.Verdict `json:"verdict"`
	Bluetooth bool           `json:"bluetooth,omitempty"`
	Default   bool           `json:"default,omitempty"`
	Selected  bool           `json:"selected,omitempty"`
}

// Selection is the current strategy and the device it resolves to.
type Selection struct {
	State      policy.State   `json:"state"`
	DefaultUID string         `json:"default_uid,omitempty"`
	Resolved   *device.Device `json:"resolved,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Status is the combined selection and capture view served to clients.
type Status struct {
	Selection Selection      `json:"selection"`
	Capture   session.Status `json:"capture"`
	Level     session.Level  `json:"level"`
	Recording string         `json:"recording,omitempty"`
}

// sinks is the published fan-out target of the capture session.
type sinks struct {
	user   session.Sink
	record *pipeline.Recorder
	dump   *pipeline.Recorder
}

// Manager wires catalog, policy, watcher, and capture session together.
type Manager struct {
	cfg        config.Config
	backend    audio.Backend
	logger     *slog.Logger
	metrics    *metrics.Metrics
	health     *health.Server
	notifier   *notify.Notifier
	clock      clockwork.Clock
	classifier device.Classifier

	queue   *serial.Queue
	changes *broadcast.Broadcaster
	catalog *device.Catalog
	policy  *policy.Policy
	session *session.Session
	watcher *watcher.Watcher

	sinks     atomic.Pointer[sinks]
	recording atomic.Pointer[string]
	applies   sync.WaitGroup

	// queue-owned
	recordOwnsCapture bool
}

// Open builds the engine, restores persisted selection against the current
// device list, and applies it. Call Run to follow platform changes and Close
// to release it.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine requires an audio backend")
	}
	if opts.Store == nil {
		return nil, errors.New("engine requires a state store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		cfg:        opts.Config,
		backend:    opts.Backend,
		logger:     logger,
		metrics:    opts.Metrics,
		health:     opts.Health,
		notifier:   opts.Notifier,
		clock:      opts.Clock,
		classifier: device.NewClassifier(opts.Config.Stability.Heuristics()),
		queue:      serial.New(32),
		changes:    broadcast.New(),
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	m.sinks.Store(&sinks{})

	m.catalog = device.NewCatalog(m.backend, logger.With("component", "catalog"))
	m.catalog.OnFailure = func(error) { m.metrics.EnumerationFailure() }

	m.policy = policy.New(policy.Options{
		Store:      opts.Store,
		Classifier: m.classifier,
		Applier:    m.backend,
		Logger:     logger.With("component", "policy"),
		OnEvent:    m.handlePolicyEvent,
		Dispatch:   func(fn func()) { m.applies.Go(fn) },
	})

	m.session = session.New(session.Options{
		Backend: m.backend,
		Present: func(uid string) bool { return m.policy.Snapshot().Contains(uid) },
		Format: audio.Format{
			SampleRate: opts.Config.Audio.SampleRate,
			Channels:   opts.Config.Audio.Channels,
		},
		Sink:      session.SinkFunc(m.deliver),
		Logger:    logger.With("component", "capture"),
		OnFailure: m.handleCaptureFailure,
		OnState:   m.handleCaptureState,
		OnRestart: func(cause error) { m.metrics.CaptureRestart(restartCause(cause)) },
	})

	m.watcher = watcher.New(watcher.Options{
		Platform:    m.backend,
		Catalog:     m.catalog,
		Policy:      m.policy,
		Queue:       m.queue,
		Broadcaster: m.changes,
		Capture:     m.session,
		Recorder:    m.metrics,
		Clock:       m.clock,
		Debounce:    opts.Config.Selection.Debounce(),
		Logger:      logger.With("component", "watcher"),
	})

	err := m.queue.Do(ctx, func() error {
		snap := m.catalog.Enumerate(ctx)
		def, err := m.backend.DefaultInput(ctx)
		if err != nil {
			logger.Warn("read default input failed", "error", err.Error())
			def = ""
		}
		m.watcher.Prime(snap, def)
		return m.policy.Load(snap, def)
	})
	if err != nil {
		m.queue.Close()
		_ = m.session.Close(context.Background())
		m.applies.Wait()
		return nil, fmt.Errorf("load selection: %w", err)
	}

	state := m.policy.State()
	logger.Info("engine ready",
		"backend", m.backend.Name(),
		"mode", string(state.Mode),
		"pinned", state.PinnedUID,
		"devices", m.policy.Snapshot().Len(),
	)
	return m, nil
}

// Run follows platform change signals until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.watcher.Run(ctx)
}

// Refresh runs one reconciliation cycle immediately.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.queue.Do(ctx, func() error {
		m.watcher.Reconcile(ctx)
		return nil
	})
}

// Close stops capture, finalizes any recording, drains the queue, and waits
// for in-flight default-device updates. The backend and store stay open;
// they belong to the caller.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	if _, err := m.StopRecording(ctx); err != nil && !errors.Is(err, ErrNotRecording) && !errors.Is(err, serial.ErrClosed) {
		errs = append(errs, err)
	}
	if err := m.StopCapture(ctx); err != nil && !errors.Is(err, serial.ErrClosed) {
		errs = append(errs, err)
	}
	m.queue.Close()
	if err := m.session.Close(ctx); err != nil && !errors.Is(err, serial.ErrClosed) {
		errs = append(errs, err)
	}
	m.applies.Wait()
	return errors.Join(errs...)
}

// Subscribe returns a coalesced change signal for selection, device, and
// capture updates.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	return m.changes.Subscribe()
}

// SetSink sets the consumer for captured buffers.
func (m *Manager) SetSink(ctx context.Context, sink session.Sink) error {
	return m.queue.Do(ctx, func() error {
		m.updateSinks(func(s *sinks) { s.user = sink })
		return nil
	})
}

// SetMode switches the selection strategy.
func (m *Manager) SetMode(ctx context.Context, mode policy.Mode) error {
	return m.command(ctx, func() error { return m.policy.SetMode(mode) })
}

// SelectDevice pins uid.
func (m *Manager) SelectDevice(ctx context.Context, uid string) error {
	return m.command(ctx, func() error { return m.policy.SelectDevice(uid) })
}

// SetPriorityList replaces the priority list.
func (m *Manager) SetPriorityList(ctx context.Context, uids []string) error {
	return m.command(ctx, func() error { return m.policy.SetPriorityList(uids) })
}

// AddPriorityDevice appends uid to the priority list.
func (m *Manager) AddPriorityDevice(ctx context.Context, uid string) error {
	return m.command(ctx, func() error { return m.policy.AddPriorityDevice(uid) })
}

// RemovePriorityDevice drops uid from the priority list.
func (m *Manager) RemovePriorityDevice(ctx context.Context, uid string) error {
	return m.command(ctx, func() error { return m.policy.RemovePriorityDevice(uid) })
}

// StartCapture binds the capture session to the resolved device.
func (m *Manager) StartCapture(ctx context.Context) error {
	return m.queue.Do(ctx, func() error {
		defer m.changes.Notify()
		return m.startCapture(ctx)
	})
}

// StopCapture tears the capture stream down.
func (m *Manager) StopCapture(ctx context.Context) error {
	return m.queue.Do(ctx, func() error {
		defer m.changes.Notify()
		m.recordOwnsCapture = false
		err := m.session.Stop(ctx)
		return errors.Join(err, m.closeDump())
	})
}

// StartRecording writes captured audio to a WAV file at path, starting
// capture when it is not already running.
func (m *Manager) StartRecording(ctx context.Context, path string) error {
	return m.queue.Do(ctx, func() error {
		if m.sinks.Load().record != nil {
			return ErrAlreadyRecording
		}
		rec, err := pipeline.NewRecorder(path, m.session.Status().Format, m.logger)
		if err != nil {
			return err
		}
		m.updateSinks(func(s *sinks) { s.record = rec })
		m.recording.Store(&path)

		if !m.session.Active() {
			if err := m.startCapture(ctx); err != nil {
				m.updateSinks(func(s *sinks) { s.record = nil })
				m.recording.Store(nil)
				return errors.Join(err, rec.Close())
			}
			m.recordOwnsCapture = true
		}
		m.logger.Info("recording started", "path", path, "uid", m.session.BoundUID())
		m.changes.Notify()
		return nil
	})
}

// RecordingResult describes a finished recording.
type RecordingResult struct {
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	Dropped int64  `json:"dropped,omitempty"`
}

// StopRecording finalizes the active recording. Capture keeps running when it
// was started independently.
func (m *Manager) StopRecording(ctx context.Context) (RecordingResult, error) {
	var result RecordingResult
	err := m.queue.Do(ctx, func() error {
		rec := m.sinks.Load().record
		if rec == nil {
			return ErrNotRecording
		}
		m.updateSinks(func(s *sinks) { s.record = nil })
		m.recording.Store(nil)

		var stopErr error
		if m.recordOwnsCapture {
			m.recordOwnsCapture = false
			stopErr = m.session.Stop(ctx)
		}
		closeErr := rec.Close()
		result = RecordingResult{Path: rec.Path(), Bytes: rec.Written(), Dropped: rec.Dropped()}
		m.logger.Info("recording finished", "path", result.Path, "bytes", result.Bytes, "dropped", result.Dropped)
		m.changes.Notify()
		return errors.Join(stopErr, closeErr)
	})
	return result, err
}

// Selection reports the current strategy and its resolved device.
func (m *Manager) Selection() Selection {
	sel := Selection{State: m.policy.State(), DefaultUID: m.policy.DefaultUID()}
	dev, err := m.policy.Resolve()
	if err != nil {
		sel.Error = err.Error()
		return sel
	}
	sel.Resolved = &dev
	return sel
}

// Devices lists the connected input devices with their verdicts.
func (m *Manager) Devices() []DeviceView {
	snap := m.policy.Snapshot()
	def := m.policy.DefaultUID()
	selected := ""
	if dev, err := m.policy.Resolve(); err == nil {
		selected = dev.UID
	}
	out := make([]DeviceView, 0, snap.Len())
	for _, dev := range snap.Devices {
		out = append(out, DeviceView{
			Device:    dev,
			Verdict:   m.classifier.Classify(dev),
			Bluetooth: m.classifier.IsBluetooth(dev),
			Default:   dev.UID == def,
			Selected:  dev.UID == selected,
		})
	}
	return out
}

// CaptureStatus reports the capture session state.
func (m *Manager) CaptureStatus() session.Status {
	return m.session.Status()
}

// Level reports the most recent input level.
func (m *Manager) Level() session.Level {
	return m.session.Level()
}

// Status combines selection, capture, and level.
func (m *Manager) Status() Status {
	st := Status{
		Selection: m.Selection(),
		Capture:   m.CaptureStatus(),
		Level:     m.Level(),
	}
	if p := m.recording.Load(); p != nil {
		st.Recording = *p
	}
	return st
}

// IsCurrentInputBluetooth reports whether the device capture would use is a
// Bluetooth headset, which needs a longer warm-up before audio flows.
func (m *Manager) IsCurrentInputBluetooth() bool {
	uid := m.session.BoundUID()
	if uid == "" {
		if dev, err := m.policy.Resolve(); err == nil {
			uid = dev.UID
		} else {
			uid = m.policy.DefaultUID()
		}
	}
	dev, ok := m.policy.Snapshot().ByUID(uid)
	return ok && m.classifier.IsBluetooth(dev)
}

func (m *Manager) command(ctx context.Context, fn func() error) error {
	return m.queue.Do(ctx, func() error {
		err := fn()
		m.watcher.SyncCapture(ctx)
		m.changes.Notify()
		return err
	})
}

// startCapture must run on the queue.
func (m *Manager) startCapture(ctx context.Context) error {
	uid := ""
	if dev, ok := m.policy.ResolveCurrentDevice(); ok {
		uid = dev.UID
	}
	if m.cfg.Debug.EnableAudioDump && m.sinks.Load().dump == nil {
		m.openDump()
	}
	return m.session.Start(ctx, uid)
}

func (m *Manager) openDump() {
	path, err := pipeline.DebugPath(m.cfg.State.Dir, m.clock.Now())
	if err != nil {
		m.logger.Warn("unable to create debug audio dump", "error", err.Error())
		return
	}
	rec, err := pipeline.NewRecorder(path, m.session.Status().Format, m.logger)
	if err != nil {
		m.logger.Warn("unable to create debug audio dump", "error", err.Error())
		return
	}
	m.updateSinks(func(s *sinks) { s.dump = rec })
	m.logger.Debug("debug audio dump", "path", path)
}

func (m *Manager) closeDump() error {
	var rec *pipeline.Recorder
	m.updateSinks(func(s *sinks) {
		rec = s.dump
		s.dump = nil
	})
	if rec == nil {
		return nil
	}
	return rec.Close()
}

// updateSinks publishes a modified copy. It must run on the queue.
func (m *Manager) updateSinks(fn func(*sinks)) {
	next := *m.sinks.Load()
	fn(&next)
	m.sinks.Store(&next)
}

// deliver runs on the platform audio thread.
func (m *Manager) deliver(buf session.Buffer) {
	m.metrics.CaptureBuffer()
	s := m.sinks.Load()
	if s.user != nil {
		s.user.WriteBuffer(buf)
	}
	if s.record != nil {
		s.record.WriteBuffer(buf)
	}
	if s.dump != nil {
		s.dump.WriteBuffer(buf)
	}
}

func (m *Manager) handlePolicyEvent(ev policy.Event) {
	switch ev.Kind {
	case policy.EventFallback:
		m.metrics.Fallback(ev.Reason)
	case policy.EventRejected:
		m.metrics.Rejection(ev.Reason)
		if m.notifier != nil {
			m.notifier.DeviceRejected(ev.Name, ev.Reason)
		}
	}
}

func (m *Manager) handleCaptureState(state fsm.State) {
	if m.health != nil {
		m.health.SetCaptureRunning(state == fsm.StateRunning)
	}
	m.changes.Notify()
}

func (m *Manager) handleCaptureFailure(err error) {
	m.logger.Error("capture failed", "error", err.Error())
}

func restartCause(err error) string {
	switch {
	case errors.Is(err, session.ErrDeviceDisconnected):
		return "disconnected"
	case errors.Is(err, audio.ErrStreamStopped):
		return "stream_stopped"
	default:
		return "error"
	}
}
