// Package watcher reacts to platform device and default-input changes and
// keeps the OS default in line with the selection policy.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rbright/micpin/internal/broadcast"
	"github.com/rbright/micpin/internal/device"
	"github.com/rbright/micpin/internal/policy"
	"github.com/rbright/micpin/internal/serial"
)

// DefaultDebounce is the minimum spacing between two forced restores.
const DefaultDebounce = 750 * time.Millisecond

// Platform is the slice of the audio backend the watcher needs.
type Platform interface {
	DefaultInput(ctx context.Context) (string, error)
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// Capture is the running capture session, if any.
type Capture interface {
	BoundUID() string
	Active() bool
	HandleDeviceDisconnected(uid string)
	Rebind(ctx context.Context, uid string) error
}

// Recorder counts restore decisions.
type Recorder interface {
	PinnedRestore(issued bool)
}

type Options struct {
	Platform    Platform
	Catalog     *device.Catalog
	Policy      *policy.Policy
	Queue       *serial.Queue
	Broadcaster *broadcast.Broadcaster
	Capture     Capture
	Recorder    Recorder
	Clock       clockwork.Clock
	Debounce    time.Duration
	Logger      *slog.Logger
}

// Watcher turns coalesced platform change signals into device-list and
// default-input notifications. All handlers run on the owner's serial queue.
type Watcher struct {
	platform    Platform
	catalog     *device.Catalog
	policy      *policy.Policy
	queue       *serial.Queue
	broadcaster *broadcast.Broadcaster
	capture     Capture
	recorder    Recorder
	clock       clockwork.Clock
	debounce    time.Duration
	logger      *slog.Logger

	// queue-owned
	lastRestore    time.Time
	recheckPending bool
	prev           device.Snapshot
	prevDefault    string
	primed         bool
}

func New(opts Options) *Watcher {
	w := &Watcher{
		platform:    opts.Platform,
		catalog:     opts.Catalog,
		policy:      opts.Policy,
		queue:       opts.Queue,
		broadcaster: opts.Broadcaster,
		capture:     opts.Capture,
		recorder:    opts.Recorder,
		clock:       opts.Clock,
		debounce:    opts.Debounce,
		logger:      opts.Logger,
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.debounce < 0 {
		w.debounce = 0
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w
}

// Prime seeds the previous observation so the first change signal is diffed
// against startup state.
func (w *Watcher) Prime(snap device.Snapshot, defaultUID string) {
	w.prev = snap
	w.prevDefault = defaultUID
	w.primed = true
}

// Run forwards platform change signals to the queue until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	changes, err := w.platform.Changes(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if !w.queue.Go(func() { w.Reconcile(ctx) }) {
				return nil
			}
		}
	}
}

// Reconcile runs one cycle: enumerate, diff against the previous cycle, and
// dispatch to the change handlers. It must run on the queue.
func (w *Watcher) Reconcile(ctx context.Context) {
	snap := w.catalog.Enumerate(ctx)
	liveDefault, err := w.platform.DefaultInput(ctx)
	if err != nil {
		w.logger.Warn("read default input failed", "error", err.Error())
		liveDefault = ""
	}

	listChanged := !w.primed || !snap.SameDevices(w.prev)
	defaultChanged := !w.primed || liveDefault != w.prevDefault
	_, removed := snap.Diff(w.prev)
	w.Prime(snap, liveDefault)
	w.policy.Observe(snap, liveDefault)

	if !listChanged && !defaultChanged {
		return
	}

	if w.capture != nil {
		for _, uid := range removed {
			w.capture.HandleDeviceDisconnected(uid)
		}
	}
	if listChanged {
		w.logger.Info("device list changed", "devices", snap.Len(), "removed", removed)
		w.HandleDeviceListChanged()
	}
	if defaultChanged {
		w.logger.Info("default input changed", "live_default", liveDefault)
		w.HandleDefaultInputChanged(liveDefault)
	}
	w.SyncCapture(ctx)
	w.notify()
}

// HandleDeviceListChanged re-runs selection against the latest snapshot.
func (w *Watcher) HandleDeviceListChanged() {
	w.policy.ReconcileDevices()
}

// HandleDefaultInputChanged reacts to the OS picking liveDefault. A pinned
// selection is restored unless a restore was issued within the debounce
// window; an unstable system default is replaced by a vetted built-in mic.
func (w *Watcher) HandleDefaultInputChanged(liveDefault string) {
	state := w.policy.State()
	switch state.Mode {
	case policy.ModeCustom, policy.ModePrioritized:
		target, ok := w.policy.Target()
		if !ok || target == liveDefault {
			return
		}
		now := w.clock.Now()
		if !w.lastRestore.IsZero() && now.Sub(w.lastRestore) < w.debounce {
			w.logger.Info("pinned restore suppressed",
				"pinned", target,
				"live_default", liveDefault,
				"since_last_ms", now.Sub(w.lastRestore).Milliseconds(),
			)
			w.record(false)
			w.scheduleRecheck(w.debounce - now.Sub(w.lastRestore))
			return
		}
		w.lastRestore = now
		w.logger.Info("pinned restore issued", "pinned", target, "live_default", liveDefault)
		w.record(true)
		w.policy.Apply(target)
	case policy.ModeSystemDefault:
		dev, ok := w.policy.Snapshot().ByUID(liveDefault)
		if !ok {
			return
		}
		verdict := w.policy.Classify(dev)
		if verdict.Stable {
			return
		}
		w.logger.Warn("system default is unstable", "uid", dev.UID, "name", dev.Name, "reason", string(verdict.Reason))
		if _, err := w.policy.ForceSwitchToBuiltIn(); err != nil {
			w.logger.Warn("cannot replace unstable default", "error", err.Error())
		}
	}
}

// scheduleRecheck re-reads the OS default once the debounce window closes so
// a suppressed restore is not lost when the OS settles on the wrong device.
func (w *Watcher) scheduleRecheck(after time.Duration) {
	if w.queue == nil || w.recheckPending {
		return
	}
	w.recheckPending = true
	w.clock.AfterFunc(after, func() {
		w.queue.Go(func() {
			w.recheckPending = false
			live, err := w.platform.DefaultInput(context.Background())
			if err != nil {
				w.logger.Warn("read default input failed", "error", err.Error())
				return
			}
			w.prevDefault = live
			w.policy.Observe(w.policy.Snapshot(), live)
			w.HandleDefaultInputChanged(live)
		})
	})
}

// SyncCapture moves a running session to the resolved device when the two
// disagree. It must run on the queue.
func (w *Watcher) SyncCapture(ctx context.Context) {
	if w.capture == nil || !w.capture.Active() {
		return
	}
	dev, ok := w.policy.ResolveCurrentDevice()
	if !ok || dev.UID == w.capture.BoundUID() {
		return
	}
	w.logger.Info("rebinding capture", "from", w.capture.BoundUID(), "to", dev.UID)
	if err := w.capture.Rebind(ctx, dev.UID); err != nil {
		w.logger.Warn("rebind capture failed", "uid", dev.UID, "error", err.Error())
	}
}

func (w *Watcher) notify() {
	if w.broadcaster != nil {
		w.broadcaster.Notify()
	}
}

func (w *Watcher) record(issued bool) {
	if w.recorder != nil {
		w.recorder.PinnedRestore(issued)
	}
}
