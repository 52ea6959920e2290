// Package policy decides which input device micpin should use and keeps that
// decision persisted.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/device"
	"github.com/rbright/micpin/internal/store"
)

// EventKind classifies diagnostic events.
type EventKind string

const (
	EventFallback       EventKind = "fallback"
	EventRejected       EventKind = "rejected"
	EventNoVettedDevice EventKind = "no_vetted_device"
	EventApplyFailed    EventKind = "apply_failed"
)

// Event is a diagnostic emitted on fallbacks, rejections, and failed OS
// updates.
type Event struct {
	Kind   EventKind
	Reason string
	UID    string
	Name   string
}

// Applier changes the OS default input.
type Applier interface {
	SetDefaultInput(ctx context.Context, uid string) error
}

type Options struct {
	Store      store.Store
	Classifier device.Classifier
	Applier    Applier
	Logger     *slog.Logger
	// OnEvent receives diagnostics. It may be called from the dispatch
	// goroutine for EventApplyFailed.
	OnEvent func(Event)
	// Dispatch runs OS-level updates off the caller. Defaults to a new
	// goroutine per update.
	Dispatch func(fn func())
}

// view is the latest platform observation the policy resolves against.
type view struct {
	snapshot   device.Snapshot
	defaultUID string
}

// Policy owns SelectionState. Mutating methods must run on one goroutine (the
// owner's serial queue); State, Snapshot, and DefaultUID are safe anywhere.
type Policy struct {
	store      store.Store
	classifier device.Classifier
	applier    Applier
	logger     *slog.Logger
	onEvent    func(Event)
	dispatch   func(fn func())

	state atomic.Pointer[State]
	view  atomic.Pointer[view]
}

func New(opts Options) *Policy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dispatch := opts.Dispatch
	if dispatch == nil {
		dispatch = func(fn func()) { go fn() }
	}
	p := &Policy{
		store:      opts.Store,
		classifier: opts.Classifier,
		applier:    opts.Applier,
		logger:     logger,
		onEvent:    opts.OnEvent,
		dispatch:   dispatch,
	}
	p.state.Store(&State{Mode: ModeSystemDefault})
	p.view.Store(&view{})
	return p
}

// State returns a copy of the current selection.
func (p *Policy) State() State {
	return p.state.Load().clone()
}

// Snapshot returns the last observed device list.
func (p *Policy) Snapshot() device.Snapshot {
	return p.view.Load().snapshot
}

// DefaultUID returns the last observed OS default input.
func (p *Policy) DefaultUID() string {
	return p.view.Load().defaultUID
}

// Classify exposes the policy's classifier verdict for dev.
func (p *Policy) Classify(dev device.Device) device.Verdict {
	return p.classifier.Classify(dev)
}

// Observe records a new platform observation.
func (p *Policy) Observe(snap device.Snapshot, defaultUID string) {
	p.view.Store(&view{snapshot: snap, defaultUID: defaultUID})
}

// Load restores persisted state against snap. With nothing stored, the policy
// starts in custom mode on a vetted built-in microphone. A stored pin that is
// gone or unstable is replaced the same way, and a system default that is
// unstable is swapped for the built-in microphone.
func (p *Policy) Load(snap device.Snapshot, defaultUID string) error {
	p.Observe(snap, defaultUID)

	state, found, err := loadState(p.store)
	if err != nil {
		p.logger.Warn("selection state unreadable; starting fresh", "error", err.Error())
		found = false
	}

	if !found {
		state = State{Mode: ModeCustom}
		if dev, ok := p.pickBuiltIn(); ok {
			state.PinnedUID = dev.UID
			p.logger.Info("initial selection", "uid", dev.UID, "name", dev.Name)
		} else {
			state.Mode = ModeSystemDefault
			p.logger.Info("initial selection", "mode", string(state.Mode))
		}
		p.commit(state)
		if state.PinnedUID != "" {
			p.Apply(state.PinnedUID)
		}
		return nil
	}

	p.state.Store(&state)

	switch state.Mode {
	case ModeCustom:
		dev, ok := snap.ByUID(state.PinnedUID)
		if ok && p.classifier.IsStable(dev) {
			p.Apply(dev.UID)
			return nil
		}
		if _, err := p.ForceSwitchToBuiltIn(); err != nil {
			p.ForceFallback(ReasonPinnedRemoved)
		}
	case ModeSystemDefault:
		if def, ok := snap.ByUID(defaultUID); ok && !p.classifier.IsStable(def) {
			p.logger.Warn("system default is unstable", "uid", def.UID, "reason", string(p.classifier.Classify(def).Reason))
			_, _ = p.ForceSwitchToBuiltIn()
		}
	case ModePrioritized:
		p.ReconcileDevices()
	}
	return nil
}

// Resolve maps the current mode to a device without changing state.
func (p *Policy) Resolve() (device.Device, error) {
	state := p.state.Load()
	v := p.view.Load()

	switch state.Mode {
	case ModeCustom:
		if state.PinnedUID == "" {
			return device.Device{}, &ResolutionError{Mode: state.Mode, Reason: ReasonNothingPinned}
		}
		dev, ok := v.snapshot.ByUID(state.PinnedUID)
		if !ok {
			return device.Device{}, &ResolutionError{Mode: state.Mode, Reason: ReasonPinnedRemoved, UID: state.PinnedUID}
		}
		if !p.classifier.IsStable(dev) {
			return device.Device{}, &ResolutionError{Mode: state.Mode, Reason: ReasonDeviceUnstable, UID: state.PinnedUID}
		}
		return dev, nil
	case ModePrioritized:
		for _, entry := range state.ordered() {
			dev, ok := v.snapshot.ByUID(entry.UID)
			if ok && p.classifier.IsStable(dev) {
				return dev, nil
			}
		}
		return device.Device{}, &ResolutionError{Mode: state.Mode, Reason: ReasonPriorityExhausted}
	default:
		dev, ok := v.snapshot.ByUID(v.defaultUID)
		if !ok {
			return device.Device{}, &ResolutionError{Mode: ModeSystemDefault, Reason: ReasonNoSystemDefault, UID: v.defaultUID}
		}
		return dev, nil
	}
}

// ResolveCurrentDevice resolves the current mode and degrades to the system
// default when the mode cannot produce a device. ok is false only when no
// system default exists either.
func (p *Policy) ResolveCurrentDevice() (device.Device, bool) {
	dev, err := p.Resolve()
	if err == nil {
		return dev, true
	}

	var rerr *ResolutionError
	if errors.As(err, &rerr) && rerr.Mode != ModeSystemDefault {
		p.ForceFallback(rerr.Reason)
		dev, err = p.Resolve()
		if err == nil {
			return dev, true
		}
	}
	p.logger.Warn("no input device resolved", "error", err.Error())
	return device.Device{}, false
}

// Target returns the UID the OS default should match, if the mode pins one.
func (p *Policy) Target() (string, bool) {
	state := p.state.Load()
	switch state.Mode {
	case ModeCustom:
		if state.PinnedUID == "" {
			return "", false
		}
		return state.PinnedUID, true
	case ModePrioritized:
		dev, err := p.Resolve()
		if err != nil {
			return "", false
		}
		return dev.UID, true
	default:
		return "", false
	}
}

// SelectDevice pins uid. Unstable devices are refused and the policy falls
// back to the system default.
func (p *Policy) SelectDevice(uid string) error {
	dev, ok := p.Snapshot().ByUID(uid)
	if !ok {
		p.ForceFallback(ReasonSelectedMissing)
		return fmt.Errorf("select %q: %w", uid, ErrDeviceNotFound)
	}

	verdict := p.classifier.Classify(dev)
	if !verdict.Stable {
		p.logger.Warn("device rejected", "uid", dev.UID, "name", dev.Name, "reason", string(verdict.Reason))
		p.emit(Event{Kind: EventRejected, Reason: string(verdict.Reason), UID: dev.UID, Name: dev.Name})
		p.ForceFallback(ReasonDeviceUnstable)
		return &RejectedError{UID: dev.UID, Name: dev.Name, Verdict: verdict}
	}

	state := p.State()
	state.Mode = ModeCustom
	state.PinnedUID = dev.UID
	p.commit(state)
	p.logger.Info("device pinned", "uid", dev.UID, "name", dev.Name)
	p.Apply(dev.UID)
	return nil
}

// SetMode switches strategy. Custom mode with nothing pinned pins the vetted
// built-in microphone, else the first stable device. Prioritized mode falls
// back immediately when no listed device is usable.
func (p *Policy) SetMode(mode Mode) error {
	state := p.State()
	switch mode {
	case ModeSystemDefault:
		state.Mode = mode
		state.PinnedUID = ""
		p.commit(state)
		return nil
	case ModeCustom:
		if state.Mode == ModeCustom && state.PinnedUID != "" {
			return nil
		}
		pick, ok := p.pickBuiltIn()
		if !ok {
			p.emit(Event{Kind: EventNoVettedDevice})
			return fmt.Errorf("set mode %s: %w", mode, ErrNoVettedDevice)
		}
		state.Mode = mode
		state.PinnedUID = pick.UID
		p.commit(state)
		p.Apply(pick.UID)
		return nil
	case ModePrioritized:
		state.Mode = mode
		state.PinnedUID = ""
		p.commit(state)
		p.ReconcileDevices()
		return nil
	default:
		return fmt.Errorf("unknown selection mode %q", mode)
	}
}

// SetPriorityList replaces the priority list with uids in order. Unknown
// devices are kept with their UID as name so a list can be prepared before a
// device is plugged in.
func (p *Policy) SetPriorityList(uids []string) error {
	state := p.State()
	snap := p.Snapshot()

	list := make([]PrioritizedDevice, 0, len(uids))
	for _, uid := range uids {
		if uid == "" || slices.ContainsFunc(list, func(d PrioritizedDevice) bool { return d.UID == uid }) {
			continue
		}
		list = append(list, PrioritizedDevice{UID: uid, Name: p.nameFor(snap, state, uid)})
	}
	state.Priority = reindex(list)
	p.commit(state)
	if state.Mode == ModePrioritized {
		p.ReconcileDevices()
	}
	return nil
}

// AddPriorityDevice appends a connected device to the end of the list.
// Duplicates are ignored.
func (p *Policy) AddPriorityDevice(uid string) error {
	state := p.State()
	if state.HasPriorityDevice(uid) {
		return nil
	}
	dev, ok := p.Snapshot().ByUID(uid)
	if !ok {
		return fmt.Errorf("add priority device %q: %w", uid, ErrDeviceNotFound)
	}
	state.Priority = append(state.ordered(), PrioritizedDevice{UID: dev.UID, Name: dev.Name})
	state.Priority = reindex(state.Priority)
	p.commit(state)
	if state.Mode == ModePrioritized {
		p.ReconcileDevices()
	}
	return nil
}

// RemovePriorityDevice drops uid and renumbers the remaining entries.
func (p *Policy) RemovePriorityDevice(uid string) error {
	state := p.State()
	if !state.HasPriorityDevice(uid) {
		return nil
	}
	list := slices.DeleteFunc(state.ordered(), func(d PrioritizedDevice) bool { return d.UID == uid })
	state.Priority = reindex(list)
	p.commit(state)
	if state.Mode == ModePrioritized {
		p.ReconcileDevices()
	}
	return nil
}

// ForceFallback switches to the system default and records reason.
func (p *Policy) ForceFallback(reason string) {
	state := p.State()
	from := state.Mode
	state.Mode = ModeSystemDefault
	state.PinnedUID = ""
	p.commit(state)
	p.logger.Warn("selection fallback", "reason", reason, "from", string(from))
	p.emit(Event{Kind: EventFallback, Reason: reason})
}

// ForceSwitchToBuiltIn pins a vetted built-in microphone.
func (p *Policy) ForceSwitchToBuiltIn() (device.Device, error) {
	dev, ok := p.pickBuiltIn()
	if !ok {
		p.logger.Warn("no vetted input device")
		p.emit(Event{Kind: EventNoVettedDevice})
		return device.Device{}, ErrNoVettedDevice
	}
	state := p.State()
	state.Mode = ModeCustom
	state.PinnedUID = dev.UID
	p.commit(state)
	p.logger.Info("switched to built-in microphone", "uid", dev.UID, "name", dev.Name)
	p.Apply(dev.UID)
	return dev, nil
}

// ReconcileDevices re-evaluates the selection after the device list changed.
// Prioritized mode re-resolves and applies the winner; custom mode falls back
// when the pinned device is gone or became unstable.
func (p *Policy) ReconcileDevices() {
	state := p.state.Load()
	switch state.Mode {
	case ModePrioritized:
		dev, err := p.Resolve()
		if err != nil {
			p.ForceFallback(ReasonPriorityExhausted)
			return
		}
		if dev.UID != p.DefaultUID() {
			p.Apply(dev.UID)
		}
	case ModeCustom:
		if _, err := p.Resolve(); err != nil {
			var rerr *ResolutionError
			reason := ReasonPinnedRemoved
			if errors.As(err, &rerr) {
				reason = rerr.Reason
			}
			p.ForceFallback(reason)
		}
	}
}

// Apply asks the OS to make uid the default input. It returns immediately.
func (p *Policy) Apply(uid string) {
	if p.applier == nil || uid == "" {
		return
	}
	p.dispatch(func() {
		err := p.applier.SetDefaultInput(context.Background(), uid)
		switch {
		case err == nil:
			p.logger.Debug("default input applied", "uid", uid)
		case errors.Is(err, audio.ErrUnsupported):
			p.logger.Debug("backend cannot set default input", "uid", uid)
		default:
			p.logger.Warn("apply default input failed", "uid", uid, "error", err.Error())
			p.emit(Event{Kind: EventApplyFailed, UID: uid, Reason: err.Error()})
		}
	})
}

func (p *Policy) pickBuiltIn() (device.Device, bool) {
	v := p.view.Load()
	var systemDefault *device.Device
	if dev, ok := v.snapshot.ByUID(v.defaultUID); ok {
		systemDefault = &dev
	}
	return p.classifier.PickBuiltIn(v.snapshot.Devices, systemDefault)
}

func (p *Policy) nameFor(snap device.Snapshot, state State, uid string) string {
	if dev, ok := snap.ByUID(uid); ok {
		return dev.Name
	}
	for _, entry := range state.Priority {
		if entry.UID == uid {
			return entry.Name
		}
	}
	return uid
}

func (p *Policy) commit(state State) {
	state = state.clone()
	if state.Mode != ModeCustom {
		state.PinnedUID = ""
	}
	p.state.Store(&state)
	if p.store == nil {
		return
	}
	if err := saveState(p.store, state); err != nil {
		p.logger.Warn("persist selection failed", "error", err.Error())
	}
}

func (p *Policy) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}
