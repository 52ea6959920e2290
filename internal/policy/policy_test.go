package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/device"
	"github.com/rbright/micpin/internal/store"
)

var (
	macMic  = device.Device{UID: "builtin", Name: "MacBook Pro Microphone", InputChannels: 1, SampleRate: 48000}
	usbMic  = device.Device{UID: "usb", Name: "USB Mic", InputChannels: 1, SampleRate: 48000}
	iPhone  = device.Device{UID: "iphone", Name: "John's iPhone Microphone", InputChannels: 1, SampleRate: 48000}
	airPods = device.Device{UID: "airpods", Name: "AirPods Pro", InputChannels: 1, SampleRate: 24000}
)

type fakeApplier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeApplier) SetDefaultInput(_ context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uid)
	return f.err
}

func (f *fakeApplier) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	policy  *Policy
	store   store.Store
	applier *fakeApplier
	events  []Event
}

func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	if st == nil {
		mem, err := store.OpenMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = mem.Close() })
		st = mem
	}
	h := &harness{store: st, applier: &fakeApplier{}}
	h.policy = New(Options{
		Store:      st,
		Classifier: device.NewClassifier(device.DefaultHeuristics()),
		Applier:    h.applier,
		OnEvent:    func(ev Event) { h.events = append(h.events, ev) },
		Dispatch:   func(fn func()) { fn() },
	})
	return h
}

func snapshotOf(devs ...device.Device) device.Snapshot {
	return device.Snapshot{Devices: devs}
}

func (h *harness) lastEvent(t *testing.T) Event {
	t.Helper()
	require.NotEmpty(t, h.events)
	return h.events[len(h.events)-1]
}

func TestLoadWithoutStoredStatePinsBuiltIn(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.policy.Load(snapshotOf(usbMic, macMic), "usb"))

	state := h.policy.State()
	require.Equal(t, ModeCustom, state.Mode)
	require.Equal(t, "builtin", state.PinnedUID)
	require.Equal(t, []string{"builtin"}, h.applier.Calls())

	mode, ok, err := h.store.Get(keyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "custom", mode)
}

func TestLoadWithoutAnyVettedDeviceUsesSystemDefault(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.policy.Load(snapshotOf(iPhone), "iphone"))
	require.Equal(t, ModeSystemDefault, h.policy.State().Mode)
	require.Empty(t, h.applier.Calls())
}

func TestLoadRestoresPersistedState(t *testing.T) {
	mem, err := store.OpenMemory()
	require.NoError(t, err)
	defer mem.Close()

	first := newHarness(t, mem)
	require.NoError(t, first.policy.Load(snapshotOf(usbMic, macMic), "builtin"))
	require.NoError(t, first.policy.SelectDevice("usb"))
	require.NoError(t, first.policy.SetPriorityList([]string{"usb", "builtin"}))

	second := newHarness(t, mem)
	require.NoError(t, second.policy.Load(snapshotOf(usbMic, macMic), "builtin"))
	state := second.policy.State()
	require.Equal(t, ModeCustom, state.Mode)
	require.Equal(t, "usb", state.PinnedUID)
	require.Equal(t, []PrioritizedDevice{
		{UID: "usb", Name: "USB Mic", Priority: 0},
		{UID: "builtin", Name: "MacBook Pro Microphone", Priority: 1},
	}, state.Priority)
	require.Equal(t, []string{"usb"}, second.applier.Calls())
}

func TestLoadRepinsWhenStoredPinIsGone(t *testing.T) {
	mem, err := store.OpenMemory()
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, saveState(mem, State{Mode: ModeCustom, PinnedUID: "usb"}))

	h := newHarness(t, mem)
	require.NoError(t, h.policy.Load(snapshotOf(macMic), "builtin"))
	require.Equal(t, "builtin", h.policy.State().PinnedUID)
}

func TestLoadSystemDefaultUnstableSwitchesToBuiltIn(t *testing.T) {
	mem, err := store.OpenMemory()
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, saveState(mem, State{Mode: ModeSystemDefault}))

	h := newHarness(t, mem)
	require.NoError(t, h.policy.Load(snapshotOf(macMic, iPhone), "iphone"))
	state := h.policy.State()
	require.Equal(t, ModeCustom, state.Mode)
	require.Equal(t, "builtin", state.PinnedUID)
	require.Equal(t, []string{"builtin"}, h.applier.Calls())
}

func TestLoadIgnoresCorruptState(t *testing.T) {
	mem, err := store.OpenMemory()
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, mem.Put(keyMode, "sideways"))

	h := newHarness(t, mem)
	require.NoError(t, h.policy.Load(snapshotOf(macMic), "builtin"))
	require.Equal(t, ModeCustom, h.policy.State().Mode)
}

// Scenario A.
func TestSelectStableDevicePins(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic), "")

	require.Equal(t, device.Verdict{Stable: true}, h.policy.Classify(macMic))
	require.NoError(t, h.policy.SelectDevice("builtin"))
	require.Equal(t, State{Mode: ModeCustom, PinnedUID: "builtin"}, h.policy.State())
	require.Equal(t, []string{"builtin"}, h.applier.Calls())
}

// Scenario B.
func TestSelectUnstableDeviceIsRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(iPhone), "iphone")

	err := h.policy.SelectDevice("iphone")
	require.ErrorIs(t, err, ErrDeviceRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, device.ReasonContinuity, rejected.Verdict.Reason)

	state := h.policy.State()
	require.Equal(t, ModeSystemDefault, state.Mode)
	require.Empty(t, state.PinnedUID)
	require.Empty(t, h.applier.Calls())
	require.Equal(t, EventRejected, h.events[0].Kind)
	require.Equal(t, EventFallback, h.lastEvent(t).Kind)
}

func TestSelectUnstableNeverPins(t *testing.T) {
	unstable := []device.Device{
		iPhone,
		{UID: "agg", Name: "Aggregate Device", InputChannels: 2, SampleRate: 48000},
		{UID: "odd", Name: "Odd", InputChannels: 1, SampleRate: 22050},
		{UID: "wide", Name: "Wide", InputChannels: 6, SampleRate: 48000},
	}
	for _, dev := range unstable {
		t.Run(dev.UID, func(t *testing.T) {
			h := newHarness(t, nil)
			h.policy.Observe(snapshotOf(macMic, dev), "builtin")
			require.NoError(t, h.policy.SelectDevice("builtin"))

			require.ErrorIs(t, h.policy.SelectDevice(dev.UID), ErrDeviceRejected)
			state := h.policy.State()
			require.NotEqual(t, dev.UID, state.PinnedUID)
			require.Equal(t, ModeSystemDefault, state.Mode)
		})
	}
}

func TestSelectMissingDeviceFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic), "builtin")

	err := h.policy.SelectDevice("nope")
	require.ErrorIs(t, err, ErrDeviceNotFound)
	require.Equal(t, ModeSystemDefault, h.policy.State().Mode)
	require.Equal(t, ReasonSelectedMissing, h.lastEvent(t).Reason)
}

// Scenario C.
func TestPinnedDeviceRemovedFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic, usbMic), "builtin")
	require.NoError(t, h.policy.SelectDevice("usb"))

	h.policy.Observe(snapshotOf(macMic), "builtin")
	h.policy.ReconcileDevices()

	state := h.policy.State()
	require.Equal(t, ModeSystemDefault, state.Mode)
	require.Empty(t, state.PinnedUID)
	ev := h.lastEvent(t)
	require.Equal(t, EventFallback, ev.Kind)
	require.Equal(t, ReasonPinnedRemoved, ev.Reason)

	dev, ok := h.policy.ResolveCurrentDevice()
	require.True(t, ok)
	require.Equal(t, "builtin", dev.UID)
}

func TestFallbackWithinOneCycleForAnyRemovalSequence(t *testing.T) {
	sequences := [][]device.Snapshot{
		{snapshotOf(usbMic, macMic), snapshotOf(macMic)},
		{snapshotOf(usbMic, macMic, airPods), snapshotOf(usbMic, airPods), snapshotOf(airPods)},
		{snapshotOf(usbMic), snapshotOf()},
	}
	for i, seq := range sequences {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			h := newHarness(t, nil)
			h.policy.Observe(seq[0], "")
			require.NoError(t, h.policy.SelectDevice("usb"))
			for _, snap := range seq[1:] {
				h.policy.Observe(snap, "")
				h.policy.ReconcileDevices()
				if !snap.Contains("usb") {
					require.Equal(t, ModeSystemDefault, h.policy.State().Mode)
				}
			}
		})
	}
}

func TestResolveCurrentDeviceDegradesOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic, usbMic), "builtin")
	require.NoError(t, h.policy.SelectDevice("usb"))

	h.policy.Observe(snapshotOf(macMic), "builtin")
	dev, ok := h.policy.ResolveCurrentDevice()
	require.True(t, ok)
	require.Equal(t, "builtin", dev.UID)
	require.Equal(t, ModeSystemDefault, h.policy.State().Mode)

	h.policy.Observe(snapshotOf(), "")
	_, ok = h.policy.ResolveCurrentDevice()
	require.False(t, ok)
}

func TestResolveErrorsCarryReason(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic), "")

	_, err := h.policy.Resolve()
	require.ErrorIs(t, err, ErrResolution)
	require.Contains(t, err.Error(), ReasonNoSystemDefault)

	require.NoError(t, h.policy.SetPriorityList([]string{"usb"}))
	h.policy.state.Store(&State{Mode: ModePrioritized, Priority: h.policy.State().Priority})
	_, err = h.policy.Resolve()
	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, ReasonPriorityExhausted, rerr.Reason)
}

func TestPrioritizedSkipsMissingAndUnstable(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(iPhone, usbMic, macMic), "builtin")

	require.NoError(t, h.policy.SetPriorityList([]string{"gone", "iphone", "usb", "builtin"}))
	require.NoError(t, h.policy.SetMode(ModePrioritized))

	dev, err := h.policy.Resolve()
	require.NoError(t, err)
	require.Equal(t, "usb", dev.UID)
	require.Equal(t, []string{"usb"}, h.applier.Calls())

	target, ok := h.policy.Target()
	require.True(t, ok)
	require.Equal(t, "usb", target)
}

func TestPrioritizedExhaustedFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(usbMic, macMic), "builtin")
	require.NoError(t, h.policy.SetPriorityList([]string{"usb"}))
	require.NoError(t, h.policy.SetMode(ModePrioritized))
	require.Equal(t, ModePrioritized, h.policy.State().Mode)

	h.policy.Observe(snapshotOf(macMic), "builtin")
	h.policy.ReconcileDevices()
	require.Equal(t, ModeSystemDefault, h.policy.State().Mode)
	require.Equal(t, ReasonPriorityExhausted, h.lastEvent(t).Reason)
	// the list survives the fallback
	require.True(t, h.policy.State().HasPriorityDevice("usb"))
}

func TestPrioritizedReappliesWhenHigherPriorityReturns(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic), "builtin")
	require.NoError(t, h.policy.SetPriorityList([]string{"usb", "builtin"}))
	require.NoError(t, h.policy.SetMode(ModePrioritized))
	require.Empty(t, h.applier.Calls())

	h.policy.Observe(snapshotOf(macMic, usbMic), "builtin")
	h.policy.ReconcileDevices()
	require.Equal(t, []string{"usb"}, h.applier.Calls())
}

func TestSetModeClearsPinned(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic, usbMic), "builtin")
	require.NoError(t, h.policy.SelectDevice("usb"))

	require.NoError(t, h.policy.SetMode(ModeSystemDefault))
	require.Equal(t, State{Mode: ModeSystemDefault}, h.policy.State())

	_, ok, err := h.store.Get(keyPinned)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.policy.SetMode(ModeCustom))
	require.NoError(t, h.policy.SetMode(ModePrioritized))
	require.Empty(t, h.policy.State().PinnedUID)
}

func TestSetModeCustomPinsVettedBuiltIn(t *testing.T) {
	tests := []struct {
		name       string
		devices    []device.Device
		defaultUID string
		wantPinned string
	}{
		{name: "built-in preferred over stable default", devices: []device.Device{usbMic, macMic}, defaultUID: "usb", wantPinned: "builtin"},
		{name: "unstable default", devices: []device.Device{iPhone, macMic}, defaultUID: "iphone", wantPinned: "builtin"},
		{name: "first stable device without built-in", devices: []device.Device{iPhone, usbMic}, defaultUID: "iphone", wantPinned: "usb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.policy.Observe(snapshotOf(tc.devices...), tc.defaultUID)
			require.NoError(t, h.policy.SetMode(ModeCustom))
			state := h.policy.State()
			require.Equal(t, ModeCustom, state.Mode)
			require.Equal(t, tc.wantPinned, state.PinnedUID)
		})
	}
}

func TestSetModeCustomWithoutVettedDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(iPhone), "iphone")
	require.ErrorIs(t, h.policy.SetMode(ModeCustom), ErrNoVettedDevice)
	require.Equal(t, ModeSystemDefault, h.policy.State().Mode)

	require.Error(t, h.policy.SetMode(Mode("weird")))
}

func TestAddAndRemovePriorityDevices(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(macMic, usbMic, airPods), "builtin")

	require.NoError(t, h.policy.AddPriorityDevice("usb"))
	require.NoError(t, h.policy.AddPriorityDevice("airpods"))
	require.NoError(t, h.policy.AddPriorityDevice("builtin"))
	require.NoError(t, h.policy.AddPriorityDevice("usb"))
	require.ErrorIs(t, h.policy.AddPriorityDevice("gone"), ErrDeviceNotFound)

	require.NoError(t, h.policy.RemovePriorityDevice("airpods"))
	require.NoError(t, h.policy.RemovePriorityDevice("never-added"))

	require.Equal(t, []PrioritizedDevice{
		{UID: "usb", Name: "USB Mic", Priority: 0},
		{UID: "builtin", Name: "MacBook Pro Microphone", Priority: 1},
	}, h.policy.State().Priority)
}

func TestSetPriorityListDedupesAndKeepsKnownNames(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(usbMic), "usb")
	require.NoError(t, h.policy.SetPriorityList([]string{"usb", "", "later", "usb"}))

	h.policy.Observe(snapshotOf(), "")
	require.NoError(t, h.policy.SetPriorityList([]string{"later", "usb"}))
	require.Equal(t, []PrioritizedDevice{
		{UID: "later", Name: "later", Priority: 0},
		{UID: "usb", Name: "USB Mic", Priority: 1},
	}, h.policy.State().Priority)
}

func TestForceSwitchToBuiltIn(t *testing.T) {
	h := newHarness(t, nil)
	h.policy.Observe(snapshotOf(iPhone, macMic), "iphone")

	dev, err := h.policy.ForceSwitchToBuiltIn()
	require.NoError(t, err)
	require.Equal(t, "builtin", dev.UID)
	require.Equal(t, State{Mode: ModeCustom, PinnedUID: "builtin"}, h.policy.State())

	h.policy.Observe(snapshotOf(iPhone), "iphone")
	_, err = h.policy.ForceSwitchToBuiltIn()
	require.ErrorIs(t, err, ErrNoVettedDevice)
	require.Equal(t, EventNoVettedDevice, h.lastEvent(t).Kind)
}

func TestApplyFailureEmitsEventButUnsupportedIsQuiet(t *testing.T) {
	h := newHarness(t, nil)
	h.applier.err = fmt.Errorf("wrap: %w", audio.ErrUnsupported)
	h.policy.Apply("usb")
	require.Empty(t, h.events)

	h.applier.err = errors.New("pactl broke")
	h.policy.Apply("usb")
	require.Equal(t, EventApplyFailed, h.lastEvent(t).Kind)

	h.policy.Apply("")
	require.Len(t, h.applier.Calls(), 2)
}

func TestParseMode(t *testing.T) {
	for raw, want := range map[string]Mode{
		"system_default": ModeSystemDefault,
		" Default ":      ModeSystemDefault,
		"custom":         ModeCustom,
		"pin":            ModeCustom,
		"prioritized":    ModePrioritized,
	} {
		got, err := ParseMode(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseMode("random")
	require.Error(t, err)
}
