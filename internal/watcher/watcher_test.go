package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/rbright/micpin/internal/audio/audiotest"
	"github.com/rbright/micpin/internal/broadcast"
	"github.com/rbright/micpin/internal/device"
	"github.com/rbright/micpin/internal/policy"
	"github.com/rbright/micpin/internal/serial"
	"github.com/rbright/micpin/internal/store"
)

var (
	macMic  = device.Device{UID: "builtin", Name: "MacBook Pro Microphone", InputChannels: 1, SampleRate: 48000}
	usbMic  = device.Device{UID: "usb", Name: "USB Mic", InputChannels: 1, SampleRate: 48000}
	iPhone  = device.Device{UID: "iphone", Name: "John's iPhone Microphone", InputChannels: 1, SampleRate: 48000}
	airPods = device.Device{UID: "airpods", Name: "AirPods Pro", InputChannels: 1, SampleRate: 24000}
)

type fakeCapture struct {
	mu           sync.Mutex
	bound        string
	active       bool
	disconnected []string
	rebinds      []string
}

func (f *fakeCapture) BoundUID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound
}

func (f *fakeCapture) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCapture) HandleDeviceDisconnected(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, uid)
}

func (f *fakeCapture) Rebind(_ context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebinds = append(f.rebinds, uid)
	f.bound = uid
	return nil
}

type fakeRecorder struct {
	issued     int
	suppressed int
}

func (f *fakeRecorder) PinnedRestore(issued bool) {
	if issued {
		f.issued++
		return
	}
	f.suppressed++
}

type harness struct {
	backend  *audiotest.Backend
	policy   *policy.Policy
	watcher  *Watcher
	clock    clockwork.FakeClock
	capture  *fakeCapture
	recorder *fakeRecorder
	changed  <-chan struct{}
	queue    *serial.Queue
}

func newHarness(t *testing.T, withQueue bool, devices ...device.Device) *harness {
	t.Helper()

	mem, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	backend := audiotest.New(devices...)
	backend.SetDefault(devices[0].UID)
	catalog := device.NewCatalog(backend, nil)

	pol := policy.New(policy.Options{
		Store:      mem,
		Classifier: device.NewClassifier(device.DefaultHeuristics()),
		Applier:    backend,
		Dispatch:   func(fn func()) { fn() },
	})
	snap := catalog.Enumerate(context.Background())
	require.NoError(t, pol.Load(snap, devices[0].UID))

	h := &harness{
		backend:  backend,
		policy:   pol,
		clock:    clockwork.NewFakeClock(),
		capture:  &fakeCapture{},
		recorder: &fakeRecorder{},
	}
	if withQueue {
		h.queue = serial.New(16)
		t.Cleanup(h.queue.Close)
	}
	b := broadcast.New()
	changed, cancel := b.Subscribe()
	t.Cleanup(cancel)
	h.changed = changed

	h.watcher = New(Options{
		Platform:    backend,
		Catalog:     catalog,
		Policy:      pol,
		Queue:       h.queue,
		Broadcaster: b,
		Capture:     h.capture,
		Recorder:    h.recorder,
		Clock:       h.clock,
		Debounce:    DefaultDebounce,
	})
	h.watcher.Prime(snap, devices[0].UID)
	return h
}

func (h *harness) setDefaultCalls() int {
	return len(h.backend.SetDefaultCalls())
}

// Scenario D.
func TestUnstableSystemDefaultForcesBuiltIn(t *testing.T) {
	h := newHarness(t, false, macMic, iPhone)
	require.NoError(t, h.policy.SetMode(policy.ModeSystemDefault))
	before := h.setDefaultCalls()

	h.backend.SetDefault("iphone")
	h.watcher.Reconcile(context.Background())

	state := h.policy.State()
	require.Equal(t, policy.ModeCustom, state.Mode)
	require.Equal(t, "builtin", state.PinnedUID)

	calls := h.backend.SetDefaultCalls()
	require.Len(t, calls, before+1)
	require.Equal(t, "builtin", calls[len(calls)-1])
	require.Len(t, h.changed, 1)
}

// Scenario E.
func TestDefaultChangeRestoreIsDebounced(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic, airPods)
	require.NoError(t, h.policy.SelectDevice("usb"))
	before := h.setDefaultCalls()

	h.backend.SetDefault("airpods")
	h.watcher.HandleDefaultInputChanged("airpods")
	require.Equal(t, before+1, h.setDefaultCalls())

	h.clock.Advance(200 * time.Millisecond)
	h.backend.SetDefault("airpods")
	h.watcher.HandleDefaultInputChanged("airpods")
	require.Equal(t, before+1, h.setDefaultCalls())
	require.Equal(t, 1, h.recorder.issued)
	require.Equal(t, 1, h.recorder.suppressed)

	h.clock.Advance(600 * time.Millisecond)
	h.watcher.HandleDefaultInputChanged("airpods")
	require.Equal(t, before+2, h.setDefaultCalls())
	require.Equal(t, []string{"usb", "usb"}, h.backend.SetDefaultCalls()[before:])
}

func TestDefaultChangeMatchingPinIsIgnored(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic)
	require.NoError(t, h.policy.SelectDevice("usb"))
	before := h.setDefaultCalls()

	h.watcher.HandleDefaultInputChanged("usb")
	require.Equal(t, before, h.setDefaultCalls())
	require.Zero(t, h.recorder.issued)
}

func TestStableSystemDefaultChangeIsAccepted(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic)
	require.NoError(t, h.policy.SetMode(policy.ModeSystemDefault))
	before := h.setDefaultCalls()

	h.backend.SetDefault("usb")
	h.watcher.Reconcile(context.Background())
	require.Equal(t, policy.ModeSystemDefault, h.policy.State().Mode)
	require.Equal(t, before, h.setDefaultCalls())
	require.Equal(t, "usb", h.policy.DefaultUID())
}

func TestPinnedRemovalFallsBackAndRebindsCapture(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic)
	require.NoError(t, h.policy.SelectDevice("usb"))
	h.capture.bound = "usb"
	h.capture.active = true

	h.backend.SetDevices(macMic)
	h.backend.SetDefault("builtin")
	h.watcher.Reconcile(context.Background())

	require.Equal(t, policy.ModeSystemDefault, h.policy.State().Mode)
	require.Equal(t, []string{"usb"}, h.capture.disconnected)
	require.Equal(t, []string{"builtin"}, h.capture.rebinds)
	require.Len(t, h.changed, 1)
}

func TestInactiveCaptureIsNotRebound(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic)
	require.NoError(t, h.policy.SetMode(policy.ModeSystemDefault))
	h.capture.bound = "builtin"

	h.backend.SetDefault("usb")
	h.watcher.Reconcile(context.Background())
	require.Empty(t, h.capture.rebinds)
}

func TestReconcileWithoutChangesIsQuiet(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic)

	h.watcher.Reconcile(context.Background())
	require.Len(t, h.changed, 0)

	h.backend.SetDevices(macMic, usbMic, airPods)
	h.watcher.Reconcile(context.Background())
	require.Len(t, h.changed, 1)
}

func TestEnumerationFailureLooksLikeEmptyList(t *testing.T) {
	h := newHarness(t, false, macMic, usbMic)
	require.NoError(t, h.policy.SelectDevice("usb"))

	h.backend.FailEnumeration(context.DeadlineExceeded)
	h.watcher.Reconcile(context.Background())
	require.Equal(t, policy.ModeSystemDefault, h.policy.State().Mode)
}

func TestRunDispatchesChangesToQueue(t *testing.T) {
	h := newHarness(t, true, macMic, usbMic)
	require.NoError(t, h.policy.SelectDevice("usb"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.watcher.Run(ctx) }()

	h.backend.SetDevices(macMic)
	h.backend.Notify()

	require.Eventually(t, func() bool {
		return h.policy.State().Mode == policy.ModeSystemDefault
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSuppressedRestoreIsRecheckedAfterWindow(t *testing.T) {
	h := newHarness(t, true, macMic, usbMic, airPods)
	require.NoError(t, h.policy.SelectDevice("usb"))
	before := h.setDefaultCalls()
	ctx := context.Background()

	h.backend.SetDefault("airpods")
	require.NoError(t, h.queue.Do(ctx, func() error {
		h.watcher.HandleDefaultInputChanged("airpods")
		return nil
	}))

	h.clock.Advance(100 * time.Millisecond)
	h.backend.SetDefault("airpods")
	require.NoError(t, h.queue.Do(ctx, func() error {
		h.watcher.HandleDefaultInputChanged("airpods")
		return nil
	}))
	require.Equal(t, before+1, h.setDefaultCalls())

	h.clock.Advance(700 * time.Millisecond)
	require.Eventually(t, func() bool {
		return h.setDefaultCalls() == before+2
	}, 2*time.Second, 10*time.Millisecond)
}
