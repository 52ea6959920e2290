package device_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/micpin/internal/audio/audiotest"
	"github.com/rbright/micpin/internal/device"
)

func TestCatalogEnumerate(t *testing.T) {
	backend := audiotest.New(
		device.Device{UID: "usb", Name: "USB Mic", InputChannels: 1, SampleRate: 48000},
		device.Device{UID: "builtin", Name: "Built-in Microphone", InputChannels: 2, SampleRate: 44100},
	)

	snap := device.NewCatalog(backend, nil).Enumerate(context.Background())
	require.Equal(t, 2, snap.Len())
	require.Equal(t, []string{"usb", "builtin"}, snap.UIDs())
	require.False(t, snap.TakenAt.IsZero())

	dev, ok := snap.ByUID("builtin")
	require.True(t, ok)
	require.Equal(t, "Built-in Microphone", dev.Name)
	require.Equal(t, 2, dev.InputChannels)
	require.Equal(t, 44100, dev.SampleRate)
}

func TestCatalogEnumerateAbsorbsFailure(t *testing.T) {
	backend := audiotest.New(device.Device{UID: "usb", Name: "USB Mic"})
	backend.FailEnumeration(errors.New("hal exploded"))

	var failures []error
	catalog := device.NewCatalog(backend, nil)
	catalog.OnFailure = func(err error) { failures = append(failures, err) }

	snap := catalog.Enumerate(context.Background())
	require.Zero(t, snap.Len())
	require.Len(t, failures, 1)
}

func TestCatalogSkipsDevicesWithoutUID(t *testing.T) {
	backend := audiotest.New(
		device.Device{UID: "", Name: "Ghost"},
		device.Device{UID: "usb", Name: "USB Mic"},
	)

	snap := device.NewCatalog(backend, nil).Enumerate(context.Background())
	require.Equal(t, []string{"usb"}, snap.UIDs())
}

func TestSnapshotDiff(t *testing.T) {
	prev := device.Snapshot{Devices: []device.Device{{UID: "a"}, {UID: "b"}}}
	next := device.Snapshot{Devices: []device.Device{{UID: "b"}, {UID: "c"}}}

	added, removed := next.Diff(prev)
	require.Equal(t, []string{"c"}, added)
	require.Equal(t, []string{"a"}, removed)

	require.False(t, next.SameDevices(prev))
	reordered := device.Snapshot{Devices: []device.Device{{UID: "c"}, {UID: "b"}}}
	require.True(t, next.SameDevices(reordered))
	require.False(t, next.Contains(""))
}
