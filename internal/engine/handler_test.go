package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/micpin/internal/ipc"
	"github.com/rbright/micpin/internal/policy"
	"github.com/rbright/micpin/internal/session"
)

func TestHandleSelectionCommands(t *testing.T) {
	f := newFixture(t, "builtin", builtIn, usbMic, iPhone)
	ctx := context.Background()

	tests := []struct {
		name      string
		req       ipc.Request
		wantOK    bool
		wantError string
		wantMsg   string
		wantMode  policy.Mode
	}{
		{name: "priority set", req: ipc.Request{Command: "priority", Args: []string{"set", "usb", "builtin"}}, wantOK: true, wantMsg: "priority list has 2 devices", wantMode: policy.ModeCustom},
		{name: "priority remove", req: ipc.Request{Command: "priority", Args: []string{"remove", "usb"}}, wantOK: true, wantMsg: "priority list has 1 devices"},
		{name: "priority add", req: ipc.Request{Command: "priority", Args: []string{"add", "usb"}}, wantOK: true, wantMsg: "priority list has 2 devices"},
		{name: "priority add needs uid", req: ipc.Request{Command: "priority", Args: []string{"add"}}, wantError: "usage: priority add"},
		{name: "priority unknown", req: ipc.Request{Command: "priority", Args: []string{"shuffle"}}, wantError: "unknown priority action"},
		{name: "mode", req: ipc.Request{Command: "mode", Args: []string{"prioritized"}}, wantOK: true, wantMsg: "mode prioritized", wantMode: policy.ModePrioritized},
		{name: "mode alias", req: ipc.Request{Command: "mode", Args: []string{"system"}}, wantOK: true, wantMode: policy.ModeSystemDefault},
		{name: "mode missing arg", req: ipc.Request{Command: "mode"}, wantError: "usage: mode"},
		{name: "mode unknown", req: ipc.Request{Command: "mode", Args: []string{"loudest"}}, wantError: "unknown selection mode"},
		{name: "select", req: ipc.Request{Command: "select", Args: []string{"usb"}}, wantOK: true, wantMsg: "pinned usb", wantMode: policy.ModeCustom},
		{name: "select missing", req: ipc.Request{Command: "select", Args: []string{"ghost"}}, wantError: "device not connected", wantMode: policy.ModeSystemDefault},
		{name: "select rejected", req: ipc.Request{Command: "select", Args: []string{"iphone"}}, wantError: "rejected", wantMode: policy.ModeSystemDefault},
		{name: "unknown", req: ipc.Request{Command: "toggle"}, wantError: `unknown command "toggle"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.manager.Handle(ctx, tc.req)
			require.Equal(t, tc.wantOK, resp.OK, resp.Error)
			if tc.wantError != "" {
				require.Contains(t, resp.Error, tc.wantError)
			}
			if tc.wantMsg != "" {
				require.Equal(t, tc.wantMsg, resp.Message)
			}
			if tc.wantMode != "" {
				require.Equal(t, tc.wantMode, f.manager.Selection().State.Mode)
			}
			require.Equal(t, "idle", resp.State)
		})
	}
}

func TestHandleStatusAndDevices(t *testing.T) {
	f := newFixture(t, "builtin", builtIn, usbMic)
	ctx := context.Background()

	resp := f.manager.Handle(ctx, ipc.Request{Command: "status"})
	require.True(t, resp.OK)
	var status Status
	require.NoError(t, resp.DecodeData(&status))
	require.Equal(t, policy.ModeCustom, status.Selection.State.Mode)
	require.Equal(t, "builtin", status.Selection.Resolved.UID)

	resp = f.manager.Handle(ctx, ipc.Request{Command: "devices"})
	require.True(t, resp.OK)
	var devices []DeviceView
	require.NoError(t, resp.DecodeData(&devices))
	require.Len(t, devices, 2)
	require.Equal(t, "builtin", devices[0].UID)
	require.True(t, devices[0].Verdict.Stable)
}

func TestHandleCapture(t *testing.T) {
	f := newFixture(t, "builtin", builtIn)
	ctx := context.Background()

	resp := f.manager.Handle(ctx, ipc.Request{Command: "capture", Args: []string{"start"}})
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, "running", resp.State)
	require.Equal(t, "capturing from builtin", resp.Message)

	var status session.Status
	require.NoError(t, resp.DecodeData(&status))
	require.Equal(t, "builtin", status.BoundUID)

	resp = f.manager.Handle(ctx, ipc.Request{Command: "capture", Args: []string{"stop"}})
	require.True(t, resp.OK)
	require.Equal(t, "stopped", resp.State)

	resp = f.manager.Handle(ctx, ipc.Request{Command: "capture", Args: []string{"pause"}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown capture action")
}

func TestHandleCaptureStartFailure(t *testing.T) {
	f := newFixture(t, "builtin", builtIn)
	f.backend.FailNextOpens(os.ErrPermission, os.ErrPermission)

	resp := f.manager.Handle(context.Background(), ipc.Request{Command: "capture", Args: []string{"start"}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "after 2 attempts")
	require.Equal(t, "stopped", resp.State)
}

func TestHandleTimedRecording(t *testing.T) {
	f := newFixture(t, "builtin", builtIn)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "take.wav")

	resp := f.manager.Handle(ctx, ipc.Request{Command: "record", Args: []string{path, "2"}})
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, "recording to "+path, resp.Message)
	require.True(t, f.backend.LastStream().Feed(frame(0)))

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return f.manager.Status().Recording == ""
	}, 2*time.Second, 5*time.Millisecond)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(44+960), info.Size())
}

func TestHandleRecordStop(t *testing.T) {
	f := newFixture(t, "builtin", builtIn)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "take.wav")

	resp := f.manager.Handle(ctx, ipc.Request{Command: "record", Args: []string{"stop"}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "no recording in progress")

	resp = f.manager.Handle(ctx, ipc.Request{Command: "record", Args: []string{path}})
	require.True(t, resp.OK, resp.Error)

	resp = f.manager.Handle(ctx, ipc.Request{Command: "record", Args: []string{"stop"}})
	require.True(t, resp.OK, resp.Error)
	var result RecordingResult
	require.NoError(t, resp.DecodeData(&result))
	require.Equal(t, path, result.Path)

	resp = f.manager.Handle(ctx, ipc.Request{Command: "record", Args: []string{path, "soon"}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "invalid duration")
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "3", want: 3 * time.Second},
		{raw: "0.5", want: 500 * time.Millisecond},
		{raw: "0", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "ten", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseSeconds(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
