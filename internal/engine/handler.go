package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rbright/micpin/internal/ipc"
	"github.com/rbright/micpin/internal/policy"
)

// IPC command names.
const (
	CommandStatus   = "status"
	CommandDevices  = "devices"
	CommandMode     = "mode"
	CommandSelect   = "select"
	CommandPriority = "priority"
	CommandCapture  = "capture"
	CommandRecord   = "record"
)

var _ ipc.Handler = (*Manager)(nil)

// Handle serves one IPC request.
func (m *Manager) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	resp, err := m.handle(ctx, req)
	if err != nil {
		m.logger.Debug("ipc command failed", "command", req.Command, "args", req.Args, "error", err.Error())
		return ipc.Response{OK: false, State: string(m.session.Status().State), Error: err.Error()}
	}
	resp.OK = true
	if resp.State == "" {
		resp.State = string(m.session.Status().State)
	}
	return resp
}

func (m *Manager) handle(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	args := req.Args
	switch strings.TrimSpace(req.Command) {
	case CommandStatus:
		return ipc.Response{}.WithData(m.Status()), nil
	case CommandDevices:
		return ipc.Response{}.WithData(m.Devices()), nil
	case CommandMode:
		if len(args) != 1 {
			return ipc.Response{}, errors.New("usage: mode <system_default|custom|prioritized>")
		}
		mode, err := policy.ParseMode(args[0])
		if err != nil {
			return ipc.Response{}, err
		}
		if err := m.SetMode(ctx, mode); err != nil {
			return ipc.Response{}, err
		}
		return m.selectionResponse(fmt.Sprintf("mode %s", mode)), nil
	case CommandSelect:
		if len(args) != 1 {
			return ipc.Response{}, errors.New("usage: select <uid>")
		}
		if err := m.SelectDevice(ctx, args[0]); err != nil {
			return ipc.Response{}, err
		}
		return m.selectionResponse(fmt.Sprintf("pinned %s", args[0])), nil
	case CommandPriority:
		return m.handlePriority(ctx, args)
	case CommandCapture:
		return m.handleCapture(ctx, args)
	case CommandRecord:
		return m.handleRecord(ctx, args)
	default:
		return ipc.Response{}, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (m *Manager) handlePriority(ctx context.Context, args []string) (ipc.Response, error) {
	if len(args) == 0 {
		return ipc.Response{}, errors.New("usage: priority <set|add|remove> <uid>...")
	}
	var err error
	switch args[0] {
	case "set":
		err = m.SetPriorityList(ctx, args[1:])
	case "add", "remove":
		if len(args) != 2 {
			return ipc.Response{}, fmt.Errorf("usage: priority %s <uid>", args[0])
		}
		if args[0] == "add" {
			err = m.AddPriorityDevice(ctx, args[1])
		} else {
			err = m.RemovePriorityDevice(ctx, args[1])
		}
	default:
		return ipc.Response{}, fmt.Errorf("unknown priority action %q", args[0])
	}
	if err != nil {
		return ipc.Response{}, err
	}
	return m.selectionResponse(fmt.Sprintf("priority list has %d devices", len(m.policy.State().Priority))), nil
}

func (m *Manager) handleCapture(ctx context.Context, args []string) (ipc.Response, error) {
	if len(args) != 1 {
		return ipc.Response{}, errors.New("usage: capture <start|stop>")
	}
	switch args[0] {
	case "start":
		if err := m.StartCapture(ctx); err != nil {
			return ipc.Response{}, err
		}
		return ipc.Response{Message: fmt.Sprintf("capturing from %s", m.session.BoundUID())}.WithData(m.CaptureStatus()), nil
	case "stop":
		if err := m.StopCapture(ctx); err != nil {
			return ipc.Response{}, err
		}
		return ipc.Response{Message: "capture stopped"}.WithData(m.CaptureStatus()), nil
	default:
		return ipc.Response{}, fmt.Errorf("unknown capture action %q", args[0])
	}
}

// handleRecord serves "record <path> [seconds]" and "record stop". A bounded
// recording is finalized by the engine clock so the client can disconnect.
func (m *Manager) handleRecord(ctx context.Context, args []string) (ipc.Response, error) {
	if len(args) == 1 && args[0] == "stop" {
		result, err := m.StopRecording(ctx)
		if err != nil {
			return ipc.Response{}, err
		}
		return ipc.Response{Message: fmt.Sprintf("recorded %d bytes to %s", result.Bytes, result.Path)}.WithData(result), nil
	}
	if len(args) < 1 || len(args) > 2 {
		return ipc.Response{}, errors.New("usage: record <path.wav> [seconds] | record stop")
	}
	var duration time.Duration
	if len(args) == 2 {
		d, err := ParseSeconds(args[1])
		if err != nil {
			return ipc.Response{}, err
		}
		duration = d
	}
	if err := m.StartRecording(ctx, args[0]); err != nil {
		return ipc.Response{}, err
	}
	if duration > 0 {
		m.clock.AfterFunc(duration, func() {
			if _, err := m.StopRecording(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
				m.logger.Warn("finish recording failed", "error", err.Error())
			}
		})
	}
	return ipc.Response{Message: fmt.Sprintf("recording to %s", args[0])}, nil
}

func (m *Manager) selectionResponse(message string) ipc.Response {
	return ipc.Response{Message: message}.WithData(m.Selection())
}

// ParseSeconds parses a positive duration in whole or fractional seconds.
func ParseSeconds(raw string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid duration %q: want seconds > 0", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
