//go:build cgo

package audio

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/rbright/micpin/internal/device"
)

const malgoBackendName = "malgo"

func init() {
	Register(malgoBackendName, func(opts Options) (Backend, error) {
		return NewMalgo(opts)
	})
}

type malgoInfo struct {
	id        malgo.DeviceID
	name      string
	isDefault bool
	channels  int
	rate      int
}

// nativeFormat summarises miniaudio's native formats: the widest channel
// count and the first concrete sample rate. Zero means miniaudio accepts any.
func nativeFormat(formats []malgo.DataFormat, count uint32) (channels, rate int) {
	n := min(int(count), len(formats))
	for _, f := range formats[:n] {
		channels = max(channels, int(f.Channels))
		if rate == 0 && f.SampleRate > 0 {
			rate = int(f.SampleRate)
		}
	}
	return channels, rate
}

// Malgo enumerates and captures through miniaudio. miniaudio cannot change the
// OS default input and has no change subscription.
type Malgo struct {
	ctx    *malgo.AllocatedContext
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	infos map[device.Handle]malgoInfo
}

func NewMalgo(opts Options) (*Malgo, error) {
	opts = opts.withDefaults()
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init miniaudio context: %w", err)
	}
	return &Malgo{ctx: ctx, opts: opts, logger: opts.Logger, infos: map[device.Handle]malgoInfo{}}, nil
}

func (m *Malgo) Name() string { return malgoBackendName }

func (m *Malgo) InputHandles(_ context.Context) ([]device.Handle, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}

	infos := make(map[device.Handle]malgoInfo, len(devices))
	handles := make([]device.Handle, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	for i, dev := range devices {
		full, err := m.ctx.DeviceInfo(malgo.Capture, dev.ID, malgo.Shared)
		if err != nil {
			m.logger.Warn("device info unavailable", "name", dev.Name(), "error", err.Error())
			continue
		}
		uid := hex.EncodeToString(full.ID[:])
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		handle := device.Handle(i)
		channels, rate := nativeFormat(full.Formats, full.FormatCount)
		infos[handle] = malgoInfo{
			id:        full.ID,
			name:      full.Name(),
			isDefault: full.IsDefault == 1,
			channels:  channels,
			rate:      rate,
		}
		handles = append(handles, handle)
	}

	m.mu.Lock()
	m.infos = infos
	m.mu.Unlock()
	return handles, nil
}

func (m *Malgo) Property(_ context.Context, handle device.Handle, kind device.PropertyKind) (any, error) {
	m.mu.Lock()
	info, ok := m.infos[handle]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %d: %w", handle, ErrDeviceNotFound)
	}

	switch kind {
	case device.KindName:
		return info.name, nil
	case device.KindUID:
		return hex.EncodeToString(info.id[:]), nil
	case device.KindInputChannels:
		return info.channels, nil
	case device.KindSampleRate:
		return info.rate, nil
	default:
		return nil, device.ErrPropertyUnsupported
	}
}

func (m *Malgo) DefaultInput(ctx context.Context) (string, error) {
	if _, err := m.InputHandles(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.infos {
		if info.isDefault {
			return hex.EncodeToString(info.id[:]), nil
		}
	}
	return "", nil
}

func (m *Malgo) SetDefaultInput(_ context.Context, uid string) error {
	return fmt.Errorf("set default input %q: %w", uid, ErrUnsupported)
}

func (m *Malgo) Changes(ctx context.Context) (<-chan struct{}, error) {
	return pollChanges(ctx, m.opts.PollInterval), nil
}

func (m *Malgo) Close() error {
	_ = m.ctx.Uninit()
	m.ctx.Free()
	return nil
}

func (m *Malgo) OpenStream(ctx context.Context, uid string, format Format, cb StreamCallbacks) (Stream, error) {
	raw, err := hex.DecodeString(uid)
	if err != nil {
		return nil, fmt.Errorf("decode device uid %q: %w", uid, ErrDeviceNotFound)
	}
	var id malgo.DeviceID
	copy(id[:], raw)

	s := &malgoStream{cb: cb, stopCh: make(chan struct{})}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.DeviceID = id.Pointer()
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(fragmentDuration.Milliseconds())
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("init capture device %q: %w", uid, err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start capture device %q: %w", uid, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stopCh:
		}
	}()
	return s, nil
}

type malgoStream struct {
	dev    *malgo.Device
	cb     StreamCallbacks
	stopCh chan struct{}

	closing atomic.Bool
	once    sync.Once
}

func (s *malgoStream) onData(_, in []byte, _ uint32) {
	if s.closing.Load() || s.cb.OnPCM == nil || len(in) == 0 {
		return
	}
	chunk := make([]byte, len(in))
	copy(chunk, in)
	s.cb.OnPCM(chunk)
}

// onStop fires for both explicit and platform-initiated stops; only the
// latter is reported.
func (s *malgoStream) onStop() {
	if s.closing.Load() || s.cb.OnError == nil {
		return
	}
	s.cb.OnError(ErrStreamStopped)
}

func (s *malgoStream) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.stopCh)
		if s.dev != nil {
			_ = s.dev.Stop()
			s.dev.Uninit()
		}
	})
	return nil
}
