//go:build cgo

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/rbright/micpin/internal/device"
)

const portaudioBackendName = "portaudio"

func init() {
	Register(portaudioBackendName, func(opts Options) (Backend, error) {
		return NewPortAudio(opts)
	})
}

// PortAudio enumerates and captures through the PortAudio library. PortAudio
// snapshots its device list at Initialize, so hotplug is only visible after a
// restart of the library, which this backend does on every enumeration while
// no stream is open.
type PortAudio struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	devices map[device.Handle]*portaudio.DeviceInfo
	streams atomic.Int32
}

func NewPortAudio(opts Options) (*PortAudio, error) {
	opts = opts.withDefaults()
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudio{opts: opts, logger: opts.Logger, devices: map[device.Handle]*portaudio.DeviceInfo{}}, nil
}

func (p *PortAudio) Name() string { return portaudioBackendName }

func (p *PortAudio) InputHandles(_ context.Context) ([]device.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streams.Load() == 0 {
		if err := portaudio.Terminate(); err != nil {
			p.logger.Debug("portaudio terminate failed", "error", err.Error())
		}
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("reinitialize portaudio: %w", err)
		}
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	p.devices = make(map[device.Handle]*portaudio.DeviceInfo, len(infos))
	handles := make([]device.Handle, 0, len(infos))
	for i, info := range infos {
		if info == nil || info.MaxInputChannels <= 0 {
			continue
		}
		handle := device.Handle(i)
		p.devices[handle] = info
		handles = append(handles, handle)
	}
	return handles, nil
}

func (p *PortAudio) Property(_ context.Context, handle device.Handle, kind device.PropertyKind) (any, error) {
	p.mu.Lock()
	info, ok := p.devices[handle]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %d: %w", handle, ErrDeviceNotFound)
	}

	switch kind {
	case device.KindName:
		return info.Name, nil
	case device.KindUID:
		return portaudioUID(info), nil
	case device.KindInputChannels:
		return info.MaxInputChannels, nil
	case device.KindSampleRate:
		return info.DefaultSampleRate, nil
	default:
		return nil, device.ErrPropertyUnsupported
	}
}

func (p *PortAudio) DefaultInput(_ context.Context) (string, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return "", fmt.Errorf("read default input: %w", err)
	}
	return portaudioUID(info), nil
}

func (p *PortAudio) SetDefaultInput(_ context.Context, uid string) error {
	return fmt.Errorf("set default input %q: %w", uid, ErrUnsupported)
}

func (p *PortAudio) Changes(ctx context.Context) (<-chan struct{}, error) {
	return pollChanges(ctx, p.opts.PollInterval), nil
}

func (p *PortAudio) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}

func (p *PortAudio) OpenStream(ctx context.Context, uid string, format Format, cb StreamCallbacks) (Stream, error) {
	info, err := p.lookup(uid)
	if err != nil {
		return nil, err
	}

	s := &portaudioStream{owner: p, cb: cb, stopCh: make(chan struct{})}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: int(int64(format.SampleRate) * fragmentDuration.Milliseconds() / 1000),
	}, s.onSamples)
	if err != nil {
		return nil, fmt.Errorf("open portaudio stream %q: %w", uid, err)
	}
	s.stream = stream
	p.streams.Add(1)

	if err := stream.Start(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start portaudio stream %q: %w", uid, err)
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

func (p *PortAudio) lookup(uid string) (*portaudio.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, info := range p.devices {
		if portaudioUID(info) == uid {
			return info, nil
		}
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, info := range infos {
		if info != nil && info.MaxInputChannels > 0 && portaudioUID(info) == uid {
			return info, nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", uid, ErrDeviceNotFound)
}

// portaudioUID qualifies the device name with its host API; PortAudio has no
// persistent device identifier.
func portaudioUID(info *portaudio.DeviceInfo) string {
	if info == nil {
		return ""
	}
	if info.HostApi == nil {
		return info.Name
	}
	return info.HostApi.Name + "/" + info.Name
}

type portaudioStream struct {
	owner  *PortAudio
	stream *portaudio.Stream
	cb     StreamCallbacks
	stopCh chan struct{}

	closing atomic.Bool
	once    sync.Once
}

func (s *portaudioStream) onSamples(in []int16) {
	if s.closing.Load() || s.cb.OnPCM == nil || len(in) == 0 {
		return
	}
	pcm := make([]byte, len(in)*2)
	for i, sample := range in {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}
	s.cb.OnPCM(pcm)
}

func (s *portaudioStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.stopCh)
		if s.stream != nil {
			_ = s.stream.Stop()
			err = s.stream.Close()
		}
		s.owner.streams.Add(-1)
	})
	return err
}
