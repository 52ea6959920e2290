package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/rbright/micpin/internal/device"
)

const (
	pulseBackendName = "pulse"
	fragmentDuration = 20 * time.Millisecond
)

func init() {
	Register(pulseBackendName, func(opts Options) (Backend, error) {
		return NewPulse(opts)
	})
}

// Pulse talks to a PulseAudio (or pipewire-pulse) server.
type Pulse struct {
	client *pulse.Client
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	sources map[device.Handle]*pulseproto.GetSourceInfoReply
}

// NewPulse connects to the server named by the usual PULSE_SERVER discovery.
func NewPulse(opts Options) (*Pulse, error) {
	opts = opts.withDefaults()
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	return &Pulse{
		client:  client,
		opts:    opts,
		logger:  opts.Logger,
		sources: map[device.Handle]*pulseproto.GetSourceInfoReply{},
	}, nil
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("micpin"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

func (p *Pulse) Name() string { return pulseBackendName }

// InputHandles lists sources whose active port is plugged in.
func (p *Pulse) InputHandles(_ context.Context) ([]device.Handle, error) {
	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := p.client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	sources := make(map[device.Handle]*pulseproto.GetSourceInfoReply, len(sourceInfos))
	handles := make([]device.Handle, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil || !sourceAvailable(source) {
			continue
		}
		handle := device.Handle(source.SourceIndex)
		sources[handle] = source
		handles = append(handles, handle)
	}

	p.mu.Lock()
	p.sources = sources
	p.mu.Unlock()
	return handles, nil
}

// Property answers from the source list fetched by the last InputHandles call.
func (p *Pulse) Property(_ context.Context, handle device.Handle, kind device.PropertyKind) (any, error) {
	p.mu.Lock()
	source, ok := p.sources[handle]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("source %d: %w", handle, ErrDeviceNotFound)
	}

	switch kind {
	case device.KindName:
		return source.Device, nil
	case device.KindUID:
		return source.SourceName, nil
	case device.KindInputChannels:
		return len(source.ChannelMap), nil
	case device.KindSampleRate:
		return source.Rate, nil
	default:
		return nil, device.ErrPropertyUnsupported
	}
}

func (p *Pulse) DefaultInput(_ context.Context) (string, error) {
	source, err := p.client.DefaultSource()
	if err != nil {
		return "", fmt.Errorf("read default source: %w", err)
	}
	return source.ID(), nil
}

func (p *Pulse) SetDefaultInput(_ context.Context, uid string) error {
	if err := p.client.RawRequest(&pulseproto.SetDefaultSource{SourceName: uid}, nil); err != nil {
		return fmt.Errorf("set default source %q: %w", uid, err)
	}
	return nil
}

func (p *Pulse) Changes(ctx context.Context) (<-chan struct{}, error) {
	return pollChanges(ctx, p.opts.PollInterval), nil
}

func (p *Pulse) Close() error {
	p.client.Close()
	return nil
}

// OpenStream starts an s16le record stream on its own client connection so a
// killed stream cannot disturb enumeration.
func (p *Pulse) OpenStream(ctx context.Context, uid string, format Format, cb StreamCallbacks) (Stream, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(uid)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w: %v", uid, ErrDeviceNotFound, err)
	}

	s := &pulseStream{
		uid:    uid,
		client: client,
		cb:     cb,
		stall:  p.opts.StallTimeout,
		stopCh: make(chan struct{}),
	}
	s.lastData.Store(time.Now().UnixNano())

	opts := []pulse.RecordOption{
		pulse.RecordSource(source),
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(format.BytesPerSecond() * int(fragmentDuration) / int(time.Second))),
		pulse.RecordMediaName("micpin capture"),
	}
	if format.Channels == 1 {
		opts = append(opts, pulse.RecordMono)
	} else {
		opts = append(opts, pulse.RecordStereo)
	}

	writer := pulse.NewWriter(writerFunc(s.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(writer, opts...)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	s.stream = stream
	stream.Start()
	go s.watchdog()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stopCh:
		}
	}()

	p.logger.Debug("pulse stream opened", "uid", uid, "rate", format.SampleRate, "channels", format.Channels)
	return s, nil
}

// pulseStream forwards record stream data to callbacks until closed.
type pulseStream struct {
	uid    string
	client *pulse.Client
	stream *pulse.RecordStream
	cb     StreamCallbacks
	stall  time.Duration

	stopCh chan struct{}

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	lastData atomic.Int64
	failed   atomic.Bool
}

// Close stops the stream and waits for in-flight callbacks. It is idempotent.
func (s *pulseStream) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.inflight.Wait()
	return nil
}

func (s *pulseStream) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as s.stopped to avoid Add/Wait races.
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	s.lastData.Store(time.Now().UnixNano())
	if s.cb.OnPCM != nil {
		chunk := make([]byte, len(buffer))
		copy(chunk, buffer)
		s.cb.OnPCM(chunk)
	}
	return len(buffer), nil
}

// watchdog reports the stream as stopped once data stops arriving. The server
// kills record streams whose source disappears without notifying the writer.
func (s *pulseStream) watchdog() {
	ticker := time.NewTicker(s.stall / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			last := time.Unix(0, s.lastData.Load())
			if now.Sub(last) < s.stall {
				continue
			}
			s.fail(fmt.Errorf("source %q: no data for %s: %w", s.uid, s.stall, ErrStreamStopped))
			return
		}
	}
}

func (s *pulseStream) fail(err error) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.cb.OnError == nil {
		return
	}
	s.cb.OnError(err)
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
