// Package audiotest provides a scriptable in-memory audio backend.
package audiotest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/device"
)

// Backend is an audio.Backend whose devices, default input, and streams are
// driven by the test.
type Backend struct {
	mu            sync.Mutex
	devices       []device.Device
	defaultUID    string
	enumerateErr  error
	openErrs      []error
	setDefaults   []string
	setDefaultErr error
	streams       []*Stream
	changes       chan struct{}
	closed        bool
}

var _ audio.Backend = (*Backend)(nil)

func New(devices ...device.Device) *Backend {
	b := &Backend{changes: make(chan struct{}, 1)}
	b.SetDevices(devices...)
	return b
}

// SetDevices replaces the device list. Handles are assigned by position when
// zero.
func (b *Backend) SetDevices(devices ...device.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = make([]device.Device, len(devices))
	for i, dev := range devices {
		if dev.Handle == 0 {
			dev.Handle = device.Handle(i + 1)
		}
		b.devices[i] = dev
	}
}

// SetDefault sets the OS default input without recording a SetDefaultInput call.
func (b *Backend) SetDefault(uid string) {
	b.mu.Lock()
	b.defaultUID = uid
	b.mu.Unlock()
}

// FailEnumeration makes InputHandles fail with err until cleared with nil.
func (b *Backend) FailEnumeration(err error) {
	b.mu.Lock()
	b.enumerateErr = err
	b.mu.Unlock()
}

// FailSetDefault makes SetDefaultInput fail with err until cleared with nil.
func (b *Backend) FailSetDefault(err error) {
	b.mu.Lock()
	b.setDefaultErr = err
	b.mu.Unlock()
}

// FailNextOpens queues errors returned by successive OpenStream calls.
func (b *Backend) FailNextOpens(errs ...error) {
	b.mu.Lock()
	b.openErrs = append(b.openErrs, errs...)
	b.mu.Unlock()
}

// Notify emits a change signal.
func (b *Backend) Notify() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// SetDefaultCalls returns UIDs passed to SetDefaultInput.
func (b *Backend) SetDefaultCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.setDefaults...)
}

// Streams returns every stream opened so far.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Stream(nil), b.streams...)
}

// LastStream returns the most recently opened stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) InputHandles(_ context.Context) ([]device.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enumerateErr != nil {
		return nil, b.enumerateErr
	}
	handles := make([]device.Handle, 0, len(b.devices))
	for _, dev := range b.devices {
		handles = append(handles, dev.Handle)
	}
	return handles, nil
}

func (b *Backend) Property(_ context.Context, handle device.Handle, kind device.PropertyKind) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dev := range b.devices {
		if dev.Handle != handle {
			continue
		}
		switch kind {
		case device.KindName:
			return dev.Name, nil
		case device.KindUID:
			return dev.UID, nil
		case device.KindInputChannels:
			return uint32(dev.InputChannels), nil
		case device.KindSampleRate:
			return float64(dev.SampleRate), nil
		default:
			return nil, device.ErrPropertyUnsupported
		}
	}
	return nil, fmt.Errorf("handle %d: %w", handle, audio.ErrDeviceNotFound)
}

func (b *Backend) DefaultInput(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defaultUID, nil
}

func (b *Backend) SetDefaultInput(_ context.Context, uid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setDefaults = append(b.setDefaults, uid)
	if b.setDefaultErr != nil {
		return b.setDefaultErr
	}
	b.defaultUID = uid
	return nil
}

func (b *Backend) Changes(ctx context.Context) (<-chan struct{}, error) {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.changes:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) OpenStream(_ context.Context, uid string, format audio.Format, cb audio.StreamCallbacks) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.openErrs) > 0 {
		err := b.openErrs[0]
		b.openErrs = b.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	found := false
	for _, dev := range b.devices {
		if dev.UID == uid {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("open %q: %w", uid, audio.ErrDeviceNotFound)
	}
	s := &Stream{UID: uid, Format: format, cb: cb}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Stream is a fake capture stream fed by the test.
type Stream struct {
	UID    string
	Format audio.Format

	mu     sync.Mutex
	cb     audio.StreamCallbacks
	closed bool
}

// Feed delivers pcm as if from the audio thread. It returns false once the
// stream is closed.
func (s *Stream) Feed(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.cb.OnPCM != nil {
		s.cb.OnPCM(append([]byte(nil), pcm...))
	}
	return true
}

// Fail reports a runtime error on the stream.
func (s *Stream) Fail(err error) {
	if err == nil {
		err = errors.New("fake runtime error")
	}
	s.mu.Lock()
	cb := s.cb.OnError
	closed := s.closed
	s.mu.Unlock()
	if !closed && cb != nil {
		cb(err)
	}
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
