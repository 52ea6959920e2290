// Package audio adapts platform audio stacks to device enumeration, default
// input control, change signals, and PCM capture streams.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rbright/micpin/internal/device"
)

var (
	// ErrUnsupported marks an operation the backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by audio backend")
	// ErrDeviceNotFound is returned when a UID does not resolve to a live device.
	ErrDeviceNotFound = errors.New("audio device not found")
	// ErrStreamStopped reports that the platform stopped a stream on its own.
	ErrStreamStopped = errors.New("capture stream stopped by platform")
)

// Format is the PCM layout of a capture stream. Samples are signed 16-bit
// little endian.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is mono 48 kHz.
var DefaultFormat = Format{SampleRate: 48000, Channels: 1}

// BytesPerSecond returns the byte rate for s16le samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// StreamCallbacks receive data and failures from the platform's audio thread.
// Implementations must not block.
type StreamCallbacks struct {
	OnPCM   func(pcm []byte)
	OnError func(err error)
}

// Stream is a running capture stream. Close is idempotent.
type Stream interface {
	Close() error
}

// Backend is one platform audio stack.
type Backend interface {
	device.Source

	Name() string
	// DefaultInput returns the UID of the OS default input, or "" if none.
	DefaultInput(ctx context.Context) (string, error)
	// SetDefaultInput changes the OS default input.
	SetDefaultInput(ctx context.Context, uid string) error
	// Changes delivers a coalesced signal whenever devices or the default
	// input may have changed. The channel closes when ctx is done.
	Changes(ctx context.Context) (<-chan struct{}, error)
	// OpenStream starts capturing from uid.
	OpenStream(ctx context.Context, uid string, format Format, cb StreamCallbacks) (Stream, error)
	Close() error
}

// Options tunes backend construction.
type Options struct {
	// PollInterval paces change detection on backends without push
	// notifications.
	PollInterval time.Duration
	// StallTimeout is how long a stream may go without data before it is
	// reported as stopped.
	StallTimeout time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Opener constructs a backend.
type Opener func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a backend available to Open. Backends requiring cgo register
// themselves from init.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Open constructs the named backend.
func Open(name string, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("audio backend %q is not available in this build (have %v)", name, Available())
	}
	opts.Logger = opts.Logger.With("backend", name)
	return open(opts)
}

// pollChanges emits a tick every interval until ctx is done. Backends whose
// platform has no change subscription rely on the watcher's snapshot diff to
// filter ticks that changed nothing.
func pollChanges(ctx context.Context, interval time.Duration) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Available lists registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
