// Package session keeps one capture stream bound to a device identity and
// rebuilds it when the platform tears it down.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/fsm"
	"github.com/rbright/micpin/internal/serial"
)

// startAttempts is the initial try plus one immediate retry.
const startAttempts = 2

// Buffer is one PCM buffer as delivered by the platform. PTS is session media
// time and keeps advancing across restarts.
type Buffer struct {
	Data []byte
	PTS  time.Duration
	UID  string
}

// Sink consumes captured buffers in arrival order. It is called from the
// platform audio thread and must not block.
type Sink interface {
	WriteBuffer(Buffer)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Buffer)

func (f SinkFunc) WriteBuffer(b Buffer) { f(b) }

// Backend is the slice of the audio backend a session needs.
type Backend interface {
	DefaultInput(ctx context.Context) (string, error)
	OpenStream(ctx context.Context, uid string, format audio.Format, cb audio.StreamCallbacks) (audio.Stream, error)
}

// Status is a point-in-time view of the session.
type Status struct {
	State         fsm.State    `json:"state"`
	BoundUID      string       `json:"bound_uid,omitempty"`
	Format        audio.Format `json:"format"`
	Restarts      int          `json:"restarts"`
	BytesCaptured int64        `json:"bytes_captured"`
	LastError     string       `json:"last_error,omitempty"`
}

type Options struct {
	Backend Backend
	// Present reports whether uid is currently connected. A missing device
	// falls back to the system default. Nil treats every UID as present.
	Present func(uid string) bool
	Format  audio.Format
	Sink    Sink
	Logger  *slog.Logger
	// OnFailure receives start failures that exhausted the retry.
	OnFailure func(error)
	// OnState receives every state transition. It runs on the session queue.
	OnState func(fsm.State)
	// OnRestart receives the cause of every rebuild after a runtime failure.
	OnRestart func(cause error)
}

type sinkHolder struct{ sink Sink }

// Session is a single capture binding. Start, Stop, and Rebind are serialized
// on the session's own queue and return once the state change is done.
type Session struct {
	queue     *serial.Queue
	backend   Backend
	present   func(string) bool
	format    audio.Format
	logger    *slog.Logger
	onFailure func(error)
	onState   func(fsm.State)
	onRestart func(error)

	sink   atomic.Pointer[sinkHolder]
	status atomic.Pointer[Status]
	level  atomic.Pointer[Level]
	wanted atomic.Bool
	gen    atomic.Uint64
	bytes  atomic.Int64

	// queue-owned
	state    fsm.State
	stream   audio.Stream
	bound    string
	restarts int
	lastErr  string
}

func New(opts Options) *Session {
	format := opts.Format
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = audio.DefaultFormat
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		queue:     serial.New(8),
		backend:   opts.Backend,
		present:   opts.Present,
		format:    format,
		logger:    logger,
		onFailure: opts.OnFailure,
		onState:   opts.OnState,
		onRestart: opts.OnRestart,
		state:     fsm.StateIdle,
	}
	s.SetSink(opts.Sink)
	s.level.Store(&Level{})
	s.publish()
	return s
}

// SetSink replaces the buffer consumer. A nil sink drops buffers.
func (s *Session) SetSink(sink Sink) {
	s.sink.Store(&sinkHolder{sink: sink})
}

// Status returns the latest published status.
func (s *Session) Status() Status {
	st := *s.status.Load()
	st.BytesCaptured = s.bytes.Load()
	return st
}

// BoundUID is the device the session is currently bound to.
func (s *Session) BoundUID() string {
	return s.status.Load().BoundUID
}

// Active reports whether capture was requested and not stopped since. It stays
// true after a start failure so a later rebind can retry.
func (s *Session) Active() bool {
	return s.wanted.Load()
}

// Level returns the meter reading of the most recent buffer.
func (s *Session) Level() Level {
	return *s.level.Load()
}

// Start binds to uid, or to the system default when uid is empty or not
// connected. Starting a running session on another uid rebinds it.
func (s *Session) Start(ctx context.Context, uid string) error {
	return s.queue.Do(ctx, func() error {
		s.wanted.Store(true)
		if s.state.Active() {
			if uid == "" || uid == s.bound {
				return nil
			}
			return s.restart(ctx, fsm.EventRebind, uid)
		}
		s.bytes.Store(0)
		s.restarts = 0
		s.lastErr = ""
		s.transition(fsm.EventStart)
		return s.open(ctx, uid)
	})
}

// Stop tears the stream down. Stopping an idle or stopped session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	return s.queue.Do(ctx, func() error {
		s.wanted.Store(false)
		if !s.state.Active() && s.stream == nil {
			return nil
		}
		s.teardown()
		s.transition(fsm.EventStop)
		s.logger.Info("capture stopped", "uid", s.bound)
		return nil
	})
}

// Rebind moves an active session to uid. It retries a session that gave up
// and does nothing when capture is not wanted.
func (s *Session) Rebind(ctx context.Context, uid string) error {
	return s.queue.Do(ctx, func() error {
		if !s.wanted.Load() {
			return nil
		}
		switch s.state {
		case fsm.StateRunning:
			if uid == s.bound {
				return nil
			}
			return s.restart(ctx, fsm.EventRebind, uid)
		case fsm.StateStopped, fsm.StateIdle:
			s.transition(fsm.EventStart)
			return s.open(ctx, uid)
		default:
			return nil
		}
	})
}

// HandleDeviceDisconnected restarts the session when uid is its bound device.
// Other devices are ignored.
func (s *Session) HandleDeviceDisconnected(uid string) {
	s.queue.Go(func() {
		if uid == "" || uid != s.bound || s.state != fsm.StateRunning {
			return
		}
		s.recover(ErrDeviceDisconnected)
	})
}

// Close stops capture and releases the session queue.
func (s *Session) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.queue.Close()
	return err
}

func (s *Session) open(ctx context.Context, requested string) error {
	var (
		target  string
		lastErr error
	)
	for attempt := 1; attempt <= startAttempts; attempt++ {
		target, lastErr = s.resolve(ctx, requested)
		if lastErr == nil {
			lastErr = s.bind(ctx, target)
		}
		if lastErr == nil {
			s.transition(fsm.EventStarted)
			s.logger.Info("capture started",
				"uid", target,
				"sample_rate", s.format.SampleRate,
				"channels", s.format.Channels,
				"attempt", attempt,
			)
			return nil
		}
		s.logger.Warn("capture start failed", "uid", target, "attempt", attempt, "error", lastErr.Error())
	}

	if target == "" {
		target = requested
	}
	err := &StartError{UID: target, Attempts: startAttempts, Err: lastErr}
	s.lastErr = err.Error()
	s.transition(fsm.EventGiveUp)
	if s.onFailure != nil {
		s.onFailure(err)
	}
	return err
}

func (s *Session) resolve(ctx context.Context, uid string) (string, error) {
	if uid != "" && (s.present == nil || s.present(uid)) {
		return uid, nil
	}
	def, err := s.backend.DefaultInput(ctx)
	if err != nil {
		return "", fmt.Errorf("read default input: %w", err)
	}
	if def == "" {
		return "", ErrNoInputDevice
	}
	if uid != "" {
		s.logger.Info("requested input missing; using system default", "requested", uid, "uid", def)
	}
	return def, nil
}

func (s *Session) bind(ctx context.Context, uid string) error {
	gen := s.gen.Add(1)
	stream, err := s.backend.OpenStream(ctx, uid, s.format, audio.StreamCallbacks{
		OnPCM: func(pcm []byte) {
			if s.gen.Load() == gen {
				s.deliver(uid, pcm)
			}
		},
		OnError: func(err error) {
			s.queue.Go(func() {
				if s.gen.Load() == gen && s.state == fsm.StateRunning {
					s.recover(err)
				}
			})
		},
	})
	if err != nil {
		return err
	}
	s.stream = stream
	s.bound = uid
	return nil
}

// deliver runs on the platform audio thread.
func (s *Session) deliver(uid string, pcm []byte) {
	n := int64(len(pcm))
	offset := s.bytes.Add(n) - n
	pts := ptsAt(offset, int64(s.format.BytesPerSecond()))

	level := measure(pcm)
	s.level.Store(&level)

	if h := s.sink.Load(); h.sink != nil {
		h.sink.WriteBuffer(Buffer{Data: pcm, PTS: pts, UID: uid})
	}
}

// ptsAt converts a byte offset into stream time. Whole seconds and the
// remainder are scaled separately so the product never overflows int64.
func ptsAt(offset, bytesPerSecond int64) time.Duration {
	if bytesPerSecond <= 0 {
		return 0
	}
	whole := time.Duration(offset/bytesPerSecond) * time.Second
	return whole + time.Duration(offset%bytesPerSecond)*time.Second/time.Duration(bytesPerSecond)
}

func (s *Session) recover(cause error) {
	s.restarts++
	s.lastErr = cause.Error()
	s.logger.Warn("capture restart", "uid", s.bound, "restarts", s.restarts, "cause", cause.Error())
	if s.onRestart != nil {
		s.onRestart(cause)
	}
	_ = s.restart(context.Background(), fsm.EventFail, s.bound)
}

func (s *Session) restart(ctx context.Context, event fsm.Event, uid string) error {
	s.transition(event)
	s.teardown()
	return s.open(ctx, uid)
}

func (s *Session) teardown() {
	s.gen.Add(1)
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("close capture stream failed", "uid", s.bound, "error", err.Error())
	}
	s.stream = nil
}

func (s *Session) transition(event fsm.Event) {
	next, err := fsm.Transition(s.state, event)
	if err != nil {
		s.logger.Debug("ignored capture transition", "error", err.Error())
		return
	}
	s.state = next
	s.publish()
	if s.onState != nil {
		s.onState(next)
	}
}

func (s *Session) publish() {
	s.status.Store(&Status{
		State:     s.state,
		BoundUID:  s.bound,
		Format:    s.format,
		Restarts:  s.restarts,
		LastError: s.lastErr,
	})
}
