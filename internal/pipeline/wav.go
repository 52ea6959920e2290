// Package pipeline turns captured PCM buffers into WAV files.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/session"
	"github.com/rbright/micpin/internal/store"
)

const (
	bitDepth   = 16
	pcmFormat  = 1
	queueDepth = 256
)

// ErrRecorderClosed is returned by Close on a recorder that already finished.
var ErrRecorderClosed = errors.New("wav recorder closed")

// Recorder is a session.Sink that encodes buffers to a WAV file. WriteBuffer
// never blocks; buffers that arrive while the encoder is behind are dropped
// and counted.
type Recorder struct {
	path   string
	format audio.Format
	logger *slog.Logger

	file    *os.File
	encoder *wav.Encoder
	buffers chan []byte
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	written atomic.Int64
	dropped atomic.Int64
	err     error
}

var _ session.Sink = (*Recorder)(nil)

// NewRecorder creates path and starts the encoder goroutine.
func NewRecorder(path string, format audio.Format, logger *slog.Logger) (*Recorder, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %+v", format)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open recording %q: %w", path, err)
	}

	r := &Recorder{
		path:    path,
		format:  format,
		logger:  logger,
		file:    file,
		encoder: wav.NewEncoder(file, format.SampleRate, bitDepth, format.Channels, pcmFormat),
		buffers: make(chan []byte, queueDepth),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Path is the file being written.
func (r *Recorder) Path() string { return r.path }

// WriteBuffer queues a copy of b for encoding.
func (r *Recorder) WriteBuffer(b session.Buffer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	data := append([]byte(nil), b.Data...)
	select {
	case r.buffers <- data:
	default:
		r.dropped.Add(1)
	}
}

// Written returns the number of PCM bytes encoded so far.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Dropped returns the number of buffers discarded because the encoder fell
// behind.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close drains queued buffers, finalizes the WAV header, and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.buffers)
	r.mu.Unlock()

	<-r.done
	encErr := r.encoder.Close()
	fileErr := r.file.Close()
	if dropped := r.dropped.Load(); dropped > 0 {
		r.logger.Warn("recording dropped buffers", "path", r.path, "dropped", dropped)
	}
	return errors.Join(r.err, encErr, fileErr)
}

func (r *Recorder) loop() {
	defer close(r.done)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: r.format.Channels, SampleRate: r.format.SampleRate},
		SourceBitDepth: bitDepth,
	}
	for data := range r.buffers {
		if r.err != nil {
			continue
		}
		buf.Data = decodePCM16(buf.Data[:0], data)
		if err := r.encoder.Write(buf); err != nil {
			r.err = fmt.Errorf("encode wav: %w", err)
			r.logger.Warn("recording write failed", "path", r.path, "error", err.Error())
			continue
		}
		r.written.Add(int64(len(data)))
	}
}

// decodePCM16 appends the signed little-endian samples in pcm to dst. A
// trailing odd byte is ignored.
func decodePCM16(dst []int, pcm []byte) []int {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, int(int16(binary.LittleEndian.Uint16(pcm[i:]))))
	}
	return dst
}

// DebugPath returns a timestamped path for a debug audio dump under the
// state directory.
func DebugPath(stateDir string, now time.Time) (string, error) {
	dir, err := store.ResolveDir(stateDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "debug", fmt.Sprintf("audio-%s.wav", now.Format("20060102-150405.000"))), nil
}
