package pipeline

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"

	"github.com/rbright/micpin/internal/audio"
	"github.com/rbright/micpin/internal/session"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestRecorderWritesDecodableWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "take.wav")
	rec, err := NewRecorder(path, audio.Format{SampleRate: 16000, Channels: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, path, rec.Path())

	rec.WriteBuffer(session.Buffer{Data: pcm(0, 1000, -1000)})
	rec.WriteBuffer(session.Buffer{Data: pcm(32767, -32768), PTS: 3 * time.Millisecond})
	require.NoError(t, rec.Close())
	require.Equal(t, int64(10), rec.Written())
	require.Zero(t, rec.Dropped())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	dec := wav.NewDecoder(file)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	require.Equal(t, 16000, buf.Format.SampleRate)
	require.Equal(t, 1, buf.Format.NumChannels)
	require.Equal(t, []int{0, 1000, -1000, 32767, -32768}, buf.Data)
}

func TestRecorderKeepsStereoLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	rec, err := NewRecorder(path, audio.Format{SampleRate: 48000, Channels: 2}, nil)
	require.NoError(t, err)
	rec.WriteBuffer(session.Buffer{Data: pcm(1, 2, 3, 4)})
	require.NoError(t, rec.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	dec := wav.NewDecoder(file)
	dec.ReadInfo()
	require.Equal(t, uint16(2), dec.NumChans)
	require.Equal(t, uint32(48000), dec.SampleRate)
}

func TestRecorderCloseTwice(t *testing.T) {
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "a.wav"), audio.DefaultFormat, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.ErrorIs(t, rec.Close(), ErrRecorderClosed)

	rec.WriteBuffer(session.Buffer{Data: pcm(1)})
	require.Zero(t, rec.Written())
}

func TestNewRecorderRejectsEmptyFormat(t *testing.T) {
	_, err := NewRecorder(filepath.Join(t.TempDir(), "a.wav"), audio.Format{}, nil)
	require.ErrorContains(t, err, "invalid wav format")
}

func TestDecodePCM16IgnoresTrailingByte(t *testing.T) {
	got := decodePCM16(nil, append(pcm(-2, 5), 0x7f))
	require.Equal(t, []int{-2, 5}, got)
}

func TestDebugPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 5, 123_000_000, time.UTC)
	got, err := DebugPath("/var/lib/micpin", now)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/micpin/debug/audio-20260301-093005.123.wav", got)

	t.Setenv("XDG_STATE_HOME", "/tmp/state")
	got, err = DebugPath("", now)
	require.NoError(t, err)
	require.Equal(t, "/tmp/state/micpin/debug/audio-20260301-093005.123.wav", got)
}
