package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/psgscore/internal/errors"
)

// writeWAV writes interleaved 16-bit PCM frames to a new file.
func writeWAV(t *testing.T, rate, numChans int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "night1.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, numChans, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: rate, NumChannels: numChans},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func TestReadWAVDeinterleaves(t *testing.T) {
	t.Parallel()

	// Two channels, four frames.
	path := writeWAV(t, 100, 2, []int{16384, -16384, 0, 8192, -32768, 0, 32767, 16384})
	start := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

	spec, err := ReadWAV(path, Options{ChannelNames: []string{"C3"}, Scale: 200, StartTime: start})
	require.NoError(t, err)

	assert.Equal(t, "night1", spec.ID)
	assert.Equal(t, start, spec.StartTime)
	require.Len(t, spec.Channels, 2)
	assert.Equal(t, "C3", spec.Channels[0].Name)
	assert.Equal(t, "ch2", spec.Channels[1].Name)
	assert.InDelta(t, 100.0, spec.Channels[0].Rate, 1e-9)

	assert.InDeltaSlice(t, []float64{100, 0, -200, 199.99}, spec.Channels[0].Samples, 0.01)
	assert.InDeltaSlice(t, []float64{-100, 50, 0, 100}, spec.Channels[1].Samples, 0.01)
}

func TestLoadWAVBuildsRecording(t *testing.T) {
	t.Parallel()

	data := make([]int, 250)
	path := writeWAV(t, 50, 1, data)

	rec, err := LoadWAV(path, Options{ID: "study-7", ChannelNames: []string{"EEG1"}})
	require.NoError(t, err)
	assert.Equal(t, "study-7", rec.ID())
	assert.InDelta(t, 5.0, rec.Duration(), 1e-9)
	assert.Equal(t, []string{"EEG1"}, rec.ChannelNames())
	assert.False(t, rec.StartTime().IsZero(), "start time falls back to the file modification time")
}

func TestDecodeWAVErrors(t *testing.T) {
	t.Parallel()

	t.Run("not a wav", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeWAV(bytes.NewReader([]byte("definitely not RIFF data")), Options{ID: "x"})
		require.Error(t, err)
		assert.Equal(t, errors.CategoryFileParsing, errors.CategoryOf(err))
	})

	t.Run("too many channel names", func(t *testing.T) {
		t.Parallel()
		path := writeWAV(t, 100, 1, make([]int, 10))
		_, err := ReadWAV(path, Options{ChannelNames: []string{"C3", "C4"}})
		require.Error(t, err)
		assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := ReadWAV(filepath.Join(t.TempDir(), "absent.wav"), Options{})
		require.Error(t, err)
		assert.Equal(t, errors.CategoryFileIO, errors.CategoryOf(err))
	})
}
