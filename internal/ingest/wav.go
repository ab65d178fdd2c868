// Package ingest decodes signal files into recordings.
//
// WAV and EDF/EDF+ containers are read. Each WAV channel becomes one
// recording channel at the file's sample rate, with PCM values normalised
// to [-1, 1) and multiplied by a scale factor into physical units. EDF
// signals keep the physical values and labels stored in the file.
package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/recording"
)

// GetLogger returns the ingest module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("ingest")
}

// Options controls how a signal file maps onto a recording.
type Options struct {
	// ID defaults to the file name without extension.
	ID        string
	StartTime time.Time
	// ChannelNames name the channels in order. Missing WAV names become
	// ch1, ch2...; missing EDF names keep the signal label.
	ChannelNames []string
	// Scale multiplies normalised WAV samples; zero means 1.
	Scale float64
}

// ReadWAV decodes the WAV file at path into a load spec.
func ReadWAV(path string, opts Options) (recording.LoadSpec, error) {
	file, err := os.Open(path) //nolint:gosec // G304: path is supplied by the operator
	if err != nil {
		return recording.LoadSpec{}, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("operation", "open-wav").
			Build()
	}
	defer func() {
		if err := file.Close(); err != nil {
			GetLogger().Warn("failed to close WAV file", logger.Error(err))
		}
	}()

	if opts.ID == "" {
		opts.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if opts.StartTime.IsZero() {
		if info, err := file.Stat(); err == nil {
			opts.StartTime = info.ModTime().UTC()
		}
	}
	return DecodeWAV(file, opts)
}

// DecodeWAV decodes a WAV stream into a load spec.
func DecodeWAV(r io.ReadSeeker, opts Options) (recording.LoadSpec, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return recording.LoadSpec{}, parseError("input is not a valid WAV file", opts.ID)
	}

	divisor, err := pcmDivisor(int(decoder.BitDepth))
	if err != nil {
		return recording.LoadSpec{}, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileParsing).
			Context("recording_id", opts.ID).
			Build()
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return recording.LoadSpec{}, errors.New(fmt.Errorf("decoding PCM data: %w", err)).
			Component("ingest").
			Category(errors.CategoryFileParsing).
			Context("recording_id", opts.ID).
			Build()
	}

	numChans := int(decoder.NumChans)
	if numChans < 1 {
		return recording.LoadSpec{}, parseError("WAV file declares no channels", opts.ID)
	}
	if len(opts.ChannelNames) > numChans {
		return recording.LoadSpec{}, errors.Newf("%d channel names given for %d WAV channels", len(opts.ChannelNames), numChans).
			Component("ingest").
			Category(errors.CategoryValidation).
			Context("recording_id", opts.ID).
			Build()
	}

	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}

	frames := len(buf.Data) / numChans
	channels := make([]recording.ChannelSpec, numChans)
	for c := range channels {
		channels[c] = recording.ChannelSpec{
			Name:    channelName(opts.ChannelNames, c),
			Rate:    float64(decoder.SampleRate),
			Samples: make([]float64, frames),
		}
	}
	// WAV data is interleaved frame by frame.
	for i := range frames {
		frame := buf.Data[i*numChans : (i+1)*numChans]
		for c, v := range frame {
			channels[c].Samples[i] = float64(v) / divisor * scale
		}
	}

	GetLogger().Debug("WAV decoded",
		logger.String("recording_id", opts.ID),
		logger.Int("channels", numChans),
		logger.Int("sample_rate", int(decoder.SampleRate)),
		logger.Int("bit_depth", int(decoder.BitDepth)),
		logger.Int("frames", frames))

	return recording.LoadSpec{
		ID:        opts.ID,
		StartTime: opts.StartTime,
		Channels:  channels,
	}, nil
}

// LoadWAV reads a WAV file and builds the recording in one step.
func LoadWAV(path string, opts Options, loadOpts ...recording.LoadOption) (*recording.Recording, error) {
	spec, err := ReadWAV(path, opts)
	if err != nil {
		return nil, err
	}
	return recording.Load(spec, loadOpts...)
}

func channelName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("ch%d", i+1)
}

// pcmDivisor returns the full-scale value for a signed PCM bit depth.
func pcmDivisor(bitDepth int) (float64, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

func parseError(msg, id string) error {
	return errors.Newf("%s", msg).
		Component("ingest").
		Category(errors.CategoryFileParsing).
		Context("recording_id", id).
		Build()
}
