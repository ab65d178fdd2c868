package ingest

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/edf"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/recording"
	"github.com/tphakala/psgscore/internal/timespan"
)

// annotationLabel marks EDF+ annotation signals, which carry no samples.
const annotationLabel = "EDF Annotations"

// edfLayout is the part of the EDF header needed to place samples in time.
// edf.Reader parses the same header but keeps it unexported.
type edfLayout struct {
	headerBytes      int
	records          int
	recordDuration   float64
	start            time.Time
	discontinuous    bool
	labels           []string
	samplesPerRecord []int
}

func (l *edfLayout) recordSize() int {
	n := 0
	for _, spr := range l.samplesPerRecord {
		n += spr * 2
	}
	return n
}

func (l *edfLayout) signalOffset(i int) int {
	n := 0
	for _, spr := range l.samplesPerRecord[:i] {
		n += spr * 2
	}
	return n
}

// Per-signal header field widths, in file order.
var edfSignalFields = []int{16, 80, 8, 8, 8, 8, 8, 80, 8, 32}

func scanEDFLayout(r io.ReadSeeker) (*edfLayout, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	fixed := make([]byte, 256)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	field := func(b []byte, from, to int) string { return strings.TrimSpace(string(b[from:to])) }

	l := &edfLayout{}
	var err error
	if l.headerBytes, err = strconv.Atoi(field(fixed, 184, 192)); err != nil {
		return nil, fmt.Errorf("header bytes: %w", err)
	}
	l.discontinuous = strings.HasPrefix(field(fixed, 192, 236), "EDF+D")
	if l.records, err = strconv.Atoi(field(fixed, 236, 244)); err != nil {
		return nil, fmt.Errorf("data records: %w", err)
	}
	if l.recordDuration, err = strconv.ParseFloat(field(fixed, 244, 252), 64); err != nil {
		return nil, fmt.Errorf("data record duration: %w", err)
	}
	ns, err := strconv.Atoi(field(fixed, 252, 256))
	if err != nil || ns < 1 {
		return nil, fmt.Errorf("signal count %q", field(fixed, 252, 256))
	}
	if start, err := time.Parse("02.01.06 15.04.05", field(fixed, 168, 176)+" "+field(fixed, 176, 184)); err == nil {
		l.start = start.UTC()
	}

	signals := make([]byte, ns*256)
	if _, err := io.ReadFull(r, signals); err != nil {
		return nil, fmt.Errorf("reading signal headers: %w", err)
	}
	l.labels = make([]string, ns)
	l.samplesPerRecord = make([]int, ns)
	offset := 0
	for f, width := range edfSignalFields {
		for i := range ns {
			value := field(signals, offset, offset+width)
			switch f {
			case 0:
				l.labels[i] = value
			case 8:
				if l.samplesPerRecord[i], err = strconv.Atoi(value); err != nil || l.samplesPerRecord[i] < 1 {
					return nil, fmt.Errorf("signal %d: samples per record %q", i+1, value)
				}
			}
			offset += width
		}
	}

	switch {
	case l.records < 1:
		return nil, fmt.Errorf("file holds %d data records", l.records)
	case !(l.recordDuration > 0):
		return nil, fmt.Errorf("data record duration must be positive, got %g", l.recordDuration)
	}
	return l, nil
}

// recordOnsets reads the onset of every data record from the first time-keeping
// annotation of annotation signal sig.
func recordOnsets(r io.ReadSeeker, l *edfLayout, sig int) ([]float64, error) {
	onsets := make([]float64, l.records)
	buf := make([]byte, l.samplesPerRecord[sig]*2)
	for rec := range l.records {
		pos := int64(l.headerBytes) + int64(rec)*int64(l.recordSize()) + int64(l.signalOffset(sig))
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("record %d annotations: %w", rec+1, err)
		}
		onset, _, ok := bytes.Cut(buf, []byte{0x14})
		if !ok || len(onset) < 2 || (onset[0] != '+' && onset[0] != '-') {
			return nil, fmt.Errorf("record %d has no time-keeping annotation", rec+1)
		}
		v, err := strconv.ParseFloat(string(onset), 64)
		if err != nil {
			return nil, fmt.Errorf("record %d onset: %w", rec+1, err)
		}
		onsets[rec] = v
	}
	return onsets, nil
}

// placeRecords lays records out at their onsets and returns the timeline
// length in seconds plus the spans no record covers.
func placeRecords(onsets []float64, duration float64) (float64, []timespan.Interval, error) {
	const eps = 1e-6
	var gaps []timespan.Interval
	end := 0.0
	for i, onset := range onsets {
		switch {
		case onset < end-eps:
			return 0, nil, fmt.Errorf("record %d starts at %gs, before the previous record ends at %gs", i+1, onset, end)
		case onset > end+eps:
			gaps = append(gaps, timespan.New(end, onset))
		}
		end = onset + duration
	}
	return end, gaps, nil
}

// ReadEDF decodes the EDF or EDF+ file at path into a load spec.
func ReadEDF(path string, opts Options) (recording.LoadSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is supplied by the operator
	if err != nil {
		return recording.LoadSpec{}, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("operation", "open-edf").
			Build()
	}
	if opts.ID == "" {
		opts.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return DecodeEDF(bytes.NewReader(data), opts)
}

// DecodeEDF decodes an EDF stream into a load spec. Samples are the file's
// physical values, so opts.Scale is not applied. Annotation signals are
// skipped; in EDF+D files their record onsets place each data record in time
// and the spans between records become gaps filled with NaN.
func DecodeEDF(r io.ReadSeeker, opts Options) (recording.LoadSpec, error) {
	layout, err := scanEDFLayout(r)
	if err != nil {
		return recording.LoadSpec{}, parseError("invalid EDF header: "+err.Error(), opts.ID)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return recording.LoadSpec{}, parseError(err.Error(), opts.ID)
	}
	reader, err := edf.Open(r)
	if err != nil {
		return recording.LoadSpec{}, parseError(err.Error(), opts.ID)
	}

	var signals, annotations []int
	for i, label := range layout.labels {
		if label == annotationLabel {
			annotations = append(annotations, i)
		} else {
			signals = append(signals, i)
		}
	}
	if len(signals) == 0 {
		return recording.LoadSpec{}, parseError("EDF file holds no signals", opts.ID)
	}
	if len(opts.ChannelNames) > len(signals) {
		return recording.LoadSpec{}, errors.Newf("%d channel names given for %d EDF signals", len(opts.ChannelNames), len(signals)).
			Component("ingest").
			Category(errors.CategoryValidation).
			Context("recording_id", opts.ID).
			Build()
	}

	onsets := make([]float64, layout.records)
	for i := range onsets {
		onsets[i] = float64(i) * layout.recordDuration
	}
	if layout.discontinuous && len(annotations) > 0 {
		if onsets, err = recordOnsets(r, layout, annotations[0]); err != nil {
			return recording.LoadSpec{}, parseError(err.Error(), opts.ID)
		}
	}
	total, gaps, err := placeRecords(onsets, layout.recordDuration)
	if err != nil {
		return recording.LoadSpec{}, parseError(err.Error(), opts.ID)
	}

	channels := make([]recording.ChannelSpec, len(signals))
	for c, sig := range signals {
		spr := layout.samplesPerRecord[sig]
		sr, err := reader.Signal(sig)
		if err != nil {
			return recording.LoadSpec{}, parseError(err.Error(), opts.ID)
		}
		raw := make([]float64, layout.records*spr)
		if n, err := sr.Read(raw); err != nil && (err != io.EOF || n < len(raw)) {
			return recording.LoadSpec{}, parseError(fmt.Sprintf("signal %q: %v", layout.labels[sig], err), opts.ID)
		}

		rate := float64(spr) / layout.recordDuration
		samples := raw
		if len(gaps) > 0 {
			samples = make([]float64, int(math.Round(total*rate)))
			for i := range samples {
				samples[i] = math.NaN()
			}
			for rec, onset := range onsets {
				at := int(math.Round(onset * rate))
				copy(samples[at:], raw[rec*spr:(rec+1)*spr])
			}
		}

		name := layout.labels[sig]
		if c < len(opts.ChannelNames) && opts.ChannelNames[c] != "" {
			name = opts.ChannelNames[c]
		}
		channels[c] = recording.ChannelSpec{Name: name, Rate: rate, Samples: samples}
	}

	start := opts.StartTime
	if start.IsZero() {
		start = layout.start
	}

	GetLogger().Debug("EDF decoded",
		logger.String("recording_id", opts.ID),
		logger.Int("channels", len(channels)),
		logger.Int("data_records", layout.records),
		logger.Float64("record_duration_s", layout.recordDuration),
		logger.Int("gaps", len(gaps)))

	return recording.LoadSpec{
		ID:        opts.ID,
		StartTime: start,
		Channels:  channels,
		Gaps:      gaps,
	}, nil
}

// LoadEDF reads an EDF file and builds the recording in one step.
func LoadEDF(path string, opts Options, loadOpts ...recording.LoadOption) (*recording.Recording, error) {
	spec, err := ReadEDF(path, opts)
	if err != nil {
		return nil, err
	}
	return recording.Load(spec, loadOpts...)
}

// Load reads a signal file, choosing the decoder by extension: .edf files are
// read as EDF, anything else as WAV.
func Load(path string, opts Options, loadOpts ...recording.LoadOption) (*recording.Recording, error) {
	if strings.EqualFold(filepath.Ext(path), ".edf") {
		return LoadEDF(path, opts, loadOpts...)
	}
	return LoadWAV(path, opts, loadOpts...)
}
