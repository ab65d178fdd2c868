// Package window cuts aligned sample matrices out of a recording.
package window

import (
	"math"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/recording"
	"github.com/tphakala/psgscore/internal/timespan"
)

const gridEpsilon = 1e-9

// Source is what the detector runner reads from. Gaps covers the recording
// gaps plus any span where one of channels has no samples.
type Source interface {
	Extract(channels []string, start, end float64) (*Matrix, error)
	Span() timespan.Interval
	Gaps(channels ...string) []timespan.Interval
}

// Extractor reads windows from one recording. It never mutates the recording and
// is safe for concurrent use.
type Extractor struct {
	rec *recording.Recording
}

// NewExtractor returns an Extractor over rec.
func NewExtractor(rec *recording.Recording) *Extractor {
	return &Extractor{rec: rec}
}

func (e *Extractor) Recording() *recording.Recording { return e.rec }
func (e *Extractor) Span() timespan.Interval          { return e.rec.Span() }

// Gaps returns the recording gaps plus the tails of short channels. Unknown
// channel names are ignored here; Extract reports them.
func (e *Extractor) Gaps(channels ...string) []timespan.Interval {
	known := make([]string, 0, len(channels))
	for _, name := range channels {
		if _, err := e.rec.Channel(name); err == nil {
			known = append(known, name)
		}
	}
	gaps, _ := e.rec.ChannelGaps(known...)
	return gaps
}

// Extract returns samples [start, end) for channels, rows in request order.
// Channels with differing rates are aligned to the highest requested rate by
// nearest sample. Gap and range errors from the recording are returned as is.
func (e *Extractor) Extract(channels []string, start, end float64) (*Matrix, error) {
	if len(channels) == 0 {
		return nil, errors.Newf("extract: no channels requested").
			Component("window").
			Category(errors.CategoryValidation).
			Build()
	}

	chs := make([]*recording.Channel, len(channels))
	rate := 0.0
	for i, name := range channels {
		ch, err := e.rec.Channel(name)
		if err != nil {
			return nil, err
		}
		chs[i] = ch
		rate = max(rate, ch.Rate())
	}

	if err := e.rec.CheckChannels(channels, start, end); err != nil {
		return nil, err
	}

	first := gridIndex(start, rate)
	cols := gridIndex(end, rate) - first

	m := &Matrix{
		Channels: append([]string(nil), channels...),
		Rate:     rate,
		Offset:   first,
		Data:     make([][]float64, len(chs)),
	}
	for i, ch := range chs {
		m.Data[i] = alignRow(ch, rate, first, cols)
	}
	return m, nil
}

// gridIndex floors t*rate with a small epsilon against float noise.
func gridIndex(t, rate float64) int {
	return int(math.Floor(t*rate + gridEpsilon))
}

// alignRow copies cols samples starting at grid index first. The range lies
// within the channel's samples; only nearest-sample rounding of a slower
// channel can land one past the end and is clamped to the last sample.
func alignRow(ch *recording.Channel, rate float64, first, cols int) []float64 {
	row := make([]float64, cols)
	last := ch.Len() - 1

	if ch.Rate() == rate {
		for j := range row {
			row[j] = ch.At(first + j)
		}
		return row
	}

	ratio := ch.Rate() / rate
	for j := range row {
		idx := int(math.Round(float64(first+j) * ratio))
		row[j] = ch.At(min(max(idx, 0), last))
	}
	return row
}
