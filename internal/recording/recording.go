// Package recording holds ingested multi-channel recordings and maps time to
// sample offsets. Recordings are immutable once loaded and safe for concurrent
// reads.
package recording

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/timespan"
)

const (
	// DefaultDurationTolerance is the allowed difference in seconds between a
	// channel's duration and the recording duration (one EDF data record).
	DefaultDurationTolerance = 1.0

	// offsetEpsilon absorbs float noise such as 0.29*100 = 28.999999999999996.
	offsetEpsilon = 1e-9
)

// ChannelSpec is one decoded channel handed to Load.
type ChannelSpec struct {
	Name    string
	Rate    float64
	Samples []float64
}

// LoadSpec is the ingestion input: already decoded sample arrays plus a time base.
type LoadSpec struct {
	ID        string
	StartTime time.Time
	Channels  []ChannelSpec
	// Gaps are spans in seconds from StartTime without valid samples.
	Gaps []timespan.Interval
}

type loadOptions struct {
	tolerance float64
	nanGaps   bool
}

// LoadOption customizes Load.
type LoadOption func(*loadOptions)

// WithDurationTolerance overrides DefaultDurationTolerance.
func WithDurationTolerance(seconds float64) LoadOption {
	return func(o *loadOptions) { o.tolerance = seconds }
}

// WithNaNGaps marks runs of NaN samples in any channel as gaps.
func WithNaNGaps() LoadOption {
	return func(o *loadOptions) { o.nanGaps = true }
}

// Channel is a named, uniformly sampled signal.
type Channel struct {
	name    string
	rate    float64
	samples []float64
}

func (c *Channel) Name() string  { return c.name }
func (c *Channel) Rate() float64 { return c.rate }
func (c *Channel) Len() int      { return len(c.samples) }

// Duration returns the channel length in seconds.
func (c *Channel) Duration() float64 { return float64(len(c.samples)) / c.rate }

// At returns sample i. It panics when i is out of range, like a slice index.
func (c *Channel) At(i int) float64 { return c.samples[i] }

// Samples returns a copy of samples [from, to).
func (c *Channel) Samples(from, to int) []float64 {
	return slices.Clone(c.samples[from:to])
}

// Recording is an ingested set of channels sharing one time base.
type Recording struct {
	id        string
	startTime time.Time
	channels  []*Channel
	byName    map[string]*Channel
	gaps      []timespan.Interval
	duration  float64
	tolerance float64
}

// Load validates spec and builds a Recording. The sample slices are copied.
func Load(spec LoadSpec, opts ...LoadOption) (*Recording, error) {
	o := loadOptions{tolerance: DefaultDurationTolerance}
	for _, opt := range opts {
		opt(&o)
	}

	if len(spec.Channels) == 0 {
		return nil, errors.Newf("recording %q has no channels", spec.ID).
			Component("recording").
			Category(errors.CategoryValidation).
			Build()
	}
	if o.tolerance < 0 {
		return nil, errors.Newf("duration tolerance must be non-negative, got %g", o.tolerance).
			Component("recording").
			Category(errors.CategoryValidation).
			Build()
	}

	rec := &Recording{
		id:        spec.ID,
		startTime: spec.StartTime,
		channels:  make([]*Channel, 0, len(spec.Channels)),
		byName:    make(map[string]*Channel, len(spec.Channels)),
		tolerance: o.tolerance,
	}

	for _, cs := range spec.Channels {
		if err := validateChannel(cs, rec.byName); err != nil {
			return nil, err
		}
		ch := &Channel{name: cs.Name, rate: cs.Rate, samples: slices.Clone(cs.Samples)}
		rec.channels = append(rec.channels, ch)
		rec.byName[ch.name] = ch
		rec.duration = max(rec.duration, ch.Duration())
	}

	for _, ch := range rec.channels {
		if diff := rec.duration - ch.Duration(); diff > o.tolerance {
			return nil, errors.Newf("channel %q lasts %gs, recording lasts %gs (tolerance %gs)",
				ch.name, ch.Duration(), rec.duration, o.tolerance).
				Component("recording").
				Category(errors.CategoryValidation).
				Context("channel", ch.name).
				Build()
		}
	}

	span := rec.Span()
	gaps := slices.Clone(spec.Gaps)
	for _, g := range gaps {
		if !g.Valid() || !span.Covers(g) {
			return nil, errors.Newf("gap %s is empty or outside recording span %s", g, span).
				Component("recording").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	if o.nanGaps {
		for _, ch := range rec.channels {
			gaps = append(gaps, nanRuns(ch)...)
		}
	}
	rec.gaps = timespan.Coalesce(gaps)

	GetLogger().Debug("recording loaded",
		logger.String("recording_id", rec.id),
		logger.Int("channels", len(rec.channels)),
		logger.Float64("duration_s", rec.duration),
		logger.Int("gaps", len(rec.gaps)))

	return rec, nil
}

func validateChannel(cs ChannelSpec, seen map[string]*Channel) error {
	switch {
	case cs.Name == "":
		return errors.ValidationError("channel name must not be empty")
	case seen[cs.Name] != nil:
		return errors.Newf("duplicate channel name %q", cs.Name).
			Component("recording").
			Category(errors.CategoryValidation).
			Build()
	case !(cs.Rate > 0) || math.IsInf(cs.Rate, 0):
		return errors.Newf("channel %q: sample rate must be positive, got %g", cs.Name, cs.Rate).
			Component("recording").
			Category(errors.CategoryValidation).
			Build()
	case len(cs.Samples) == 0:
		return errors.Newf("channel %q has no samples", cs.Name).
			Component("recording").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// nanRuns returns the spans covered by consecutive NaN samples.
func nanRuns(ch *Channel) []timespan.Interval {
	var out []timespan.Interval
	start := -1
	for i, v := range ch.samples {
		switch {
		case math.IsNaN(v) && start < 0:
			start = i
		case !math.IsNaN(v) && start >= 0:
			out = append(out, timespan.New(float64(start)/ch.rate, float64(i)/ch.rate))
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, timespan.New(float64(start)/ch.rate, ch.Duration()))
	}
	return out
}

func (r *Recording) ID() string           { return r.id }
func (r *Recording) StartTime() time.Time { return r.startTime }

// Duration is the longest channel duration in seconds.
func (r *Recording) Duration() float64 { return r.duration }

// Tolerance is the duration tolerance the recording was loaded with.
func (r *Recording) Tolerance() float64 { return r.tolerance }

// Span returns [0, Duration).
func (r *Recording) Span() timespan.Interval { return timespan.New(0, r.duration) }

// Gaps returns a copy of the sorted, disjoint gap list.
func (r *Recording) Gaps() []timespan.Interval { return slices.Clone(r.gaps) }

// Channels returns the channels in ingestion order.
func (r *Recording) Channels() []*Channel { return slices.Clone(r.channels) }

// ChannelNames returns the channel names in ingestion order.
func (r *Recording) ChannelNames() []string {
	names := make([]string, len(r.channels))
	for i, ch := range r.channels {
		names[i] = ch.name
	}
	return names
}

// Channel looks up a channel by name.
func (r *Recording) Channel(name string) (*Channel, error) {
	ch, ok := r.byName[name]
	if !ok {
		return nil, &ChannelNotFoundError{Channel: name}
	}
	return ch, nil
}

// gapAt returns the gap containing t, if any.
func (r *Recording) gapAt(t float64) (timespan.Interval, bool) {
	for _, g := range r.gaps {
		if g.Start > t {
			break
		}
		if g.Contains(t) {
			return g, true
		}
	}
	return timespan.Interval{}, false
}

// SampleOffset maps t seconds to a sample index on channel. t == Duration()
// yields the exclusive end offset.
func (r *Recording) SampleOffset(channel string, t float64) (int, error) {
	ch, err := r.Channel(channel)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(t) || t < 0 || t > r.duration {
		return 0, &OutOfRangeError{Channel: channel, Time: t, Index: -1, Span: r.Span()}
	}
	if g, ok := r.gapAt(t); ok {
		return 0, &GapError{Requested: timespan.New(t, t), Gap: g}
	}
	if tail, ok := r.tail(ch); ok && t > tail.Start+offsetEpsilon {
		return 0, &GapError{Requested: timespan.New(t, t), Gap: tail}
	}
	return ch.offset(t), nil
}

// tail returns the span after the last sample of a channel that ends before
// the recording does. No samples exist there.
func (r *Recording) tail(ch *Channel) (timespan.Interval, bool) {
	end := ch.Duration()
	if end >= r.duration {
		return timespan.Interval{}, false
	}
	return timespan.New(end, r.duration), true
}

// ChannelGaps returns the recording gaps plus the tail of every named channel
// that ends before the recording, sorted and coalesced.
func (r *Recording) ChannelGaps(channels ...string) ([]timespan.Interval, error) {
	gaps := slices.Clone(r.gaps)
	for _, name := range channels {
		ch, err := r.Channel(name)
		if err != nil {
			return nil, err
		}
		if tail, ok := r.tail(ch); ok {
			gaps = append(gaps, tail)
		}
	}
	return timespan.Coalesce(gaps), nil
}

// offset converts t to an index clamped to [0, Len].
func (c *Channel) offset(t float64) int {
	idx := int(math.Floor(t*c.rate + offsetEpsilon))
	return min(max(idx, 0), len(c.samples))
}

// TimeOf maps a sample index to seconds. index == Len() is the channel end.
func (r *Recording) TimeOf(channel string, index int) (float64, error) {
	ch, err := r.Channel(channel)
	if err != nil {
		return 0, err
	}
	if index < 0 || index > len(ch.samples) {
		return 0, &OutOfRangeError{Channel: channel, Index: index, Span: r.Span()}
	}
	return float64(index) / ch.rate, nil
}

// CheckRange validates [start, end) against the span and then the gaps.
func (r *Recording) CheckRange(start, end float64) error {
	req := timespan.New(start, end)
	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || start >= end {
		return &OutOfRangeError{Time: start, Index: -1, Span: r.Span()}
	}
	if end > r.duration {
		return &OutOfRangeError{Time: end, Index: -1, Span: r.Span()}
	}
	for _, g := range r.gaps {
		if g.Overlaps(req) {
			return &GapError{Requested: req, Gap: g}
		}
	}
	return nil
}

// CheckChannels is CheckRange for the named channels: a range reaching past
// the last sample of a short channel fails with GapError.
func (r *Recording) CheckChannels(channels []string, start, end float64) error {
	if err := r.CheckRange(start, end); err != nil {
		return err
	}
	req := timespan.New(start, end)
	for _, name := range channels {
		ch, err := r.Channel(name)
		if err != nil {
			return err
		}
		if tail, ok := r.tail(ch); ok && tail.Overlaps(req) && end > tail.Start+offsetEpsilon {
			return &GapError{Requested: req, Gap: tail}
		}
	}
	return nil
}

// Usable returns the gap-free parts of [start, end) clipped to the span.
func (r *Recording) Usable(start, end float64) []timespan.Interval {
	req, ok := timespan.New(start, end).Intersect(r.Span())
	if !ok {
		return nil
	}
	return timespan.Subtract(req, r.gaps)
}

// Range returns samples [start, end) of one channel after CheckRange succeeds.
func (r *Recording) Range(channel string, start, end float64) ([]float64, error) {
	ch, err := r.Channel(channel)
	if err != nil {
		return nil, err
	}
	if err := r.CheckChannels([]string{channel}, start, end); err != nil {
		return nil, err
	}
	return ch.Samples(ch.offset(start), ch.offset(end)), nil
}

func (r *Recording) String() string {
	return fmt.Sprintf("recording %s (%d channels, %gs)", r.id, len(r.channels), r.duration)
}
