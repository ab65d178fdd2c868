package detector

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/recording"
	"github.com/tphakala/psgscore/internal/timespan"
	"github.com/tphakala/psgscore/internal/window"
)

// Config describes one detector run. Treat it as a value: the runner copies
// what it keeps.
type Config struct {
	Algorithm string   `json:"algorithm" yaml:"algorithm" mapstructure:"algorithm"`
	Version   string   `json:"version,omitempty" yaml:"version,omitempty" mapstructure:"version"`
	Channels  []string `json:"channels" yaml:"channels" mapstructure:"channels"`
	Params    Params   `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
	// Range is the scan range; nil scans the whole recording.
	Range *timespan.Interval `json:"range,omitempty" yaml:"range,omitempty" mapstructure:"range"`
	// Window and Overlap are in seconds.
	Window    float64 `json:"window" yaml:"window" mapstructure:"window"`
	Overlap   float64 `json:"overlap,omitempty" yaml:"overlap,omitempty" mapstructure:"overlap"`
	EventType string  `json:"event_type,omitempty" yaml:"event_type,omitempty" mapstructure:"event_type"`

	// AverageReference subtracts the mean of all channels before detection.
	AverageReference bool `json:"average_reference,omitempty" yaml:"average_reference,omitempty" mapstructure:"average_reference"`
	// Reference lists channels whose mean is subtracted before detection.
	// Reference channels must be part of Channels.
	Reference []string `json:"reference,omitempty" yaml:"reference,omitempty" mapstructure:"reference"`
	// Filter runs after the montage.
	Filter window.Transform `json:"-" yaml:"-" mapstructure:"-"`
}

// transform builds the montage and filter chain, nil when there is none.
func (c *Config) transform() window.Transform {
	var steps []window.Transform
	if len(c.Reference) > 0 {
		steps = append(steps, window.Rereference(c.Reference...))
	} else if c.AverageReference {
		steps = append(steps, window.AverageReference())
	}
	if c.Filter != nil {
		steps = append(steps, c.Filter)
	}
	if len(steps) == 0 {
		return nil
	}
	return window.Chain(steps...)
}

// validate checks the config against the algorithm and the source span and
// returns the effective scan range.
func (c *Config) validate(alg Algorithm, span timespan.Interval) (timespan.Interval, error) {
	var problems []string
	if len(c.Channels) == 0 {
		problems = append(problems, "no channels selected")
	}
	for i, ch := range c.Channels {
		if ch == "" {
			problems = append(problems, fmt.Sprintf("channel %d has an empty name", i))
		} else if slices.Index(c.Channels, ch) != i {
			problems = append(problems, fmt.Sprintf("channel %q selected twice", ch))
		}
	}
	for _, ref := range c.Reference {
		if !slices.Contains(c.Channels, ref) {
			problems = append(problems, fmt.Sprintf("reference channel %q is not among the selected channels", ref))
		}
	}
	if !(c.Window > 0) || math.IsInf(c.Window, 0) {
		problems = append(problems, "window must be a positive number of seconds")
	} else {
		if c.Overlap < 0 || !(c.Overlap < c.Window) {
			problems = append(problems, "overlap must satisfy 0 <= overlap < window")
		}
		if c.Window < alg.MinWindow() {
			problems = append(problems, fmt.Sprintf("window %gs is shorter than the %gs %s needs", c.Window, alg.MinWindow(), alg.Name()))
		}
	}
	if len(problems) > 0 {
		return timespan.Interval{}, errors.Newf("invalid detector config: %s", strings.Join(problems, "; ")).
			Component("detector").
			Category(errors.CategoryValidation).
			Context("algorithm", alg.Name()).
			Build()
	}

	if len(c.Channels) < alg.MinChannels() {
		return timespan.Interval{}, &InsufficientDataError{
			Algorithm: alg.Name(),
			Required:  float64(alg.MinChannels()),
			Available: float64(len(c.Channels)),
			Channels:  true,
		}
	}

	rng := span
	if c.Range != nil {
		rng = *c.Range
	}
	if !rng.Valid() {
		return timespan.Interval{}, errors.Newf("invalid scan range %s", rng).
			Component("detector").
			Category(errors.CategoryValidation).
			Build()
	}
	if !span.Covers(rng) {
		t := rng.Start
		if span.Contains(t) {
			t = rng.End
		}
		return timespan.Interval{}, &recording.OutOfRangeError{Time: t, Index: -1, Span: span}
	}

	if v, ok := alg.(ParamValidator); ok {
		if err := v.ValidateParams(c.Params); err != nil {
			return timespan.Interval{}, err
		}
	}
	return rng, nil
}
