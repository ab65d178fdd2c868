package detector

import (
	"math"

	"github.com/tphakala/psgscore/internal/timespan"
	"github.com/tphakala/psgscore/internal/window"
)

// Built-in detectors. None of them ship default thresholds: required
// parameters must come from the config.

// run is a half-open range of matrix columns.
type run struct{ start, end int }

// runsWhere returns the maximal runs of columns where keep holds.
func runsWhere(n int, keep func(j int) bool) []run {
	var out []run
	start := -1
	for j := range n {
		switch {
		case keep(j) && start < 0:
			start = j
		case !keep(j) && start >= 0:
			out = append(out, run{start, j})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, run{start, n})
	}
	return out
}

// joinRuns merges runs separated by fewer than gap columns.
func joinRuns(runs []run, gap int) []run {
	if gap <= 0 || len(runs) < 2 {
		return runs
	}
	out := []run{runs[0]}
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if r.start-last.end < gap {
			last.end = r.end
			continue
		}
		out = append(out, r)
	}
	return out
}

// durationBounds holds min_duration and the optional max_duration (0 = unlimited).
type durationBounds struct{ min, max float64 }

func (b durationBounds) accept(seconds float64) bool {
	return seconds >= b.min-boundaryEpsilon && (b.max == 0 || seconds <= b.max+boundaryEpsilon)
}

func readDurations(c *paramCheck) durationBounds {
	b := durationBounds{min: c.required("min_duration"), max: c.optional("max_duration", 0)}
	if b.max > 0 && b.max < b.min {
		c.problems = append(c.problems, "max_duration must not be shorter than min_duration")
	}
	return b
}

func interval(m *window.Matrix, r run) timespan.Interval {
	return timespan.New(m.TimeAt(r.start), m.TimeAt(r.end))
}

func seconds(m *window.Matrix, r run) float64 {
	return float64(r.end-r.start) / m.Rate
}

// Amplitude marks runs where the absolute amplitude reaches a threshold.
//
// Parameters: threshold, min_duration (required); max_duration, merge_gap (seconds, optional).
type Amplitude struct{}

func (Amplitude) Name() string       { return "amplitude" }
func (Amplitude) Version() string    { return "1.0" }
func (Amplitude) MinWindow() float64 { return 0.5 }
func (Amplitude) MinChannels() int   { return 1 }

type amplitudeParams struct {
	threshold float64
	durations durationBounds
	mergeGap  float64
}

func (a Amplitude) params(p Params) (amplitudeParams, error) {
	c := checkParams(a.Name(), p)
	out := amplitudeParams{
		threshold: c.required("threshold"),
		durations: readDurations(c),
		mergeGap:  c.optional("merge_gap", 0),
	}
	return out, c.err()
}

func (a Amplitude) ValidateParams(p Params) error {
	_, err := a.params(p)
	return err
}

func (a Amplitude) Detect(m *window.Matrix, p Params) ([]Detection, error) {
	cfg, err := a.params(p)
	if err != nil {
		return nil, err
	}
	gap := int(math.Round(cfg.mergeGap * m.Rate))

	var out []Detection
	for i, row := range m.Data {
		runs := runsWhere(len(row), func(j int) bool { return math.Abs(row[j]) >= cfg.threshold })
		for _, r := range joinRuns(runs, gap) {
			if cfg.durations.accept(seconds(m, r)) {
				out = append(out, Detection{Channel: m.Channels[i], Interval: interval(m, r)})
			}
		}
	}
	return out, nil
}

// Envelope marks runs where the moving RMS exceeds a multiple of the window's
// mean RMS. Confidence grows with the peak RMS over the limit.
//
// Parameters: rms_window (seconds), threshold (ratio), min_duration (required); max_duration (optional).
type Envelope struct{}

func (Envelope) Name() string       { return "envelope" }
func (Envelope) Version() string    { return "1.0" }
func (Envelope) MinWindow() float64 { return 1 }
func (Envelope) MinChannels() int   { return 1 }

type envelopeParams struct {
	rmsWindow float64
	threshold float64
	durations durationBounds
}

func (e Envelope) params(p Params) (envelopeParams, error) {
	c := checkParams(e.Name(), p)
	out := envelopeParams{
		rmsWindow: c.required("rms_window"),
		threshold: c.required("threshold"),
		durations: readDurations(c),
	}
	return out, c.err()
}

func (e Envelope) ValidateParams(p Params) error {
	_, err := e.params(p)
	return err
}

func (e Envelope) Detect(m *window.Matrix, p Params) ([]Detection, error) {
	cfg, err := e.params(p)
	if err != nil {
		return nil, err
	}
	width := max(1, int(math.Round(cfg.rmsWindow*m.Rate)))

	var out []Detection
	for i, row := range m.Data {
		rms := movingRMS(row, width)
		mean := 0.0
		for _, v := range rms {
			mean += v
		}
		if len(rms) == 0 || mean <= 0 {
			continue
		}
		mean /= float64(len(rms))
		limit := cfg.threshold * mean

		for _, r := range runsWhere(len(rms), func(j int) bool { return rms[j] > limit }) {
			if !cfg.durations.accept(seconds(m, r)) {
				continue
			}
			peak := 0.0
			for _, v := range rms[r.start:r.end] {
				peak = max(peak, v)
			}
			conf := 1 - limit/peak
			out = append(out, Detection{Channel: m.Channels[i], Interval: interval(m, r), Confidence: &conf})
		}
	}
	return out, nil
}

// movingRMS returns the RMS over a centred window of width samples, shrunk at the edges.
func movingRMS(x []float64, width int) []float64 {
	sums := make([]float64, len(x)+1)
	for i, v := range x {
		sums[i+1] = sums[i] + v*v
	}
	out := make([]float64, len(x))
	for i := range x {
		lo := max(0, i-width/2)
		hi := min(len(x), lo+width)
		out[i] = math.Sqrt(max(0, sums[hi]-sums[lo]) / float64(hi-lo))
	}
	return out
}

// Flatline marks runs where the signal's peak-to-peak range stays below a
// threshold, which usually means a detached electrode.
//
// Parameters: threshold, min_duration (required).
type Flatline struct{}

func (Flatline) Name() string       { return "flatline" }
func (Flatline) Version() string    { return "1.0" }
func (Flatline) MinWindow() float64 { return 1 }
func (Flatline) MinChannels() int   { return 1 }

type flatlineParams struct {
	threshold   float64
	minDuration float64
}

func (f Flatline) params(p Params) (flatlineParams, error) {
	c := checkParams(f.Name(), p)
	out := flatlineParams{
		threshold:   c.required("threshold"),
		minDuration: c.required("min_duration"),
	}
	return out, c.err()
}

func (f Flatline) ValidateParams(p Params) error {
	_, err := f.params(p)
	return err
}

func (f Flatline) Detect(m *window.Matrix, p Params) ([]Detection, error) {
	cfg, err := f.params(p)
	if err != nil {
		return nil, err
	}

	var out []Detection
	for i, row := range m.Data {
		for _, r := range flatRuns(row, cfg.threshold) {
			if seconds(m, r) >= cfg.minDuration-boundaryEpsilon {
				out = append(out, Detection{Channel: m.Channels[i], Interval: interval(m, r)})
			}
		}
	}
	return out, nil
}

// flatRuns splits x greedily into runs whose peak-to-peak range stays below
// threshold. A run ends at the first sample that would widen the range too far,
// and the next run starts there.
func flatRuns(x []float64, threshold float64) []run {
	var out []run
	start := 0
	for start < len(x) {
		if math.IsNaN(x[start]) {
			start++
			continue
		}
		lo, hi := x[start], x[start]
		end := start + 1
		for ; end < len(x); end++ {
			v := x[end]
			if math.IsNaN(v) || max(hi, v)-min(lo, v) >= threshold {
				break
			}
			lo, hi = min(lo, v), max(hi, v)
		}
		out = append(out, run{start, end})
		start = end
	}
	return out
}
