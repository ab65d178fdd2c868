package detector

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/observability/metrics"
	"github.com/tphakala/psgscore/internal/timespan"
	"github.com/tphakala/psgscore/internal/window"
)

// boundaryEpsilon absorbs float noise when comparing detection bounds with window bounds.
const boundaryEpsilon = 1e-9

// Diagnostic reasons.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonRejected         = "rejected_detection"
	ReasonWindowError      = "window_error"
)

// Diagnostic is a non-fatal problem found while scanning one window.
type Diagnostic struct {
	Window  timespan.Interval `json:"window"`
	Reason  string            `json:"reason"`
	Message string            `json:"message"`
	Err     error             `json:"-"`
}

// Result is the output of one Run.
type Result struct {
	Algorithm  string                `json:"algorithm"`
	Version    string                `json:"version"`
	Provenance annotation.Provenance `json:"provenance"`
	Range      timespan.Interval     `json:"range"`
	// Events are candidates without IDs, in canonical order.
	Events      []annotation.Event `json:"events"`
	Diagnostics []Diagnostic       `json:"diagnostics,omitempty"`
	// Windows counts the gap-free pieces handed to the algorithm.
	Windows int `json:"windows"`
}

// Runner executes detectors over window sources.
type Runner struct {
	registry *Registry
	recorder metrics.ScoringRecorder
	log      logger.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.ScoringRecorder) RunnerOption {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRunner returns a runner resolving algorithms in registry.
func NewRunner(registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		recorder: metrics.NewNoOpRecorder(),
		log:      GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the runner resolves algorithms in.
func (r *Runner) Registry() *Registry { return r.registry }

// Run scans the configured range of src and returns candidate events.
// Identical inputs produce identical results. Cancellation is checked between
// windows; a cancelled run returns no events.
func (r *Runner) Run(ctx context.Context, cfg Config, src window.Source) (*Result, error) {
	started := time.Now()
	res, err := r.run(ctx, cfg, src)

	r.recorder.RecordDuration(metrics.OpScan, time.Since(started).Seconds())
	switch {
	case err == nil:
		r.recorder.RecordOperation(metrics.OpScan, metrics.StatusSuccess)
	case errors.IsCategory(err, errors.CategoryCancellation):
		r.recorder.RecordOperation(metrics.OpScan, metrics.StatusCancelled)
	default:
		r.recorder.RecordOperation(metrics.OpScan, metrics.StatusError)
		r.recorder.RecordError(metrics.OpScan, string(errors.CategoryOf(err)))
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, cfg Config, src window.Source) (*Result, error) {
	alg, err := r.registry.Lookup(cfg.Algorithm, cfg.Version)
	if err != nil {
		return nil, err
	}
	rng, err := cfg.validate(alg, src.Span())
	if err != nil {
		return nil, err
	}

	gaps := timespan.Coalesce(src.Gaps(cfg.Channels...))
	if longest := timespan.Longest(timespan.Subtract(rng, gaps)); longest.Duration() < alg.MinWindow()-boundaryEpsilon {
		return nil, &InsufficientDataError{
			Algorithm: alg.Name(),
			Required:  alg.MinWindow(),
			Available: longest.Duration(),
		}
	}

	name, version := alg.Name(), alg.Version()
	res := &Result{
		Algorithm:  name,
		Version:    version,
		Provenance: annotation.Automatic(name, version),
		Range:      rng,
	}
	log := r.log.With(
		logger.String("algorithm", string(res.Provenance)),
		logger.String("range", rng.String()),
	)
	log.Debug("detector run started",
		logger.Int("channels", len(cfg.Channels)),
		logger.Float64("window", cfg.Window),
		logger.Float64("overlap", cfg.Overlap))

	channels := slices.Clone(cfg.Channels)
	params := cfg.Params.Clone()
	transform := cfg.transform()
	step := cfg.Window - cfg.Overlap

	var candidates []annotation.Event
	skipped, rejected := 0, 0
	for k := 0; ; k++ {
		start := rng.Start + float64(k)*step
		if start >= rng.End-boundaryEpsilon {
			break
		}
		if err := ctx.Err(); err != nil {
			log.Info("detector run cancelled", logger.Int("windows", res.Windows))
			return nil, errors.New(err).
				Component("detector").
				Category(errors.CategoryCancellation).
				Context("algorithm", string(res.Provenance)).
				Build()
		}

		win := timespan.New(start, min(start+cfg.Window, rng.End))
		for _, piece := range timespan.Subtract(win, gaps) {
			if piece.Duration() < alg.MinWindow()-boundaryEpsilon {
				skipped++
				res.Diagnostics = append(res.Diagnostics, diagnostic(piece, ReasonInsufficientData, &InsufficientDataError{
					Algorithm: name,
					Required:  alg.MinWindow(),
					Available: piece.Duration(),
					Window:    piece,
				}))
				continue
			}

			found, bounds, err := r.detectPiece(alg, channels, params, transform, src, piece)
			if err != nil {
				if !errors.IsRecoverable(err) {
					return nil, fmt.Errorf("%s window %s: %w", res.Provenance, piece, err)
				}
				skipped++
				res.Diagnostics = append(res.Diagnostics, diagnostic(piece, ReasonWindowError, err))
				continue
			}
			res.Windows++

			for _, d := range found {
				if reason := checkDetection(d, bounds, channels); reason != "" {
					rejected++
					res.Diagnostics = append(res.Diagnostics, diagnostic(piece, ReasonRejected, errors.NewStd(reason)))
					continue
				}
				clipped, ok := d.Interval.Intersect(piece)
				if !ok {
					rejected++
					res.Diagnostics = append(res.Diagnostics, diagnostic(piece, ReasonRejected,
						errors.NewStd(fmt.Sprintf("detection %s outside window %s", d.Interval, piece))))
					continue
				}
				d.Interval = clipped
				candidates = append(candidates, candidateEvent(d, cfg.EventType, name, res.Provenance))
			}
		}
		if win.End >= rng.End {
			break
		}
	}

	res.Events = canonicalize(candidates)

	r.recorder.RecordWindows(name, metrics.WindowProcessed, res.Windows)
	r.recorder.RecordWindows(name, metrics.WindowSkipped, skipped)
	r.recorder.RecordWindows(name, metrics.WindowRejected, rejected)
	r.recorder.RecordCandidates(name, len(res.Events))

	log.Info("detector run finished",
		logger.Int("windows", res.Windows),
		logger.Int("skipped", skipped),
		logger.Int("rejected", rejected),
		logger.Int("candidates", len(res.Events)))
	return res, nil
}

// detectPiece runs the algorithm on one gap-free piece. bounds is the piece
// widened to the sample grid, since column 0 may sit slightly before piece.Start.
func (r *Runner) detectPiece(alg Algorithm, channels []string, params Params, transform window.Transform, src window.Source, piece timespan.Interval) (found []Detection, bounds timespan.Interval, err error) {
	m, err := src.Extract(channels, piece.Start, piece.End)
	if err != nil {
		return nil, piece, err
	}
	grid := m.Span()
	bounds = timespan.New(min(piece.Start, grid.Start), max(piece.End, grid.End))
	if transform != nil {
		if m, err = transform.Apply(m); err != nil {
			return nil, bounds, err
		}
	}
	found, err = alg.Detect(m, params)
	return found, bounds, err
}

func diagnostic(w timespan.Interval, reason string, err error) Diagnostic {
	return Diagnostic{Window: w, Reason: reason, Message: err.Error(), Err: err}
}

// checkDetection returns why d is unusable, or "" when it is fine.
func checkDetection(d Detection, bounds timespan.Interval, channels []string) string {
	switch {
	case !slices.Contains(channels, d.Channel):
		return fmt.Sprintf("detection on channel %q outside the window", d.Channel)
	case !(d.Interval.Start < d.Interval.End):
		return fmt.Sprintf("detection interval %s is empty", d.Interval)
	case d.Interval.Start < bounds.Start-boundaryEpsilon || d.Interval.End > bounds.End+boundaryEpsilon:
		return fmt.Sprintf("detection %s outside window %s", d.Interval, bounds)
	case d.Confidence != nil && (math.IsNaN(*d.Confidence) || *d.Confidence < 0 || *d.Confidence > 1):
		return fmt.Sprintf("detection confidence %g outside [0,1]", *d.Confidence)
	}
	return ""
}

// candidateEvent tags a detection. The configured event type wins over the
// algorithm's own; the algorithm name is the last resort.
func candidateEvent(d Detection, eventType, algorithm string, prov annotation.Provenance) annotation.Event {
	typ := cmp.Or(eventType, d.Type, algorithm)
	ev := annotation.Event{
		Channel:    d.Channel,
		Interval:   d.Interval,
		Type:       typ,
		Provenance: prov,
	}
	if d.Confidence != nil {
		ev.Confidence = annotation.Confidence(*d.Confidence)
	}
	return ev
}

type candidateKey struct {
	channel, typ string
	start, end   float64
}

// canonicalize drops exact duplicates, keeping the most confident one, and
// sorts by start, channel, end, type and descending confidence.
func canonicalize(events []annotation.Event) []annotation.Event {
	best := make(map[candidateKey]int, len(events))
	out := make([]annotation.Event, 0, len(events))
	for _, ev := range events {
		key := candidateKey{ev.Channel, ev.Type, ev.Start, ev.End}
		if i, ok := best[key]; ok {
			if ev.ConfidenceOr(-1) > out[i].ConfidenceOr(-1) {
				out[i] = ev
			}
			continue
		}
		best[key] = len(out)
		out = append(out, ev)
	}
	slices.SortFunc(out, annotation.CompareCanonical)
	return out
}
