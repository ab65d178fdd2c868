// Package merge folds detector candidates into an annotation set. Manual
// scoring always wins and re-merging the same detector output changes nothing.
package merge

import (
	"slices"
	"time"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/observability/metrics"
)

// Discard reasons.
const (
	// ReasonManual: the candidate overlaps a manual event of the same type and channel.
	ReasonManual = "manual_priority"
	// ReasonDuplicate: the candidate overlaps an event of the same type and
	// channel from the same detector version, already stored or accepted earlier
	// in the same merge.
	ReasonDuplicate = "duplicate"
)

// Discard records a candidate that was not stored.
type Discard struct {
	Event  annotation.Event `json:"event"`
	Reason string           `json:"reason"`
	// Against is the ID of the stored event that won, empty when the candidate
	// lost to another candidate of the same merge.
	Against string `json:"against,omitempty"`
}

// Outcome is the pure result of Resolve.
type Outcome struct {
	Accepted  []annotation.Event `json:"accepted"`
	Discarded []Discard          `json:"discarded"`
}

// Resolve decides which candidates survive against existing events. It does
// not touch any store. Candidates are sorted canonically first so input order
// never changes the outcome.
func Resolve(existing, candidates []annotation.Event) Outcome {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, annotation.CompareCanonical)

	out := Outcome{
		Accepted:  make([]annotation.Event, 0, len(sorted)),
		Discarded: []Discard{},
	}
	for _, c := range sorted {
		if d, lost := against(existing, c); lost {
			out.Discarded = append(out.Discarded, d)
			continue
		}
		if blockedBy(out.Accepted, c) {
			out.Discarded = append(out.Discarded, Discard{Event: c, Reason: ReasonDuplicate})
			continue
		}
		out.Accepted = append(out.Accepted, c)
	}
	return out
}

func sameTarget(a, b *annotation.Event) bool {
	return a.Type == b.Type && a.Channel == b.Channel && a.Overlaps(b.Interval)
}

// against checks c against stored events. A manual overlap beats a duplicate
// one; automatic events of other detectors never conflict.
func against(existing []annotation.Event, c annotation.Event) (Discard, bool) {
	var dup *annotation.Event
	for i := range existing {
		e := &existing[i]
		if !sameTarget(e, &c) {
			continue
		}
		if e.Provenance.IsManual() {
			return Discard{Event: c, Reason: ReasonManual, Against: e.ID}, true
		}
		if dup == nil && e.Provenance == c.Provenance {
			dup = e
		}
	}
	if dup != nil {
		return Discard{Event: c, Reason: ReasonDuplicate, Against: dup.ID}, true
	}
	return Discard{}, false
}

func blockedBy(accepted []annotation.Event, c annotation.Event) bool {
	for i := range accepted {
		if accepted[i].Provenance == c.Provenance && sameTarget(&accepted[i], &c) {
			return true
		}
	}
	return false
}

// Candidates is detector output ready for merging.
type Candidates struct {
	Events []annotation.Event
	// Epochs go into the store as is; an overlap fails the whole merge.
	Epochs []annotation.Epoch
}

// Report summarises one Merge.
type Report struct {
	// Accepted holds the IDs assigned to stored candidates, in canonical order.
	Accepted    []string  `json:"accepted"`
	Discarded   []Discard `json:"discarded"`
	EpochsAdded int       `json:"epochs_added"`
}

// Resolver merges candidates into annotation sets.
type Resolver struct {
	recorder metrics.ScoringRecorder
	log      logger.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.ScoringRecorder) Option {
	return func(r *Resolver) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// NewResolver returns a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{recorder: metrics.NewNoOpRecorder(), log: GetLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge stores the surviving candidates and epochs in one transaction. Any
// store error, such as an epoch OverlapError, is returned unchanged and leaves
// the set as it was.
func (r *Resolver) Merge(set *annotation.Set, c Candidates) (Report, error) {
	return r.MergeWith(set, c, nil)
}

// MergeWith is Merge with a commit step run before the transaction applies;
// see annotation.Set.UpdateWith. A commit error rolls the merge back.
func (r *Resolver) MergeWith(set *annotation.Set, c Candidates, commit annotation.CommitFunc) (Report, error) {
	started := time.Now()
	var report Report

	err := set.UpdateWith(func(tx *annotation.Tx) error {
		report = Report{}
		for _, ep := range c.Epochs {
			if err := tx.AddEpoch(ep); err != nil {
				return err
			}
			report.EpochsAdded++
		}

		outcome := Resolve(tx.QueryEvents(annotation.EventQuery{}), c.Events)
		report.Accepted = make([]string, 0, len(outcome.Accepted))
		for _, ev := range outcome.Accepted {
			id, err := tx.AddEvent(ev)
			if err != nil {
				return err
			}
			report.Accepted = append(report.Accepted, id)
		}
		report.Discarded = outcome.Discarded
		return nil
	}, commit)

	r.recorder.RecordDuration(metrics.OpMerge, time.Since(started).Seconds())
	if err != nil {
		r.recorder.RecordOperation(metrics.OpMerge, metrics.StatusError)
		r.recorder.RecordError(metrics.OpMerge, string(errors.CategoryOf(err)))
		r.log.Warn("merge rolled back",
			logger.String("recording_id", set.RecordingID()),
			logger.Error(err))
		return Report{}, err
	}

	manual, dup := 0, 0
	for _, d := range report.Discarded {
		if d.Reason == ReasonManual {
			manual++
		} else {
			dup++
		}
	}
	r.recorder.RecordOperation(metrics.OpMerge, metrics.StatusSuccess)
	r.recorder.RecordMergeOutcome(metrics.MergeAccepted, len(report.Accepted))
	r.recorder.RecordMergeOutcome(metrics.MergeDiscardedManual, manual)
	r.recorder.RecordMergeOutcome(metrics.MergeDiscardedDuplicate, dup)
	r.recorder.RecordMergeOutcome(metrics.MergeEpochAdded, report.EpochsAdded)

	r.log.Info("candidates merged",
		logger.String("recording_id", set.RecordingID()),
		logger.Int("accepted", len(report.Accepted)),
		logger.Int("discarded_manual", manual),
		logger.Int("discarded_duplicate", dup),
		logger.Int("epochs_added", report.EpochsAdded))
	return report, nil
}
