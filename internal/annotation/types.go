package annotation

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

// StageUnscored is the stage of epochs nobody has scored yet. It is valid in every taxonomy.
const StageUnscored = "Unscored"

// Provenance tells manual annotations apart from detector output. Detector
// provenance has the form "<algorithm>@<version>".
type Provenance string

// ProvenanceManual marks annotations entered by a person.
const ProvenanceManual Provenance = "manual"

// Automatic returns the provenance tag of a detector.
func Automatic(algorithm, version string) Provenance {
	return Provenance(algorithm + "@" + version)
}

// IsManual reports whether p is ProvenanceManual.
func (p Provenance) IsManual() bool { return p == ProvenanceManual }

// Detector splits an automatic provenance into algorithm name and version.
func (p Provenance) Detector() (name, version string, ok bool) {
	if p.IsManual() {
		return "", "", false
	}
	return strings.Cut(string(p), "@")
}

// Epoch is a scored interval carrying a stage label.
type Epoch struct {
	timespan.Interval `yaml:",inline"`
	Stage             string `json:"stage" yaml:"stage"`
}

// Event is a manual or detected occurrence on one channel.
type Event struct {
	ID                string `json:"id" yaml:"id"`
	Channel           string `json:"channel" yaml:"channel"`
	timespan.Interval `yaml:",inline"`
	Type              string     `json:"type" yaml:"type"`
	Provenance        Provenance `json:"provenance" yaml:"provenance"`
	// Confidence is in [0,1]; nil when the source gives none.
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`

	seq uint64
}

// clone copies the event including its confidence value.
func (e Event) clone() Event {
	if e.Confidence != nil {
		c := *e.Confidence
		e.Confidence = &c
	}
	return e
}

// ConfidenceOr returns the confidence or def when unset.
func (e Event) ConfidenceOr(def float64) float64 {
	if e.Confidence == nil {
		return def
	}
	return *e.Confidence
}

// Confidence returns a pointer to c, for building events.
func Confidence(c float64) *float64 { return &c }

// compareEvents is the query order: start, channel, insertion order.
func compareEvents(a, b *Event) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	if c := strings.Compare(a.Channel, b.Channel); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// CompareCanonical orders events by start, channel, end, type and descending
// confidence. IDs and insertion order are ignored, so detector output sorts
// the same way on every run.
func CompareCanonical(a, b Event) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	if c := strings.Compare(a.Channel, b.Channel); c != 0 {
		return c
	}
	if c := cmp.Compare(a.End, b.End); c != 0 {
		return c
	}
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(b.ConfidenceOr(-1), a.ConfidenceOr(-1))
}

// Taxonomy lists the allowed stage labels and event types. An empty list
// accepts any non-empty value.
type Taxonomy struct {
	Stages     []string `json:"stages" yaml:"stages" mapstructure:"stages"`
	EventTypes []string `json:"event_types" yaml:"event_types" mapstructure:"event_types"`
}

// ValidStage reports whether stage is allowed.
func (t Taxonomy) ValidStage(stage string) bool {
	if stage == StageUnscored {
		return true
	}
	return stage != "" && (len(t.Stages) == 0 || slices.Contains(t.Stages, stage))
}

// ValidEventType reports whether typ is allowed.
func (t Taxonomy) ValidEventType(typ string) bool {
	return typ != "" && (len(t.EventTypes) == 0 || slices.Contains(t.EventTypes, typ))
}

// Marker is a named point or span on the recording, optionally tied to one
// channel. Point markers have Start == End.
type Marker struct {
	Name              string `json:"name" yaml:"name"`
	timespan.Interval `yaml:",inline"`
	Channel           string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// compareMarkers orders markers by start, end, name and channel.
func compareMarkers(a, b Marker) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	if c := cmp.Compare(a.End, b.End); c != 0 {
		return c
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return strings.Compare(a.Channel, b.Channel)
}

// MarkerQuery filters markers. Zero fields match everything. Range bounds are
// inclusive so that point markers on its edges match.
type MarkerQuery struct {
	Range   *timespan.Interval
	Name    string
	Channel string
}

func (q MarkerQuery) match(m Marker) bool {
	return (q.Range == nil || (m.Start <= q.Range.End && m.End >= q.Range.Start)) &&
		(q.Name == "" || q.Name == m.Name) &&
		(q.Channel == "" || q.Channel == m.Channel)
}

// EventQuery filters QueryEvents. Zero fields match everything.
type EventQuery struct {
	Range   *timespan.Interval
	Type    string
	Channel string
}

func (q EventQuery) match(e *Event) bool {
	return (q.Range == nil || q.Range.Overlaps(e.Interval)) &&
		(q.Type == "" || q.Type == e.Type) &&
		(q.Channel == "" || q.Channel == e.Channel)
}

// OverlapError reports an epoch that overlaps one already in the set. It is
// recoverable: remove or resize the existing epoch first.
type OverlapError struct {
	New      Epoch
	Existing Epoch
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("epoch %s overlaps existing epoch %s (%s)", e.New.Interval, e.Existing.Interval, e.Existing.Stage)
}

func (e *OverlapError) ErrorCategory() errors.ErrorCategory { return errors.CategoryOverlap }
