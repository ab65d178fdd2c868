package annotation

import (
	"fmt"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

// Record kinds.
const (
	KindEpoch  = "epoch"
	KindEvent  = "event"
	KindMarker = "marker"
)

// Record is the flat export form of one epoch, event or marker. Markers keep
// their name in Type.
type Record struct {
	Kind       string     `json:"kind" yaml:"kind"`
	ID         string     `json:"id,omitempty" yaml:"id,omitempty"`
	Channel    string     `json:"channel,omitempty" yaml:"channel,omitempty"`
	Start      float64    `json:"start" yaml:"start"`
	End        float64    `json:"end" yaml:"end"`
	Stage      string     `json:"stage,omitempty" yaml:"stage,omitempty"`
	Type       string     `json:"type,omitempty" yaml:"type,omitempty"`
	Provenance Provenance `json:"provenance,omitempty" yaml:"provenance,omitempty"`
	Confidence *float64   `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// EpochRecord flattens an epoch.
func EpochRecord(e Epoch) Record {
	return Record{Kind: KindEpoch, Start: e.Start, End: e.End, Stage: e.Stage}
}

// EventRecord flattens an event.
func EventRecord(e Event) Record {
	e = e.clone()
	return Record{
		Kind:       KindEvent,
		ID:         e.ID,
		Channel:    e.Channel,
		Start:      e.Start,
		End:        e.End,
		Type:       e.Type,
		Provenance: e.Provenance,
		Confidence: e.Confidence,
	}
}

// MarkerRecord flattens a marker.
func MarkerRecord(m Marker) Record {
	return Record{Kind: KindMarker, Channel: m.Channel, Start: m.Start, End: m.End, Type: m.Name}
}

// Epoch converts an epoch record back.
func (r Record) Epoch() Epoch {
	return Epoch{Interval: timespan.New(r.Start, r.End), Stage: r.Stage}
}

// Event converts an event record back.
func (r Record) Event() Event {
	return Event{
		ID:         r.ID,
		Channel:    r.Channel,
		Interval:   timespan.New(r.Start, r.End),
		Type:       r.Type,
		Provenance: r.Provenance,
		Confidence: r.Confidence,
	}.clone()
}

// Marker converts a marker record back.
func (r Record) Marker() Marker {
	return Marker{Name: r.Type, Interval: timespan.New(r.Start, r.End), Channel: r.Channel}
}

// Records returns epochs, then events, then markers, each in query order.
func (s *Set) Records() []Record {
	return s.Snapshot().Records()
}

// Records flattens the snapshot; see Set.Records.
func (snap Snapshot) Records() []Record {
	out := make([]Record, 0, len(snap.Epochs)+len(snap.Events)+len(snap.Markers))
	for _, e := range snap.Epochs {
		out = append(out, EpochRecord(e))
	}
	for _, e := range snap.Events {
		out = append(out, EventRecord(e))
	}
	for _, m := range snap.Markers {
		out = append(out, MarkerRecord(m))
	}
	return out
}

// FromRecords rebuilds a set from records in one transaction. Feeding it the
// output of Records reproduces the same ordered content. A version set with
// WithVersion survives the rebuild.
func FromRecords(recordingID string, records []Record, opts ...Option) (*Set, error) {
	s := New(recordingID, opts...)
	base := s.version
	err := s.Update(func(tx *Tx) error {
		return tx.AddRecords(records)
	})
	if err != nil {
		return nil, err
	}
	if base > 0 {
		s.version = base
	}
	return s, nil
}

// AddRecords inserts records in order; it is the transactional half of FromRecords.
func (tx *Tx) AddRecords(records []Record) error {
	for i, r := range records {
		var err error
		switch r.Kind {
		case KindEpoch:
			err = tx.AddEpoch(r.Epoch())
		case KindEvent:
			_, err = tx.AddEvent(r.Event())
		case KindMarker:
			err = tx.AddMarker(r.Marker())
		default:
			err = errors.Newf("unknown record kind %q", r.Kind).
				Component("annotation").
				Category(errors.CategoryFileParsing).
				Build()
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	return nil
}
