package annotation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

// sequentialIDs returns a deterministic ID generator for tests.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("ev-%03d", n)
	}
}

func epoch(start, end float64, stage string) Epoch {
	return Epoch{Interval: timespan.New(start, end), Stage: stage}
}

func event(channel string, start, end float64, typ string, prov Provenance) Event {
	return Event{Channel: channel, Interval: timespan.New(start, end), Type: typ, Provenance: prov}
}

func TestAddEpochRejectsOverlap(t *testing.T) {
	t.Parallel()

	s := New("night1")
	require.NoError(t, s.AddEpoch(epoch(0, 30, "W")))
	require.NoError(t, s.AddEpoch(epoch(60, 90, "N2")))
	require.NoError(t, s.AddEpoch(epoch(30, 60, "N1")), "touching epochs do not overlap")

	err := s.AddEpoch(epoch(45, 75, "N3"))
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, epoch(30, 60, "N1"), overlap.Existing)
	assert.True(t, errors.IsRecoverable(err))

	got := s.QueryEpochs(nil)
	assert.Equal(t, []Epoch{epoch(0, 30, "W"), epoch(30, 60, "N1"), epoch(60, 90, "N2")}, got)
}

func TestEpochsNeverOverlapAfterAnySequence(t *testing.T) {
	t.Parallel()

	s := New("night1")
	starts := []float64{50, 10, 35, 0, 20, 44, 5, 70, 65, 29.5}
	for _, st := range starts {
		_ = s.AddEpoch(epoch(st, st+12, ""))
	}

	epochs := s.QueryEpochs(nil)
	require.NotEmpty(t, epochs)
	for i := 1; i < len(epochs); i++ {
		assert.LessOrEqual(t, epochs[i-1].End, epochs[i].Start)
	}
	for _, e := range epochs {
		assert.Equal(t, StageUnscored, e.Stage)
	}
}

func TestEpochValidationAndTaxonomy(t *testing.T) {
	t.Parallel()

	s := New("night1", WithTaxonomy(Taxonomy{Stages: []string{"W", "N1", "N2", "N3", "REM"}}))

	assert.True(t, errors.IsCategory(s.AddEpoch(epoch(10, 10, "W")), errors.CategoryValidation))
	assert.True(t, errors.IsCategory(s.AddEpoch(epoch(-1, 10, "W")), errors.CategoryValidation))
	assert.True(t, errors.IsCategory(s.AddEpoch(epoch(0, 30, "S4")), errors.CategoryValidation))
	require.NoError(t, s.AddEpoch(epoch(0, 30, StageUnscored)))
	assert.Equal(t, uint64(1), s.Version())
}

func TestQueryEpochsRange(t *testing.T) {
	t.Parallel()

	s := New("night1")
	require.NoError(t, s.CreateEpochs(timespan.New(0, 100), 30))

	rng := timespan.New(30, 61)
	got := s.QueryEpochs(&rng)
	assert.Equal(t, []Epoch{epoch(30, 60, StageUnscored), epoch(60, 90, StageUnscored)}, got)

	empty := timespan.New(200, 300)
	assert.Empty(t, s.QueryEpochs(&empty))
}

func TestCreateEpochs(t *testing.T) {
	t.Parallel()

	s := New("night1")
	require.NoError(t, s.CreateEpochs(timespan.New(0, 100), 30))

	got := s.QueryEpochs(nil)
	require.Len(t, got, 4)
	assert.Equal(t, epoch(90, 100, StageUnscored), got[3], "last epoch is truncated at the span end")

	// Overlapping span adds nothing.
	err := s.CreateEpochs(timespan.New(80, 200), 30)
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Len(t, s.QueryEpochs(nil), 4)

	require.Error(t, s.CreateEpochs(timespan.New(100, 200), 0))
}

func TestSetStageRemoveEpochTimeInStage(t *testing.T) {
	t.Parallel()

	s := New("night1", WithTaxonomy(Taxonomy{Stages: []string{"W", "N2"}}))
	require.NoError(t, s.CreateEpochs(timespan.New(0, 120), 30))

	require.NoError(t, s.SetStage(30, "N2"))
	require.NoError(t, s.SetStage(60, "N2"))
	require.NoError(t, s.SetStage(0, "W"))
	assert.True(t, errors.IsCategory(s.SetStage(90, "REM"), errors.CategoryValidation))
	assert.True(t, errors.IsNotFound(s.SetStage(15, "W")))

	assert.InDelta(t, 60.0, s.TimeInStage("N2"), 1e-9)
	assert.InDelta(t, 30.0, s.TimeInStage(StageUnscored), 1e-9)

	require.NoError(t, s.RemoveEpoch(60))
	assert.InDelta(t, 30.0, s.TimeInStage("N2"), 1e-9)
	assert.True(t, errors.IsNotFound(s.RemoveEpoch(60)))
}

func TestAddEventAssignsStableIDs(t *testing.T) {
	t.Parallel()

	s := New("night1", WithIDGenerator(sequentialIDs()))

	id1, err := s.AddEvent(event("C3", 12.1, 12.4, "spindle", ProvenanceManual))
	require.NoError(t, err)
	assert.Equal(t, "ev-001", id1)

	id2, err := s.AddEvent(Event{ID: "mine", Channel: "C4", Interval: timespan.New(1, 2), Type: "arousal"})
	require.NoError(t, err)
	assert.Equal(t, "mine", id2)

	got, ok := s.Event("mine")
	require.True(t, ok)
	assert.Equal(t, ProvenanceManual, got.Provenance, "empty provenance defaults to manual")

	_, err = s.AddEvent(Event{ID: "mine", Channel: "C4", Interval: timespan.New(3, 4), Type: "arousal"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestAddEventValidation(t *testing.T) {
	t.Parallel()

	s := New("night1", WithTaxonomy(Taxonomy{EventTypes: []string{"spindle"}}))

	tests := []struct {
		name string
		ev   Event
	}{
		{"no channel", event("", 1, 2, "spindle", ProvenanceManual)},
		{"no type", event("C3", 1, 2, "", ProvenanceManual)},
		{"empty interval", event("C3", 2, 2, "spindle", ProvenanceManual)},
		{"unknown type", event("C3", 1, 2, "k-complex", ProvenanceManual)},
		{"confidence too high", Event{Channel: "C3", Interval: timespan.New(1, 2), Type: "spindle", Confidence: Confidence(1.2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddEvent(tt.ev)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
		})
	}
	assert.Empty(t, s.QueryEvents(EventQuery{}))
}

func TestQueryEventsOrderAndFilters(t *testing.T) {
	t.Parallel()

	s := New("night1", WithIDGenerator(sequentialIDs()))
	auto := Automatic("envelope", "1.0")
	for _, e := range []Event{
		event("C4", 10, 11, "spindle", auto),           // ev-001
		event("C3", 10, 10.5, "spindle", auto),         // ev-002
		event("C3", 5, 6, "arousal", ProvenanceManual), // ev-003
		event("C3", 10, 12, "k-complex", auto),         // ev-004
		event("C4", 30, 31, "spindle", auto),           // ev-005
	} {
		_, err := s.AddEvent(e)
		require.NoError(t, err)
	}

	ids := func(events []Event) []string {
		out := make([]string, len(events))
		for i, e := range events {
			out[i] = e.ID
		}
		return out
	}

	assert.Equal(t, []string{"ev-003", "ev-002", "ev-004", "ev-001", "ev-005"}, ids(s.QueryEvents(EventQuery{})))

	rng := timespan.New(10.5, 30)
	assert.Equal(t, []string{"ev-004", "ev-001"}, ids(s.QueryEvents(EventQuery{Range: &rng})))
	assert.Equal(t, []string{"ev-002", "ev-001", "ev-005"}, ids(s.QueryEvents(EventQuery{Type: "spindle"})))
	assert.Equal(t, []string{"ev-003", "ev-002", "ev-004"}, ids(s.QueryEvents(EventQuery{Channel: "C3"})))

	assert.Equal(t, []string{"arousal", "k-complex", "spindle"}, s.EventTypes())
}

func TestRemoveEvent(t *testing.T) {
	t.Parallel()

	s := New("night1")
	id, err := s.AddEvent(event("C3", 1, 2, "arousal", ProvenanceManual))
	require.NoError(t, err)

	require.NoError(t, s.RemoveEvent(id))
	assert.Empty(t, s.QueryEvents(EventQuery{}))

	err = s.RemoveEvent(id)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestReadersGetCopies(t *testing.T) {
	t.Parallel()

	s := New("night1")
	_, err := s.AddEvent(Event{Channel: "C3", Interval: timespan.New(1, 2), Type: "spindle", Confidence: Confidence(0.5)})
	require.NoError(t, err)

	got := s.QueryEvents(EventQuery{})
	*got[0].Confidence = 0.99
	got[0].Type = "changed"

	again := s.QueryEvents(EventQuery{})
	assert.InDelta(t, 0.5, *again[0].Confidence, 0)
	assert.Equal(t, "spindle", again[0].Type)
}

func TestUpdateIsAtomic(t *testing.T) {
	t.Parallel()

	s := New("night1")
	require.NoError(t, s.AddEpoch(epoch(0, 30, "W")))
	before := s.Snapshot()

	err := s.Update(func(tx *Tx) error {
		if _, err := tx.AddEvent(event("C3", 1, 2, "arousal", ProvenanceManual)); err != nil {
			return err
		}
		if err := tx.AddEpoch(epoch(30, 60, "N1")); err != nil {
			return err
		}
		return tx.AddEpoch(epoch(10, 40, "N2"))
	})

	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, before, s.Snapshot())

	require.NoError(t, s.Update(func(tx *Tx) error {
		assert.Len(t, tx.QueryEpochs(nil), 1)
		return tx.AddEpoch(epoch(30, 60, "N1"))
	}))
	assert.Equal(t, before.Version+1, s.Version())
}

func TestUpdateWithCommitFailureDiscardsTransaction(t *testing.T) {
	t.Parallel()

	s := New("night1")
	require.NoError(t, s.AddEpoch(epoch(0, 30, "W")))
	before := s.Snapshot()

	storeErr := errors.NewStd("store unavailable")
	var staged Snapshot
	err := s.UpdateWith(func(tx *Tx) error {
		_, err := tx.AddEvent(event("C3", 1, 2, "arousal", ProvenanceManual))
		return err
	}, func(snap Snapshot) error {
		staged = snap
		return storeErr
	})
	require.ErrorIs(t, err, storeErr)
	assert.Equal(t, before, s.Snapshot())
	assert.Len(t, staged.Events, 1)
	assert.Equal(t, before.Version+1, staged.Version)

	var committed []uint64
	record := func(snap Snapshot) error {
		committed = append(committed, snap.Version)
		return nil
	}
	require.NoError(t, s.UpdateWith(func(tx *Tx) error {
		_, err := tx.AddEvent(event("C3", 1, 2, "arousal", ProvenanceManual))
		return err
	}, record))
	require.NoError(t, s.UpdateWith(func(tx *Tx) error { return nil }, record))

	assert.Equal(t, []uint64{before.Version + 1}, committed, "unchanged transactions are not committed")
	assert.Equal(t, before.Version+1, s.Version())
	assert.Len(t, s.QueryEvents(EventQuery{}), 1)
}

func TestMarkers(t *testing.T) {
	t.Parallel()

	s := New("night1")
	require.NoError(t, s.AddMarker(Marker{Name: "lights off", Interval: timespan.New(10, 10)}))
	require.NoError(t, s.AddMarker(Marker{Name: "movement", Interval: timespan.New(30, 35), Channel: "EMG"}))
	require.NoError(t, s.AddMarker(Marker{Name: "bathroom", Interval: timespan.New(30, 35)}))
	require.NoError(t, s.AddMarker(Marker{Name: "lights on", Interval: timespan.New(600, 600)}))

	names := func(ms []Marker) []string {
		out := make([]string, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.Name)
		}
		return out
	}
	assert.Equal(t, []string{"lights off", "bathroom", "movement", "lights on"}, names(s.QueryMarkers(MarkerQuery{})))

	edge := timespan.New(0, 10)
	assert.Equal(t, []string{"lights off"}, names(s.QueryMarkers(MarkerQuery{Range: &edge})), "range bounds are inclusive")
	assert.Equal(t, []string{"movement"}, names(s.QueryMarkers(MarkerQuery{Channel: "EMG"})))

	for _, bad := range []Marker{
		{Interval: timespan.New(1, 2)},
		{Name: "x", Interval: timespan.New(-1, 2)},
		{Name: "x", Interval: timespan.New(5, 4)},
	} {
		assert.True(t, errors.IsCategory(s.AddMarker(bad), errors.CategoryValidation), "%+v", bad)
	}

	v := s.Version()
	assert.Equal(t, 0, s.RemoveMarkers(MarkerQuery{Name: "missing"}))
	assert.Equal(t, v, s.Version(), "removing nothing does not bump the version")

	assert.Equal(t, 1, s.RemoveMarkers(MarkerQuery{Name: "lights on"}))
	assert.Equal(t, 3, s.RemoveMarkers(MarkerQuery{}))
	assert.Empty(t, s.QueryMarkers(MarkerQuery{}))
}

func TestRemoveEventsByQuery(t *testing.T) {
	t.Parallel()

	s := New("night1", WithIDGenerator(sequentialIDs()))
	for _, e := range []Event{
		event("C3", 1, 2, "spindle", ProvenanceManual),
		event("C4", 1, 2, "spindle", ProvenanceManual),
		event("C3", 5, 6, "arousal", ProvenanceManual),
		event("C3", 20, 21, "spindle", ProvenanceManual),
	} {
		_, err := s.AddEvent(e)
		require.NoError(t, err)
	}

	window := timespan.New(0, 10)
	assert.Equal(t, 1, s.RemoveEvents(EventQuery{Range: &window, Type: "spindle", Channel: "C3"}))
	assert.Equal(t, 0, s.RemoveEvents(EventQuery{Type: "k-complex"}))

	left := s.QueryEvents(EventQuery{})
	require.Len(t, left, 3)
	for _, e := range left {
		assert.NotEqual(t, "ev-001", e.ID)
	}

	_, err := s.AddEvent(Event{ID: "ev-001", Channel: "C3", Interval: timespan.New(1, 2), Type: "spindle", Provenance: ProvenanceManual})
	require.NoError(t, err, "removed identifiers can be reused")

	assert.Equal(t, 4, s.RemoveEvents(EventQuery{}))
	assert.Empty(t, s.QueryEvents(EventQuery{}))
}

func TestConcurrentWritersSerialize(t *testing.T) {
	t.Parallel()

	s := New("night1")
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 25 {
				start := float64(w*1000 + i)
				_, err := s.AddEvent(event("C3", start, start+0.5, "arousal", ProvenanceManual))
				assert.NoError(t, err)
				_ = s.QueryEvents(EventQuery{Channel: "C3"})
			}
		})
	}
	wg.Wait()

	events := s.QueryEvents(EventQuery{})
	assert.Len(t, events, 200)
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Start, events[i].Start)
	}
	assert.Equal(t, uint64(200), s.Version())
}

func TestProvenance(t *testing.T) {
	t.Parallel()

	p := Automatic("spindleA", "2.1")
	assert.Equal(t, Provenance("spindleA@2.1"), p)
	name, version, ok := p.Detector()
	assert.True(t, ok)
	assert.Equal(t, "spindleA", name)
	assert.Equal(t, "2.1", version)

	_, _, ok = ProvenanceManual.Detector()
	assert.False(t, ok)
	assert.True(t, ProvenanceManual.IsManual())
}
