// Package annotation stores the epochs and events scored for one recording.
//
// A Set has a single writer at a time. Individual mutations are atomic; Update
// groups several mutations into one transaction that either applies in full or
// leaves the set untouched. Readers always receive copies.
package annotation

import (
	"math"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/timespan"
)

const maxIDAttempts = 8

// Option configures a Set.
type Option func(*Set)

// WithRater labels the set with the person or pipeline that scored it.
func WithRater(rater string) Option {
	return func(s *Set) { s.rater = rater }
}

// WithTaxonomy restricts stage labels and event types.
func WithTaxonomy(t Taxonomy) Option {
	return func(s *Set) {
		s.taxonomy = Taxonomy{Stages: slices.Clone(t.Stages), EventTypes: slices.Clone(t.EventTypes)}
	}
}

// WithVersion starts the set at a version restored from storage.
func WithVersion(v uint64) Option {
	return func(s *Set) { s.version = v }
}

// WithIDGenerator replaces uuid.NewString for event identifiers.
func WithIDGenerator(gen func() string) Option {
	return func(s *Set) { s.newID = gen }
}

// Set is the annotation set of one recording.
type Set struct {
	mu          sync.RWMutex
	recordingID string
	rater       string
	taxonomy    Taxonomy
	newID       func() string
	st          *state
	version     uint64
}

// state is the mutable content of a Set. Epochs are sorted by start and
// disjoint; events are kept in query order.
type state struct {
	epochs  []Epoch
	events  []Event
	markers []Marker
	ids     map[string]struct{}
	nextSeq uint64
}

func newState() *state {
	return &state{ids: make(map[string]struct{})}
}

func (st *state) clone() *state {
	out := &state{
		epochs:  slices.Clone(st.epochs),
		events:  make([]Event, len(st.events)),
		markers: slices.Clone(st.markers),
		ids:     make(map[string]struct{}, len(st.ids)),
		nextSeq: st.nextSeq,
	}
	for i := range st.events {
		out.events[i] = st.events[i].clone()
	}
	for id := range st.ids {
		out.ids[id] = struct{}{}
	}
	return out
}

// New returns an empty set for recordingID.
func New(recordingID string, opts ...Option) *Set {
	s := &Set{
		recordingID: recordingID,
		newID:       uuid.NewString,
		st:          newState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) RecordingID() string { return s.recordingID }
func (s *Set) Rater() string       { return s.rater }

// Taxonomy returns a copy of the configured taxonomy.
func (s *Set) Taxonomy() Taxonomy {
	return Taxonomy{Stages: slices.Clone(s.taxonomy.Stages), EventTypes: slices.Clone(s.taxonomy.EventTypes)}
}

// Version increases with every successful mutation or transaction.
func (s *Set) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// CommitFunc receives the staged content of a transaction before it is
// applied, typically to persist it. An error discards the transaction.
type CommitFunc func(Snapshot) error

// Update runs fn as one transaction. If fn returns an error, none of its
// changes are applied and the error is returned unchanged.
func (s *Set) Update(fn func(tx *Tx) error) error {
	return s.UpdateWith(fn, nil)
}

// UpdateWith is Update with a commit step. When fn changed the set, commit is
// called with the staged snapshot under the write lock, so commits of one set
// happen in version order. A commit error leaves the set unchanged.
func (s *Set) UpdateWith(fn func(tx *Tx) error, commit CommitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{set: s, st: s.st.clone()}
	if err := fn(tx); err != nil {
		GetLogger().Debug("annotation transaction rolled back",
			logger.String("recording_id", s.recordingID),
			logger.Error(err))
		return err
	}
	if !tx.changed {
		return nil
	}
	if commit != nil {
		if err := commit(s.snapshot(tx.st, s.version+1)); err != nil {
			GetLogger().Debug("annotation commit failed, transaction discarded",
				logger.String("recording_id", s.recordingID),
				logger.Uint64("version", s.version+1),
				logger.Error(err))
			return err
		}
	}
	s.st = tx.st
	s.version++
	return nil
}

// mutate applies a single operation directly. Operations validate before they
// modify the state, so no copy is needed.
func (s *Set) mutate(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{set: s, st: s.st}
	err := fn(tx)
	if tx.changed {
		s.version++
	}
	return err
}

func (s *Set) read(fn func(tx *Tx)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&Tx{set: s, st: s.st})
}

// AddEpoch inserts an epoch. It fails with OverlapError when the epoch overlaps
// an existing one; epochs are never split.
func (s *Set) AddEpoch(e Epoch) error {
	return s.mutate(func(tx *Tx) error { return tx.AddEpoch(e) })
}

// AddEvent inserts an event and returns its identifier.
func (s *Set) AddEvent(e Event) (string, error) {
	var id string
	err := s.mutate(func(tx *Tx) error {
		var err error
		id, err = tx.AddEvent(e)
		return err
	})
	return id, err
}

// RemoveEvent deletes the event with the given identifier.
func (s *Set) RemoveEvent(id string) error {
	return s.mutate(func(tx *Tx) error { return tx.RemoveEvent(id) })
}

// RemoveEpoch deletes the epoch starting at start.
func (s *Set) RemoveEpoch(start float64) error {
	return s.mutate(func(tx *Tx) error { return tx.RemoveEpoch(start) })
}

// SetStage relabels the epoch starting at start.
func (s *Set) SetStage(start float64, stage string) error {
	return s.mutate(func(tx *Tx) error { return tx.SetStage(start, stage) })
}

// RemoveEvents deletes every event matching q and returns how many were removed.
func (s *Set) RemoveEvents(q EventQuery) int {
	var n int
	_ = s.mutate(func(tx *Tx) error {
		n = tx.RemoveEvents(q)
		return nil
	})
	return n
}

// AddMarker inserts a marker.
func (s *Set) AddMarker(m Marker) error {
	return s.mutate(func(tx *Tx) error { return tx.AddMarker(m) })
}

// RemoveMarkers deletes every marker matching q; a zero query removes all.
func (s *Set) RemoveMarkers(q MarkerQuery) int {
	var n int
	_ = s.mutate(func(tx *Tx) error {
		n = tx.RemoveMarkers(q)
		return nil
	})
	return n
}

// QueryMarkers returns the matching markers ordered by start, end and name.
func (s *Set) QueryMarkers(q MarkerQuery) []Marker {
	var out []Marker
	s.read(func(tx *Tx) { out = tx.QueryMarkers(q) })
	return out
}

// CreateEpochs tiles span with Unscored epochs of length seconds.
func (s *Set) CreateEpochs(span timespan.Interval, length float64) error {
	return s.mutate(func(tx *Tx) error { return tx.CreateEpochs(span, length) })
}

// QueryEpochs returns the epochs overlapping rng, or all epochs for a nil rng.
func (s *Set) QueryEpochs(rng *timespan.Interval) []Epoch {
	var out []Epoch
	s.read(func(tx *Tx) { out = tx.QueryEpochs(rng) })
	return out
}

// QueryEvents returns matching events ordered by start, channel and insertion order.
func (s *Set) QueryEvents(q EventQuery) []Event {
	var out []Event
	s.read(func(tx *Tx) { out = tx.QueryEvents(q) })
	return out
}

// Event returns the event with the given identifier.
func (s *Set) Event(id string) (Event, bool) {
	var (
		out Event
		ok  bool
	)
	s.read(func(tx *Tx) { out, ok = tx.Event(id) })
	return out, ok
}

// TimeInStage returns the total duration in seconds of epochs labelled stage.
func (s *Set) TimeInStage(stage string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, e := range s.st.epochs {
		if e.Stage == stage {
			total += e.Duration()
		}
	}
	return total
}

// EventTypes returns the distinct event types in the set, sorted.
func (s *Set) EventTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for i := range s.st.events {
		if _, ok := seen[s.st.events[i].Type]; !ok {
			seen[s.st.events[i].Type] = struct{}{}
			out = append(out, s.st.events[i].Type)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot is a consistent copy of a Set's content.
type Snapshot struct {
	RecordingID string
	Rater       string
	Version     uint64
	Epochs      []Epoch
	Events      []Event
	Markers     []Marker
}

// Snapshot returns a copy of the whole content taken under one read lock.
func (s *Set) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(s.st, s.version)
}

func (s *Set) snapshot(st *state, version uint64) Snapshot {
	tx := &Tx{set: s, st: st}
	return Snapshot{
		RecordingID: s.recordingID,
		Rater:       s.rater,
		Version:     version,
		Epochs:      tx.QueryEpochs(nil),
		Events:      tx.QueryEvents(EventQuery{}),
		Markers:     tx.QueryMarkers(MarkerQuery{}),
	}
}

// Tx is a view of a Set inside Update. It must not be used after the callback returns.
type Tx struct {
	set     *Set
	st      *state
	changed bool
}

// RecordingID returns the recording the set annotates.
func (tx *Tx) RecordingID() string { return tx.set.recordingID }

func (tx *Tx) validateEpoch(e *Epoch) error {
	if e.Stage == "" {
		e.Stage = StageUnscored
	}
	if !e.Valid() || math.IsInf(e.End, 0) {
		return errors.Newf("epoch %s: start must be non-negative and before end", e.Interval).
			Component("annotation").
			Category(errors.CategoryValidation).
			Build()
	}
	if !tx.set.taxonomy.ValidStage(e.Stage) {
		return errors.Newf("stage %q is not in the taxonomy", e.Stage).
			Component("annotation").
			Category(errors.CategoryValidation).
			Context("stage", e.Stage).
			Build()
	}
	return nil
}

// epochIndex returns the insertion index for start.
func (tx *Tx) epochIndex(start float64) int {
	return sort.Search(len(tx.st.epochs), func(i int) bool { return tx.st.epochs[i].Start >= start })
}

// conflict returns the existing epoch overlapping e, if any.
func (tx *Tx) conflict(e Epoch) (Epoch, bool) {
	i := tx.epochIndex(e.Start)
	if i > 0 && tx.st.epochs[i-1].Overlaps(e.Interval) {
		return tx.st.epochs[i-1], true
	}
	if i < len(tx.st.epochs) && tx.st.epochs[i].Overlaps(e.Interval) {
		return tx.st.epochs[i], true
	}
	return Epoch{}, false
}

// AddEpoch inserts an epoch; see Set.AddEpoch.
func (tx *Tx) AddEpoch(e Epoch) error {
	if err := tx.validateEpoch(&e); err != nil {
		return err
	}
	if existing, ok := tx.conflict(e); ok {
		return &OverlapError{New: e, Existing: existing}
	}
	tx.st.epochs = slices.Insert(tx.st.epochs, tx.epochIndex(e.Start), e)
	tx.changed = true
	return nil
}

// CreateEpochs tiles span with Unscored epochs; the last epoch ends at span.End.
// Nothing is added if any new epoch overlaps an existing one.
func (tx *Tx) CreateEpochs(span timespan.Interval, length float64) error {
	if !(length > 0) || math.IsInf(length, 0) || !span.Valid() {
		return errors.Newf("create epochs: invalid span %s or length %g", span, length).
			Component("annotation").
			Category(errors.CategoryValidation).
			Build()
	}

	n := int(math.Ceil(span.Duration()/length - 1e-9))
	epochs := make([]Epoch, 0, n)
	for i := range n {
		start := span.Start + float64(i)*length
		end := min(start+length, span.End)
		if i == n-1 {
			end = span.End
		}
		e := Epoch{Interval: timespan.New(start, end), Stage: StageUnscored}
		if existing, ok := tx.conflict(e); ok {
			return &OverlapError{New: e, Existing: existing}
		}
		epochs = append(epochs, e)
	}

	for _, e := range epochs {
		tx.st.epochs = slices.Insert(tx.st.epochs, tx.epochIndex(e.Start), e)
	}
	tx.changed = true
	return nil
}

func (tx *Tx) epochAt(start float64) (int, error) {
	i := tx.epochIndex(start)
	if i < len(tx.st.epochs) && tx.st.epochs[i].Start == start {
		return i, nil
	}
	return -1, errors.NotFound("epoch", strconv.FormatFloat(start, 'g', -1, 64))
}

// RemoveEpoch deletes the epoch starting exactly at start.
func (tx *Tx) RemoveEpoch(start float64) error {
	i, err := tx.epochAt(start)
	if err != nil {
		return err
	}
	tx.st.epochs = slices.Delete(tx.st.epochs, i, i+1)
	tx.changed = true
	return nil
}

// SetStage relabels the epoch starting exactly at start.
func (tx *Tx) SetStage(start float64, stage string) error {
	i, err := tx.epochAt(start)
	if err != nil {
		return err
	}
	e := tx.st.epochs[i]
	e.Stage = stage
	if err := tx.validateEpoch(&e); err != nil {
		return err
	}
	tx.st.epochs[i] = e
	tx.changed = true
	return nil
}

func (tx *Tx) validateEvent(e *Event) error {
	if e.Provenance == "" {
		e.Provenance = ProvenanceManual
	}

	var msg string
	switch {
	case e.Channel == "":
		msg = "event channel must not be empty"
	case e.Type == "":
		msg = "event type must not be empty"
	case !e.Valid() || math.IsInf(e.End, 0):
		msg = "event " + e.Interval.String() + ": start must be non-negative and before end"
	case !tx.set.taxonomy.ValidEventType(e.Type):
		msg = "event type " + e.Type + " is not in the taxonomy"
	case e.Confidence != nil && !(*e.Confidence >= 0 && *e.Confidence <= 1):
		msg = "event confidence must be within [0,1]"
	default:
		return nil
	}
	return errors.New(errors.NewStd(msg)).
		Component("annotation").
		Category(errors.CategoryValidation).
		Build()
}

// AddEvent inserts an event; see Set.AddEvent. A caller-supplied ID is kept
// when it is unused and rejected when it is taken.
func (tx *Tx) AddEvent(e Event) (string, error) {
	e = e.clone()
	if err := tx.validateEvent(&e); err != nil {
		return "", err
	}

	if e.ID != "" {
		if _, taken := tx.st.ids[e.ID]; taken {
			return "", errors.Newf("event id %q already exists", e.ID).
				Component("annotation").
				Category(errors.CategoryConflict).
				Build()
		}
	} else {
		id, err := tx.freshID()
		if err != nil {
			return "", err
		}
		e.ID = id
	}

	tx.st.nextSeq++
	e.seq = tx.st.nextSeq
	i := sort.Search(len(tx.st.events), func(i int) bool { return compareEvents(&tx.st.events[i], &e) > 0 })
	tx.st.events = slices.Insert(tx.st.events, i, e)
	tx.st.ids[e.ID] = struct{}{}
	tx.changed = true
	return e.ID, nil
}

// freshID draws identifiers until one is unused.
func (tx *Tx) freshID() (string, error) {
	for range maxIDAttempts {
		id := tx.set.newID()
		if _, taken := tx.st.ids[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", errors.Newf("no unused event id after %d attempts", maxIDAttempts).
		Component("annotation").
		Category(errors.CategoryConflict).
		Build()
}

// RemoveEvent deletes an event; the error has CategoryNotFound when id is unknown.
func (tx *Tx) RemoveEvent(id string) error {
	if _, ok := tx.st.ids[id]; !ok {
		return errors.NotFound("event", id)
	}
	i := slices.IndexFunc(tx.st.events, func(e Event) bool { return e.ID == id })
	tx.st.events = slices.Delete(tx.st.events, i, i+1)
	delete(tx.st.ids, id)
	tx.changed = true
	return nil
}

// RemoveEvents deletes the events matching q; see Set.RemoveEvents.
func (tx *Tx) RemoveEvents(q EventQuery) int {
	kept := tx.st.events[:0:0]
	removed := 0
	for i := range tx.st.events {
		if q.match(&tx.st.events[i]) {
			delete(tx.st.ids, tx.st.events[i].ID)
			removed++
			continue
		}
		kept = append(kept, tx.st.events[i])
	}
	if removed > 0 {
		tx.st.events = kept
		tx.changed = true
	}
	return removed
}

// AddMarker inserts a marker after any equal ones.
func (tx *Tx) AddMarker(m Marker) error {
	if m.Name == "" || !(m.Start >= 0) || !(m.End >= m.Start) || math.IsInf(m.End, 0) {
		return errors.Newf("marker %q at %s: name must not be empty and 0 <= start <= end", m.Name, m.Interval).
			Component("annotation").
			Category(errors.CategoryValidation).
			Build()
	}
	i := sort.Search(len(tx.st.markers), func(i int) bool { return compareMarkers(tx.st.markers[i], m) > 0 })
	tx.st.markers = slices.Insert(tx.st.markers, i, m)
	tx.changed = true
	return nil
}

// RemoveMarkers deletes the markers matching q; see Set.RemoveMarkers.
func (tx *Tx) RemoveMarkers(q MarkerQuery) int {
	before := len(tx.st.markers)
	tx.st.markers = slices.DeleteFunc(slices.Clone(tx.st.markers), q.match)
	removed := before - len(tx.st.markers)
	if removed > 0 {
		tx.changed = true
	}
	return removed
}

// QueryMarkers returns copies of the matching markers.
func (tx *Tx) QueryMarkers(q MarkerQuery) []Marker {
	out := make([]Marker, 0)
	for _, m := range tx.st.markers {
		if q.match(m) {
			out = append(out, m)
		}
	}
	return out
}

// Event returns a copy of the event with the given identifier.
func (tx *Tx) Event(id string) (Event, bool) {
	if _, ok := tx.st.ids[id]; !ok {
		return Event{}, false
	}
	i := slices.IndexFunc(tx.st.events, func(e Event) bool { return e.ID == id })
	return exportEvent(tx.st.events[i]), true
}

// QueryEpochs returns copies of the epochs overlapping rng, in start order.
func (tx *Tx) QueryEpochs(rng *timespan.Interval) []Epoch {
	if rng == nil {
		return append(make([]Epoch, 0, len(tx.st.epochs)), tx.st.epochs...)
	}
	out := make([]Epoch, 0)
	for _, e := range tx.st.epochs {
		if e.Start >= rng.End {
			break
		}
		if e.Overlaps(*rng) {
			out = append(out, e)
		}
	}
	return out
}

// QueryEvents returns copies of the matching events in query order.
func (tx *Tx) QueryEvents(q EventQuery) []Event {
	out := make([]Event, 0)
	for i := range tx.st.events {
		e := &tx.st.events[i]
		if q.Range != nil && e.Start >= q.Range.End {
			break
		}
		if q.match(e) {
			out = append(out, exportEvent(*e))
		}
	}
	return out
}

// exportEvent copies e for callers; the insertion sequence stays internal.
func exportEvent(e Event) Event {
	e = e.clone()
	e.seq = 0
	return e
}
