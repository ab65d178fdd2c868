package scoring

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/datastore"
	"github.com/tphakala/psgscore/internal/detector"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/observability/metrics"
	"github.com/tphakala/psgscore/internal/recording"
	"github.com/tphakala/psgscore/internal/timespan"
)

// TestMain fails the package if a scan or batch leaves goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSettings() *conf.Settings {
	return &conf.Settings{
		Scoring: conf.ScoringSettings{EpochLength: 30, DurationTolerance: 1, Workers: 2},
	}
}

// burstRecording is 60 s of silence at 100 Hz on C3 with bursts at the given seconds.
func burstRecording(t *testing.T, id string, bursts ...float64) *recording.Recording {
	t.Helper()
	samples := make([]float64, 6000)
	for _, b := range bursts {
		for i := int(b * 100); i < int(b*100)+100; i++ {
			samples[i] = 100
		}
	}
	rec, err := recording.Load(recording.LoadSpec{
		ID:       id,
		Channels: []recording.ChannelSpec{{Name: "C3", Rate: 100, Samples: samples}},
	})
	require.NoError(t, err)
	return rec
}

func burstConfig() detector.Config {
	return detector.Config{
		Algorithm: "amplitude",
		Channels:  []string{"C3"},
		Window:    30,
		EventType: "burst",
		Params:    detector.Params{"threshold": 50, "min_duration": 0.5},
	}
}

func TestScanMergesCandidates(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	svc := New(testSettings(), WithRecorder(rec))
	svc.AddRecording(burstRecording(t, "night1", 12, 45))

	res, err := svc.Scan(t.Context(), "night1", burstConfig())
	require.NoError(t, err)
	assert.Len(t, res.Detection.Events, 2)
	assert.Len(t, res.Merge.Accepted, 2)

	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	events := set.QueryEvents(annotation.EventQuery{Type: "burst"})
	require.Len(t, events, 2)
	assert.Equal(t, annotation.Provenance("amplitude@1.0"), events[0].Provenance)

	again, err := svc.Scan(t.Context(), "night1", burstConfig())
	require.NoError(t, err)
	assert.Empty(t, again.Merge.Accepted)
	assert.Len(t, set.QueryEvents(annotation.EventQuery{}), 2)

	assert.Equal(t, 2, rec.GetOperationCount(metrics.OpScan, metrics.StatusSuccess))
	assert.Equal(t, 2, rec.GetMergeCount(metrics.MergeAccepted))
	assert.Equal(t, 2, rec.GetMergeCount(metrics.MergeDiscardedDuplicate))
}

func TestScanRespectsManualEvents(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	svc.AddRecording(burstRecording(t, "night1", 12))

	err := svc.Update(t.Context(), "night1", func(tx *annotation.Tx) error {
		_, err := tx.AddEvent(annotation.Event{Channel: "C3", Interval: timespan.New(12.2, 12.4), Type: "burst"})
		return err
	})
	require.NoError(t, err)

	res, err := svc.Scan(t.Context(), "night1", burstConfig())
	require.NoError(t, err)
	assert.Empty(t, res.Merge.Accepted)
	require.Len(t, res.Merge.Discarded, 1)
	assert.Equal(t, "manual_priority", res.Merge.Discarded[0].Reason)
}

func TestScanErrors(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	svc.AddRecording(burstRecording(t, "night1"))

	_, err := svc.Scan(t.Context(), "missing", burstConfig())
	assert.True(t, errors.IsNotFound(err))

	cfg := burstConfig()
	cfg.Algorithm = "no-such-detector"
	_, err = svc.Scan(t.Context(), "night1", cfg)
	assert.Equal(t, errors.CategoryUnknownDetector, errors.CategoryOf(err))

	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	assert.Zero(t, set.Version(), "failed scans leave the set unchanged")
}

func TestScanBatch(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	for _, id := range []string{"a", "b", "c"} {
		svc.AddRecording(burstRecording(t, id, 5))
	}

	reqs := []ScanRequest{
		{RecordingID: "a", Config: burstConfig()},
		{RecordingID: "b", Config: burstConfig()},
		{RecordingID: "c", Config: burstConfig()},
	}
	results, err := svc.ScanBatch(t.Context(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, reqs[i].RecordingID, res.RecordingID)
		assert.Len(t, res.Merge.Accepted, 1)
	}

	_, err = svc.ScanBatch(t.Context(), append(reqs, ScanRequest{RecordingID: "zzz", Config: burstConfig()}))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestScanBatchCancelled(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	svc.AddRecording(burstRecording(t, "a", 5))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := svc.ScanBatch(ctx, []ScanRequest{{RecordingID: "a", Config: burstConfig()}})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryCancellation, errors.CategoryOf(err))
}

func TestCreateEpochsAndExport(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	svc.AddRecording(burstRecording(t, "night1"))
	require.NoError(t, svc.CreateEpochs(t.Context(), "night1"))

	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	assert.Len(t, set.QueryEpochs(nil), 2)

	var buf bytes.Buffer
	require.NoError(t, svc.Export(t.Context(), "night1", FormatYAML, &buf))
	decoded, err := annotation.DecodeYAML(&buf)
	require.NoError(t, err)
	assert.Equal(t, set.Records(), decoded.Records())

	buf.Reset()
	require.NoError(t, svc.Export(t.Context(), "night1", FormatStages, &buf))
	assert.NotEmpty(t, buf.String())

	err = svc.Export(t.Context(), "night1", "xml", &buf)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestPresets(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.Detectors = map[string]detector.Config{"bursts": burstConfig()}
	svc := New(settings)

	cfg, err := svc.Preset("bursts")
	require.NoError(t, err)
	assert.Equal(t, "amplitude", cfg.Algorithm)

	_, err = svc.Preset("other")
	assert.True(t, errors.IsNotFound(err))
}

func TestSetsPersistAcrossServices(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.Output.SQLite = conf.SQLiteSettings{Enabled: true, Path: filepath.Join(t.TempDir(), "psgscore.db")}

	store, err := datastore.New(settings)
	require.NoError(t, err)
	require.NoError(t, store.Open())

	first := New(settings, WithStore(store))
	first.AddRecording(burstRecording(t, "night1", 12))
	require.NoError(t, first.CreateEpochs(t.Context(), "night1"))
	_, err = first.Scan(t.Context(), "night1", burstConfig())
	require.NoError(t, err)
	firstSet, err := first.Set(t.Context(), "night1")
	require.NoError(t, err)

	second := New(settings, WithStore(store))
	secondSet, err := second.Set(t.Context(), "night1")
	require.NoError(t, err)
	assert.Equal(t, firstSet.Records(), secondSet.Records())

	require.NoError(t, second.Close())
}

func TestManualAnnotationsAreBoundsChecked(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	svc.AddRecording(burstRecording(t, "night1"))

	id, err := svc.AddManualEvent(t.Context(), "night1", annotation.Event{
		Channel: "C3", Interval: timespan.New(1, 2), Type: "arousal",
		Provenance: annotation.Automatic("spoofed", "1"),
	})
	require.NoError(t, err)
	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	ev, ok := set.Event(id)
	require.True(t, ok)
	assert.Equal(t, annotation.ProvenanceManual, ev.Provenance)

	_, err = svc.AddManualEvent(t.Context(), "night1", annotation.Event{Channel: "O1", Interval: timespan.New(1, 2), Type: "arousal"})
	assert.Equal(t, errors.CategoryChannelNotFound, errors.CategoryOf(err))

	_, err = svc.AddManualEvent(t.Context(), "night1", annotation.Event{Channel: "C3", Interval: timespan.New(59, 61), Type: "arousal"})
	assert.Equal(t, errors.CategoryOutOfRange, errors.CategoryOf(err))

	err = svc.AddManualEpoch(t.Context(), "night1", annotation.Epoch{Interval: timespan.New(0, 30), Stage: "W"})
	require.NoError(t, err)
	err = svc.AddManualEpoch(t.Context(), "night1", annotation.Epoch{Interval: timespan.New(15, 45), Stage: "N1"})
	assert.Equal(t, errors.CategoryOverlap, errors.CategoryOf(err))
}

func TestLookupRequiresKnownRecording(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	_, err := svc.Lookup(t.Context(), "ghost")
	assert.True(t, errors.IsNotFound(err))

	err = svc.Update(t.Context(), "ghost", func(*annotation.Tx) error { return nil })
	assert.True(t, errors.IsNotFound(err))

	set, err := svc.Set(t.Context(), "ghost")
	require.NoError(t, err)
	again, err := svc.Lookup(t.Context(), "ghost")
	require.NoError(t, err)
	assert.Same(t, set, again)
}

func TestOpenAndDeleteStoredSets(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	svc, err := Open(settings)
	require.NoError(t, err)
	sets, err := svc.StoredSets(t.Context())
	require.NoError(t, err)
	assert.Nil(t, sets, "no datastore configured")
	assert.True(t, errors.IsNotFound(svc.DeleteSet(t.Context(), "night1")))

	settings = testSettings()
	settings.Output.SQLite = conf.SQLiteSettings{Enabled: true, Path: filepath.Join(t.TempDir(), "psgscore.db")}
	svc, err = Open(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	svc.AddRecording(burstRecording(t, "night1"))
	require.NoError(t, svc.CreateEpochs(t.Context(), "night1"))

	sets, err = svc.StoredSets(t.Context())
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, int64(2), sets[0].Epochs)

	require.NoError(t, svc.DeleteSet(t.Context(), "night1"))
	sets, err = svc.StoredSets(t.Context())
	require.NoError(t, err)
	assert.Empty(t, sets)
	assert.True(t, errors.IsNotFound(svc.DeleteSet(t.Context(), "night1")))
}

// failingStore keeps nothing and fails every save.
type failingStore struct {
	datastore.Interface
	saves int
	mu    sync.Mutex
}

func (f *failingStore) SaveSet(context.Context, annotation.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return errors.Newf("database is read-only").
		Component("datastore").
		Category(errors.CategoryDatabase).
		Build()
}

func (f *failingStore) LoadSet(_ context.Context, recordingID string, _ ...annotation.Option) (*annotation.Set, error) {
	return nil, errors.NotFound("annotation set", recordingID)
}

func TestFailedSaveLeavesSetUnchanged(t *testing.T) {
	t.Parallel()

	store := &failingStore{}
	rec := metrics.NewTestRecorder()
	svc := New(testSettings(), WithStore(store), WithRecorder(rec))
	svc.AddRecording(burstRecording(t, "night1", 12, 45))

	_, err := svc.Scan(t.Context(), "night1", burstConfig())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryDatabase, errors.CategoryOf(err))

	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	assert.Empty(t, set.QueryEvents(annotation.EventQuery{}))
	assert.Zero(t, set.Version())

	_, err = svc.AddManualEvent(t.Context(), "night1", annotation.Event{Channel: "C3", Interval: timespan.New(1, 2), Type: "arousal"})
	require.Error(t, err)
	require.Error(t, svc.AddManualEpoch(t.Context(), "night1", annotation.Epoch{Interval: timespan.New(0, 30), Stage: "W"}))
	require.Error(t, svc.CreateEpochs(t.Context(), "night1"))
	require.Error(t, svc.AddMarker(t.Context(), "night1", annotation.Marker{Name: "lights off", Interval: timespan.New(1, 1)}))

	assert.Equal(t, annotation.Snapshot{
		RecordingID: "night1",
		Epochs:      []annotation.Epoch{},
		Events:      []annotation.Event{},
		Markers:     []annotation.Marker{},
	}, set.Snapshot())
	assert.Equal(t, 5, store.saves)
	assert.Equal(t, 5, rec.GetOperationCount(metrics.OpDbSave, metrics.StatusError))
}

func TestConcurrentChangesPersistInOrder(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.Scoring.Workers = 4
	settings.Output.SQLite = conf.SQLiteSettings{Enabled: true, Path: filepath.Join(t.TempDir(), "psgscore.db")}
	svc, err := Open(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	svc.AddRecording(burstRecording(t, "night1", 5, 15, 25, 35, 45))

	reqs := make([]ScanRequest, 8)
	for i := range reqs {
		cfg := burstConfig()
		cfg.EventType = fmt.Sprintf("burst-%d", i)
		reqs[i] = ScanRequest{RecordingID: "night1", Config: cfg}
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			start := float64(i)*5 + 2.5
			_, err := svc.AddManualEvent(t.Context(), "night1", annotation.Event{
				Channel: "C3", Interval: timespan.New(start, start+0.5), Type: "arousal",
			})
			assert.NoError(t, err)
		})
	}
	_, err = svc.ScanBatch(t.Context(), reqs)
	require.NoError(t, err)
	wg.Wait()

	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	assert.Equal(t, uint64(18), set.Version())

	sets, err := svc.StoredSets(t.Context())
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, set.Version(), sets[0].Version, "the store holds the newest version")
	assert.Equal(t, int64(50), sets[0].Events)

	fresh := New(settings, WithStore(svc.store))
	loaded, err := fresh.Set(t.Context(), "night1")
	require.NoError(t, err)
	assert.Equal(t, set.Records(), loaded.Records())
	assert.Equal(t, set.Version(), loaded.Version())
}

func TestMarkersAndEventRemoval(t *testing.T) {
	t.Parallel()

	svc := New(testSettings())
	svc.AddRecording(burstRecording(t, "night1", 12, 45))
	_, err := svc.Scan(t.Context(), "night1", burstConfig())
	require.NoError(t, err)

	require.NoError(t, svc.AddMarker(t.Context(), "night1", annotation.Marker{Name: "lights off", Interval: timespan.New(0, 0)}))
	err = svc.AddMarker(t.Context(), "night1", annotation.Marker{Name: "late", Interval: timespan.New(70, 70)})
	assert.Equal(t, errors.CategoryOutOfRange, errors.CategoryOf(err))
	err = svc.AddMarker(t.Context(), "night1", annotation.Marker{Name: "emg", Interval: timespan.New(1, 2), Channel: "EMG"})
	assert.Equal(t, errors.CategoryChannelNotFound, errors.CategoryOf(err))

	window := timespan.New(0, 30)
	n, err := svc.RemoveEvents(t.Context(), "night1", annotation.EventQuery{Range: &window, Type: "burst"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	set, err := svc.Set(t.Context(), "night1")
	require.NoError(t, err)
	left := set.QueryEvents(annotation.EventQuery{})
	require.Len(t, left, 1)
	assert.InDelta(t, 45, left[0].Start, 0.05)

	n, err = svc.RemoveMarkers(t.Context(), "night1", annotation.MarkerQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.RemoveEvents(t.Context(), "ghost", annotation.EventQuery{})
	assert.True(t, errors.IsNotFound(err))
}
