// Package scoring ties the core engine together for the CLI and the HTTP API.
//
// A Service caches loaded recordings, owns one annotation set per recording,
// runs detector scans and merges their candidates, and persists sets to the
// configured datastore after every change.
package scoring

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/datastore"
	"github.com/tphakala/psgscore/internal/detector"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/ingest"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/merge"
	"github.com/tphakala/psgscore/internal/observability/metrics"
	"github.com/tphakala/psgscore/internal/recording"
	"github.com/tphakala/psgscore/internal/timespan"
	"github.com/tphakala/psgscore/internal/window"
)

// Export formats accepted by Export.
const (
	FormatYAML   = "yaml"
	FormatCSV    = "csv"
	FormatStages = "stages"
)

// GetLogger returns the scoring module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("scoring")
}

// activeScans is implemented by collectors that track in-flight scans.
type activeScans interface {
	ScanStarted()
	ScanFinished()
}

// ScanRequest names one scan in a batch.
type ScanRequest struct {
	RecordingID string          `json:"recording_id"`
	Config      detector.Config `json:"config"`
}

// ScanResult is the outcome of one scan and its merge.
type ScanResult struct {
	RecordingID string           `json:"recording_id"`
	Detection   *detector.Result `json:"detection"`
	Merge       merge.Report     `json:"merge"`
}

// Service runs scans against cached recordings and their annotation sets.
type Service struct {
	settings   *conf.Settings
	registry   *detector.Registry
	runner     *detector.Runner
	resolver   *merge.Resolver
	store      datastore.Interface
	recorder   metrics.ScoringRecorder
	log        logger.Logger
	recordings *cache.Cache

	mu   sync.Mutex
	sets map[string]*annotation.Set
}

// Option configures a Service.
type Option func(*Service)

// WithRegistry replaces the default detector registry.
func WithRegistry(reg *detector.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithStore persists annotation sets after every change.
func WithStore(store datastore.Interface) Option {
	return func(s *Service) { s.store = store }
}

// WithRecorder sets the metrics recorder used by the service, runner and resolver.
func WithRecorder(rec metrics.ScoringRecorder) Option {
	return func(s *Service) { s.recorder = rec }
}

// New creates a service from settings.
func New(settings *conf.Settings, opts ...Option) *Service {
	s := &Service{
		settings: settings,
		recorder: metrics.NewNoOpRecorder(),
		log:      GetLogger(),
		sets:     make(map[string]*annotation.Set),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = detector.DefaultRegistry()
	}
	s.runner = detector.NewRunner(s.registry, detector.WithRecorder(s.recorder))
	s.resolver = merge.NewResolver(merge.WithRecorder(s.recorder))

	ttl := settings.Scoring.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	// No janitor goroutine; expired recordings are purged on insert.
	s.recordings = cache.New(ttl, 0)
	s.recordings.OnEvicted(func(id string, _ any) {
		s.log.Debug("recording evicted from cache", logger.String("recording_id", id))
	})
	return s
}

// Open returns a service persisting to the configured datastore, or an
// in-memory service when no database is enabled.
func Open(settings *conf.Settings, opts ...Option) (*Service, error) {
	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		return New(settings, opts...), nil
	}
	store, err := datastore.New(settings)
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, err
	}
	return New(settings, append(opts, WithStore(store))...), nil
}

// Registry returns the detector registry used for scans.
func (s *Service) Registry() *detector.Registry { return s.registry }

// Settings returns the settings the service was built with.
func (s *Service) Settings() *conf.Settings { return s.settings }

// AddRecording caches rec under its ID, replacing any previous recording.
func (s *Service) AddRecording(rec *recording.Recording) {
	s.recordings.DeleteExpired()
	s.recordings.Set(rec.ID(), rec, cache.DefaultExpiration)
	s.log.Info("recording registered",
		logger.String("recording_id", rec.ID()),
		logger.Int("channels", len(rec.Channels())),
		logger.Float64("duration_s", rec.Duration()),
		logger.Int("gaps", len(rec.Gaps())))
}

// LoadFile ingests a WAV or EDF file with the configured channel names and
// WAV scale and caches it.
func (s *Service) LoadFile(path string, opts ingest.Options) (*recording.Recording, error) {
	start := time.Now()
	if opts.ChannelNames == nil {
		opts.ChannelNames = s.settings.Ingest.ChannelNames
	}
	if opts.Scale == 0 {
		opts.Scale = s.settings.Ingest.Scale
	}

	loadOpts := []recording.LoadOption{recording.WithDurationTolerance(s.settings.Scoring.DurationTolerance)}
	if s.settings.Scoring.NaNGaps {
		loadOpts = append(loadOpts, recording.WithNaNGaps())
	}

	rec, err := ingest.Load(path, opts, loadOpts...)
	s.recorder.RecordDuration(metrics.OpIngest, time.Since(start).Seconds())
	if err != nil {
		s.recorder.RecordOperation(metrics.OpIngest, metrics.StatusError)
		s.recorder.RecordError(metrics.OpIngest, string(errors.CategoryOf(err)))
		return nil, err
	}
	s.recorder.RecordOperation(metrics.OpIngest, metrics.StatusSuccess)
	s.AddRecording(rec)
	return rec, nil
}

// Recording returns a cached recording.
func (s *Service) Recording(id string) (*recording.Recording, error) {
	if v, ok := s.recordings.Get(id); ok {
		return v.(*recording.Recording), nil
	}
	return nil, errors.Newf("recording %q is not loaded", id).
		Component("scoring").
		Category(errors.CategoryNotFound).
		Context("recording_id", id).
		Build()
}

// Set returns the annotation set of a recording, loading it from the store or
// creating an empty one on first use.
func (s *Service) Set(ctx context.Context, recordingID string) (*annotation.Set, error) {
	return s.set(ctx, recordingID, true)
}

// Lookup is Set for callers that must not create sets for unknown identifiers.
// It fails with a not-found error unless the recording is loaded or its set is
// in memory or in the store.
func (s *Service) Lookup(ctx context.Context, recordingID string) (*annotation.Set, error) {
	return s.set(ctx, recordingID, false)
}

func (s *Service) set(ctx context.Context, recordingID string, create bool) (*annotation.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[recordingID]; ok {
		return set, nil
	}

	opts := []annotation.Option{annotation.WithTaxonomy(s.settings.Scoring.Taxonomy)}
	set, err := s.loadSet(ctx, recordingID, opts)
	if err != nil {
		return nil, err
	}
	if set == nil {
		if !create {
			if _, err := s.Recording(recordingID); err != nil {
				return nil, err
			}
		}
		set = annotation.New(recordingID, append(opts, annotation.WithRater(s.settings.Scoring.Rater))...)
	}
	s.sets[recordingID] = set
	return set, nil
}

// loadSet returns nil without error when nothing is stored.
func (s *Service) loadSet(ctx context.Context, recordingID string, opts []annotation.Option) (*annotation.Set, error) {
	if s.store == nil {
		return nil, nil
	}
	start := time.Now()
	set, err := s.store.LoadSet(ctx, recordingID, opts...)
	s.recorder.RecordDuration(metrics.OpDbLoad, time.Since(start).Seconds())
	switch {
	case errors.IsNotFound(err):
		return nil, nil
	case err != nil:
		s.recorder.RecordOperation(metrics.OpDbLoad, metrics.StatusError)
		return nil, err
	}
	s.recorder.RecordOperation(metrics.OpDbLoad, metrics.StatusSuccess)
	return set, nil
}

// commit returns the hook that saves a staged transaction before it applies.
// It runs under the set's write lock, so saves of one set are serialized and
// a failed save leaves the set unchanged. Nil without a store.
func (s *Service) commit(ctx context.Context) annotation.CommitFunc {
	if s.store == nil {
		return nil
	}
	return func(snap annotation.Snapshot) error {
		start := time.Now()
		err := s.store.SaveSet(ctx, snap)
		s.recorder.RecordDuration(metrics.OpDbSave, time.Since(start).Seconds())
		if err != nil {
			s.recorder.RecordOperation(metrics.OpDbSave, metrics.StatusError)
			s.recorder.RecordError(metrics.OpDbSave, string(errors.CategoryOf(err)))
			return err
		}
		s.recorder.RecordOperation(metrics.OpDbSave, metrics.StatusSuccess)
		return nil
	}
}

// Update applies fn to the set of a known recording in one transaction and
// persists the result. If persisting fails the transaction is discarded.
func (s *Service) Update(ctx context.Context, recordingID string, fn func(tx *annotation.Tx) error) error {
	set, err := s.Lookup(ctx, recordingID)
	if err != nil {
		return err
	}
	return set.UpdateWith(fn, s.commit(ctx))
}

// CreateEpochs splits the whole recording into epochs of the configured length.
func (s *Service) CreateEpochs(ctx context.Context, recordingID string) error {
	rec, err := s.Recording(recordingID)
	if err != nil {
		return err
	}
	length := s.settings.Scoring.EpochLength
	err = s.Update(ctx, recordingID, func(tx *annotation.Tx) error {
		return tx.CreateEpochs(rec.Span(), length)
	})
	if err != nil {
		return err
	}
	s.log.Info("epochs created",
		logger.String("recording_id", recordingID),
		logger.Float64("epoch_length_s", length))
	return nil
}

// checkBounds rejects intervals outside a loaded recording. Sets restored from
// the store without their recording are not checked.
func (s *Service) checkBounds(recordingID string, iv timespan.Interval) error {
	rec, err := s.Recording(recordingID)
	if err != nil {
		return nil
	}
	span := rec.Span()
	switch {
	case iv.Start < span.Start:
		return &recording.OutOfRangeError{Time: iv.Start, Index: -1, Span: span}
	case iv.End > span.End:
		return &recording.OutOfRangeError{Time: iv.End, Index: -1, Span: span}
	}
	return nil
}

// AddManualEpoch adds an epoch scored by a person.
func (s *Service) AddManualEpoch(ctx context.Context, recordingID string, e annotation.Epoch) error {
	if err := s.checkBounds(recordingID, e.Interval); err != nil {
		return err
	}
	return s.Update(ctx, recordingID, func(tx *annotation.Tx) error {
		return tx.AddEpoch(e)
	})
}

// AddManualEvent adds an event with manual provenance and returns its identifier.
// When the recording is loaded the channel must exist in it.
func (s *Service) AddManualEvent(ctx context.Context, recordingID string, e annotation.Event) (string, error) {
	if err := s.checkBounds(recordingID, e.Interval); err != nil {
		return "", err
	}
	if rec, err := s.Recording(recordingID); err == nil {
		if _, err := rec.Channel(e.Channel); err != nil {
			return "", err
		}
	}

	e.Provenance = annotation.ProvenanceManual
	var id string
	err := s.Update(ctx, recordingID, func(tx *annotation.Tx) error {
		var err error
		id, err = tx.AddEvent(e)
		return err
	})
	return id, err
}

// RemoveEvents deletes the events matching q and returns how many went.
func (s *Service) RemoveEvents(ctx context.Context, recordingID string, q annotation.EventQuery) (int, error) {
	var n int
	err := s.Update(ctx, recordingID, func(tx *annotation.Tx) error {
		n = tx.RemoveEvents(q)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AddMarker adds a named marker. When the recording is loaded the marker must
// lie inside it and a non-empty channel must exist.
func (s *Service) AddMarker(ctx context.Context, recordingID string, m annotation.Marker) error {
	if err := s.checkBounds(recordingID, m.Interval); err != nil {
		return err
	}
	if rec, err := s.Recording(recordingID); err == nil && m.Channel != "" {
		if _, err := rec.Channel(m.Channel); err != nil {
			return err
		}
	}
	return s.Update(ctx, recordingID, func(tx *annotation.Tx) error {
		return tx.AddMarker(m)
	})
}

// RemoveMarkers deletes the markers matching q and returns how many went.
func (s *Service) RemoveMarkers(ctx context.Context, recordingID string, q annotation.MarkerQuery) (int, error) {
	var n int
	err := s.Update(ctx, recordingID, func(tx *annotation.Tx) error {
		n = tx.RemoveMarkers(q)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Preset returns the named detector preset.
func (s *Service) Preset(name string) (detector.Config, error) {
	cfg, ok := s.settings.Detector(name)
	if !ok {
		return detector.Config{}, errors.Newf("no detector preset named %q", name).
			Component("scoring").
			Category(errors.CategoryNotFound).
			Context("preset", name).
			Build()
	}
	return cfg, nil
}

// Scan runs one detector over a recording and merges the candidates into its set.
// A failed run or save leaves the set unchanged.
func (s *Service) Scan(ctx context.Context, recordingID string, cfg detector.Config) (*ScanResult, error) {
	if tracker, ok := s.recorder.(activeScans); ok {
		tracker.ScanStarted()
		defer tracker.ScanFinished()
	}

	rec, err := s.Recording(recordingID)
	if err != nil {
		return nil, err
	}
	set, err := s.Set(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	result, err := s.runner.Run(ctx, cfg, window.NewExtractor(rec))
	if err != nil {
		return nil, err
	}
	report, err := s.resolver.MergeWith(set, merge.Candidates{Events: result.Events}, s.commit(ctx))
	if err != nil {
		return nil, err
	}

	return &ScanResult{RecordingID: recordingID, Detection: result, Merge: report}, nil
}

// ScanBatch runs scans concurrently, at most Scoring.Workers at a time. The
// first failure cancels the remaining scans; results of finished scans are kept.
func (s *Service) ScanBatch(ctx context.Context, reqs []ScanRequest) ([]*ScanResult, error) {
	results := make([]*ScanResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.settings.Scoring.Workers))
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Scan(gctx, req.RecordingID, req.Config)
			if err != nil {
				return fmt.Errorf("scan %d of %s: %w", i+1, req.RecordingID, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()

	s.log.Info("scan batch finished",
		logger.Int("requests", len(reqs)),
		logger.Bool("failed", err != nil))
	return results, err
}

// Export writes a recording's set as YAML, CSV or a per-epoch stage table.
func (s *Service) Export(ctx context.Context, recordingID, format string, w io.Writer) error {
	set, err := s.Lookup(ctx, recordingID)
	if err != nil {
		return err
	}

	switch format {
	case FormatYAML:
		err = annotation.EncodeYAML(w, set)
	case FormatCSV:
		err = annotation.EncodeCSV(w, set)
	case FormatStages:
		var start time.Time
		if rec, recErr := s.Recording(recordingID); recErr == nil {
			start = rec.StartTime()
		}
		err = annotation.WriteStageCSV(w, set, start)
	default:
		err = errors.Newf("unknown export format %q", format).
			Component("scoring").
			Category(errors.CategoryValidation).
			Build()
	}

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	s.recorder.RecordOperation(metrics.OpExport, status)
	return err
}

// StoredSets summarises the sets in the datastore; nil without a store.
func (s *Service) StoredSets(ctx context.Context) ([]datastore.SetSummary, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSets(ctx)
}

// DeleteSet forgets the set of a recording in memory and in the store.
func (s *Service) DeleteSet(ctx context.Context, recordingID string) error {
	s.mu.Lock()
	_, cached := s.sets[recordingID]
	delete(s.sets, recordingID)
	s.mu.Unlock()

	if s.store == nil {
		if !cached {
			return errors.NotFound("annotation set", recordingID)
		}
		return nil
	}
	start := time.Now()
	err := s.store.DeleteSet(ctx, recordingID)
	s.recorder.RecordDuration(metrics.OpDbDelete, time.Since(start).Seconds())
	if err != nil {
		if cached && errors.IsNotFound(err) {
			return nil
		}
		s.recorder.RecordOperation(metrics.OpDbDelete, metrics.StatusError)
		return err
	}
	s.recorder.RecordOperation(metrics.OpDbDelete, metrics.StatusSuccess)
	return nil
}

// Close drops cached recordings and closes the store.
func (s *Service) Close() error {
	s.recordings.Flush()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
