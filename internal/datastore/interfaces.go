// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
)

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}

// slowQueryThreshold marks statements logged as slow queries.
const slowQueryThreshold = 200 * time.Millisecond

// Interface abstracts the underlying database and defines the annotation set operations.
type Interface interface {
	Open() error
	Close() error
	// SaveSet replaces the stored content of the snapshot's recording.
	SaveSet(ctx context.Context, snap annotation.Snapshot) error
	LoadSet(ctx context.Context, recordingID string, opts ...annotation.Option) (*annotation.Set, error)
	DeleteSet(ctx context.Context, recordingID string) error
	ListSets(ctx context.Context) ([]SetSummary, error)
}

// DataStore implements Interface on a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates the store selected in the output settings.
func New(settings *conf.Settings) (Interface, error) {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}, nil
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}, nil
	default:
		return nil, errors.Newf("no database enabled in output settings").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

func dbError(err error, operation, recordingID string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Context("recording_id", recordingID).
		Build()
}

func notFound(recordingID string) error {
	return errors.Newf("no annotation set stored for recording %q", recordingID).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("recording_id", recordingID).
		Build()
}

// staleSnapshot reports a save older than, or equal to, what is stored.
func staleSnapshot(recordingID string, version uint64) error {
	return errors.Newf("annotation set for recording %q is stored at version %d or newer", recordingID, version).
		Component("datastore").
		Category(errors.CategoryConflict).
		Context("recording_id", recordingID).
		Context("version", version).
		Build()
}

// SaveSet stores snap in a single transaction. A snapshot whose version is
// not newer than the stored one is rejected with CategoryConflict, so saves
// that race each other never move a set backwards.
func (ds *DataStore) SaveSet(ctx context.Context, snap annotation.Snapshot) error {
	if err := ds.ready(); err != nil {
		return err
	}
	rows := toRows(snap.Records())

	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var header AnnotationSet
		err := tx.Where("recording_id = ?", snap.RecordingID).First(&header).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			header = AnnotationSet{RecordingID: snap.RecordingID, Rater: snap.Rater, Version: snap.Version}
			if err := tx.Create(&header).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			result := tx.Model(&AnnotationSet{}).
				Where("id = ? AND version < ?", header.ID, snap.Version).
				Updates(map[string]any{"rater": snap.Rater, "version": snap.Version, "updated_at": time.Now()})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return staleSnapshot(snap.RecordingID, snap.Version)
			}
			if err := tx.Where("set_id = ?", header.ID).Delete(&AnnotationRecord{}).Error; err != nil {
				return fmt.Errorf("deleting previous records: %w", err)
			}
		}

		for i := range rows {
			rows[i].SetID = header.ID
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return fmt.Errorf("inserting records: %w", err)
			}
		}
		return nil
	})
	if errors.IsCategory(err, errors.CategoryConflict) {
		GetLogger().Warn("stale annotation snapshot rejected",
			logger.String("recording_id", snap.RecordingID),
			logger.Uint64("version", snap.Version))
		return err
	}
	if err != nil {
		return dbError(err, "save-set", snap.RecordingID)
	}

	GetLogger().Debug("annotation set saved",
		logger.String("recording_id", snap.RecordingID),
		logger.Uint64("version", snap.Version),
		logger.Int("records", len(rows)))
	return nil
}

// LoadSet rebuilds a stored set at its stored version. The stored rater
// applies unless opts override it.
func (ds *DataStore) LoadSet(ctx context.Context, recordingID string, opts ...annotation.Option) (*annotation.Set, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}

	var header AnnotationSet
	err := ds.DB.WithContext(ctx).
		Preload("Records", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("recording_id = ?", recordingID).
		First(&header).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(recordingID)
	}
	if err != nil {
		return nil, dbError(err, "load-set", recordingID)
	}

	records := make([]annotation.Record, len(header.Records))
	for i := range header.Records {
		records[i] = header.Records[i].record()
	}
	opts = append([]annotation.Option{annotation.WithRater(header.Rater), annotation.WithVersion(header.Version)}, opts...)
	set, err := annotation.FromRecords(recordingID, records, opts...)
	if err != nil {
		return nil, fmt.Errorf("stored set for %s: %w", recordingID, err)
	}
	return set, nil
}

// DeleteSet removes a stored set and its records.
func (ds *DataStore) DeleteSet(ctx context.Context, recordingID string) error {
	if err := ds.ready(); err != nil {
		return err
	}

	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var header AnnotationSet
		if err := tx.Where("recording_id = ?", recordingID).First(&header).Error; err != nil {
			return err
		}
		if err := tx.Where("set_id = ?", header.ID).Delete(&AnnotationRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&header).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(recordingID)
	}
	if err != nil {
		return dbError(err, "delete-set", recordingID)
	}
	return nil
}

// ListSets returns a summary of every stored set ordered by recording ID.
func (ds *DataStore) ListSets(ctx context.Context) ([]SetSummary, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}

	var headers []AnnotationSet
	db := ds.DB.WithContext(ctx)
	if err := db.Order("recording_id ASC").Find(&headers).Error; err != nil {
		return nil, dbError(err, "list-sets", "")
	}

	var counts []struct {
		SetID uint
		Kind  string
		N     int64
	}
	err := db.Model(&AnnotationRecord{}).
		Select("set_id, kind, COUNT(*) AS n").
		Group("set_id, kind").
		Scan(&counts).Error
	if err != nil {
		return nil, dbError(err, "list-sets", "")
	}

	summaries := make([]SetSummary, len(headers))
	index := make(map[uint]*SetSummary, len(headers))
	for i, h := range headers {
		summaries[i] = SetSummary{RecordingID: h.RecordingID, Rater: h.Rater, Version: h.Version, UpdatedAt: h.UpdatedAt}
		index[h.ID] = &summaries[i]
	}
	for _, c := range counts {
		sum, ok := index[c.SetID]
		if !ok {
			continue
		}
		switch c.Kind {
		case annotation.KindEpoch:
			sum.Epochs = c.N
		case annotation.KindEvent:
			sum.Events = c.N
		case annotation.KindMarker:
			sum.Markers = c.N
		}
	}
	return summaries, nil
}

// Close closes the database connection.
func (ds *DataStore) Close() error {
	if err := ds.ready(); err != nil {
		return err
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close", "")
	}
	return sqlDB.Close()
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.NewGormLoggerAdapter(GetLogger(), slowQueryThreshold)}
}

// performAutoMigration creates or updates the annotation tables.
func performAutoMigration(db *gorm.DB, dbType string) error {
	start := time.Now()
	if err := db.AutoMigrate(&AnnotationSet{}, &AnnotationRecord{}); err != nil {
		return errors.New(fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("db_type", dbType).
			Build()
	}
	GetLogger().Debug("database migration complete",
		logger.String("db_type", dbType),
		logger.Duration("duration", time.Since(start)))
	return nil
}
