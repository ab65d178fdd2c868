// model.go this code defines the data model for stored annotation sets
package datastore

import (
	"time"

	"github.com/tphakala/psgscore/internal/annotation"
)

// AnnotationSet is the stored header of one recording's annotation set.
type AnnotationSet struct {
	ID          uint   `gorm:"primaryKey"`
	RecordingID string `gorm:"uniqueIndex;size:255;not null"`
	Rater       string `gorm:"size:255"`
	Version     uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"index"`
	Records     []AnnotationRecord `gorm:"foreignKey:SetID;constraint:OnDelete:CASCADE"`
}

// AnnotationRecord is one epoch, event or marker row. Seq keeps the set's query order.
type AnnotationRecord struct {
	ID         uint   `gorm:"primaryKey"`
	SetID      uint   `gorm:"index:idx_records_set_seq;not null"`
	Seq        int    `gorm:"index:idx_records_set_seq"`
	Kind       string `gorm:"type:varchar(10);not null"`
	EventID    string `gorm:"size:64"`
	Channel    string `gorm:"size:64"`
	Start      float64 `gorm:"column:start_s"`
	End        float64 `gorm:"column:end_s"`
	Stage      string `gorm:"size:32"`
	Type       string `gorm:"size:64"`
	Provenance string `gorm:"size:255"`
	Confidence *float64
}

func toRows(records []annotation.Record) []AnnotationRecord {
	rows := make([]AnnotationRecord, len(records))
	for i, r := range records {
		rows[i] = AnnotationRecord{
			Seq:        i,
			Kind:       r.Kind,
			EventID:    r.ID,
			Channel:    r.Channel,
			Start:      r.Start,
			End:        r.End,
			Stage:      r.Stage,
			Type:       r.Type,
			Provenance: string(r.Provenance),
			Confidence: r.Confidence,
		}
	}
	return rows
}

func (row *AnnotationRecord) record() annotation.Record {
	return annotation.Record{
		Kind:       row.Kind,
		ID:         row.EventID,
		Channel:    row.Channel,
		Start:      row.Start,
		End:        row.End,
		Stage:      row.Stage,
		Type:       row.Type,
		Provenance: annotation.Provenance(row.Provenance),
		Confidence: row.Confidence,
	}
}

// SetSummary describes a stored set without loading its records.
type SetSummary struct {
	RecordingID string    `json:"recording_id"`
	Rater       string    `json:"rater,omitempty"`
	Version     uint64    `json:"version"`
	Epochs      int64     `json:"epochs"`
	Events      int64     `json:"events"`
	Markers     int64     `json:"markers"`
	UpdatedAt   time.Time `json:"updated_at"`
}
