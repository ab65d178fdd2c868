package metrics

import "time"

// Operation names passed to Recorder methods.
const (
	// OpScan is one detector run over a scan range.
	OpScan = "scan"
	// OpWindow is one analysis window inside a scan.
	OpWindow = "window"
	// OpMerge is one merge of candidates into an annotation set.
	OpMerge = "merge"
	// OpExtract is one window extraction.
	OpExtract = "extract"
	// OpIngest is loading a recording from a file.
	OpIngest = "ingest"
	// OpExport is encoding an annotation set.
	OpExport = "export"
	// OpDbSave stores an annotation set.
	OpDbSave = "db_save"
	// OpDbLoad loads an annotation set.
	OpDbLoad = "db_load"
	// OpDbDelete deletes an annotation set.
	OpDbDelete = "db_delete"
)

// Operation status labels.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Window outcomes for RecordWindows.
const (
	WindowProcessed = "processed"
	WindowSkipped   = "skipped"
	WindowRejected  = "rejected_detection"
)

// Merge outcomes for RecordMergeOutcome.
const (
	MergeAccepted           = "accepted"
	MergeDiscardedManual    = "discarded_manual"
	MergeDiscardedDuplicate = "discarded_duplicate"
	MergeEpochAdded         = "epoch_added"
)

// Histogram bucket constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~32s range).
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)

// ShutdownTimeout is the timeout for graceful shutdown of the metrics endpoint.
const ShutdownTimeout = 5 * time.Second
