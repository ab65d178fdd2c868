package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on this abstraction rather than on concrete collectors.
type Recorder interface {
	// RecordOperation records an operation (e.g. "scan", "db_save") and its status.
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence. errorType is usually an error category.
	RecordError(operation, errorType string)
}

// ScoringRecorder adds the counters specific to detector scans and merges.
type ScoringRecorder interface {
	Recorder

	// RecordWindows counts analysis windows by outcome (processed, skipped, rejected_detection).
	RecordWindows(algorithm, outcome string, count int)

	// RecordCandidates counts candidate events produced by a scan.
	RecordCandidates(algorithm string, count int)

	// RecordMergeOutcome counts merged candidates by outcome.
	RecordMergeOutcome(outcome string, count int)
}
