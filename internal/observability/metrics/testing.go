package metrics

import (
	"maps"
	"slices"
	"sync"
)

// TestRecorder captures recorded metrics in memory for assertions in tests.
type TestRecorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int // operation -> status -> count
	durations  map[string][]float64      // operation -> durations
	errors     map[string]map[string]int // operation -> errorType -> count
	counters   map[string]int            // kind/label -> count
}

// NewTestRecorder creates a new test recorder instance.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
		counters:   make(map[string]int),
	}
}

func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.operations[operation] == nil {
		r.operations[operation] = make(map[string]int)
	}
	r.operations[operation][status]++
}

func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] = append(r.durations[operation], seconds)
}

func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors[operation] == nil {
		r.errors[operation] = make(map[string]int)
	}
	r.errors[operation][errorType]++
}

func (r *TestRecorder) RecordWindows(algorithm, outcome string, count int) {
	r.add("windows/"+algorithm+"/"+outcome, count)
}

func (r *TestRecorder) RecordCandidates(algorithm string, count int) {
	r.add("candidates/"+algorithm, count)
}

func (r *TestRecorder) RecordMergeOutcome(outcome string, count int) {
	r.add("merge/"+outcome, count)
}

func (r *TestRecorder) add(key string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key] += count
}

// GetOperationCount returns the count of a specific operation and status.
func (r *TestRecorder) GetOperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// GetDurations returns a copy of the durations recorded for operation.
func (r *TestRecorder) GetDurations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.durations[operation])
}

// GetErrorCount returns the count of a specific error type for an operation.
func (r *TestRecorder) GetErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}

// GetWindowCount returns the windows recorded for algorithm and outcome.
func (r *TestRecorder) GetWindowCount(algorithm, outcome string) int {
	return r.counter("windows/" + algorithm + "/" + outcome)
}

// GetCandidateCount returns the candidates recorded for algorithm.
func (r *TestRecorder) GetCandidateCount(algorithm string) int {
	return r.counter("candidates/" + algorithm)
}

// GetMergeCount returns the merged candidates recorded for outcome.
func (r *TestRecorder) GetMergeCount(outcome string) int {
	return r.counter("merge/" + outcome)
}

func (r *TestRecorder) counter(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key]
}

// HasRecordedMetrics returns true if anything has been recorded.
func (r *TestRecorder) HasRecordedMetrics() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operations) > 0 || len(r.durations) > 0 || len(r.errors) > 0 || len(r.counters) > 0
}

// Counters returns a copy of the scan and merge counters.
func (r *TestRecorder) Counters() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.counters)
}

// NoOpRecorder is a ScoringRecorder that discards everything.
type NoOpRecorder struct{}

// NewNoOpRecorder creates a new no-op recorder instance.
func NewNoOpRecorder() *NoOpRecorder { return &NoOpRecorder{} }

func (n *NoOpRecorder) RecordOperation(operation, status string)           {}
func (n *NoOpRecorder) RecordDuration(operation string, seconds float64)   {}
func (n *NoOpRecorder) RecordError(operation, errorType string)            {}
func (n *NoOpRecorder) RecordWindows(algorithm, outcome string, count int) {}
func (n *NoOpRecorder) RecordCandidates(algorithm string, count int)       {}
func (n *NoOpRecorder) RecordMergeOutcome(outcome string, count int)       {}
