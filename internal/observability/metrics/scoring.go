package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ScoringMetrics contains the Prometheus metrics for scans, merges and storage.
type ScoringMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec

	windowsTotal    *prometheus.CounterVec
	candidatesTotal *prometheus.CounterVec
	mergeTotal      *prometheus.CounterVec

	activeScans prometheus.Gauge

	collectors []prometheus.Collector
}

// NewScoringMetrics creates the scoring collectors and registers them on registry.
func NewScoringMetrics(registry *prometheus.Registry) (*ScoringMetrics, error) {
	m := &ScoringMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register scoring metrics: %w", err)
	}
	return m, nil
}

func (m *ScoringMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psgscore_operations_total",
			Help: "Total number of scoring operations partitioned by operation and status",
		},
		[]string{"operation", "status"},
	)
	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psgscore_operation_duration_seconds",
			Help:    "Time taken by scoring operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"operation"},
	)
	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psgscore_errors_total",
			Help: "Total number of errors partitioned by operation and error category",
		},
		[]string{"operation", "error_type"},
	)
	m.windowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psgscore_detector_windows_total",
			Help: "Analysis windows handled by detector runs, by outcome",
		},
		[]string{"algorithm", "outcome"},
	)
	m.candidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psgscore_detector_candidates_total",
			Help: "Candidate events produced by detector runs",
		},
		[]string{"algorithm"},
	)
	m.mergeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psgscore_merge_candidates_total",
			Help: "Merged candidates partitioned by outcome",
		},
		[]string{"outcome"},
	)
	m.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "psgscore_active_scans",
			Help: "Number of detector runs currently in progress",
		},
	)

	m.collectors = []prometheus.Collector{
		m.operationsTotal, m.operationDuration, m.errorsTotal,
		m.windowsTotal, m.candidatesTotal, m.mergeTotal, m.activeScans,
	}
}

// RecordOperation implements Recorder.
func (m *ScoringMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *ScoringMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *ScoringMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordWindows implements ScoringRecorder.
func (m *ScoringMetrics) RecordWindows(algorithm, outcome string, count int) {
	if count > 0 {
		m.windowsTotal.WithLabelValues(algorithm, outcome).Add(float64(count))
	}
}

// RecordCandidates implements ScoringRecorder.
func (m *ScoringMetrics) RecordCandidates(algorithm string, count int) {
	if count > 0 {
		m.candidatesTotal.WithLabelValues(algorithm).Add(float64(count))
	}
}

// RecordMergeOutcome implements ScoringRecorder.
func (m *ScoringMetrics) RecordMergeOutcome(outcome string, count int) {
	if count > 0 {
		m.mergeTotal.WithLabelValues(outcome).Add(float64(count))
	}
}

// ScanStarted increments the active scan gauge; call ScanFinished when done.
func (m *ScoringMetrics) ScanStarted() { m.activeScans.Inc() }

// ScanFinished decrements the active scan gauge.
func (m *ScoringMetrics) ScanFinished() { m.activeScans.Dec() }

// Describe implements the prometheus.Collector interface.
func (m *ScoringMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *ScoringMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
