package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCategorized struct{ cat ErrorCategory }

func (s stubCategorized) Error() string                { return "stub" }
func (s stubCategorized) ErrorCategory() ErrorCategory { return s.cat }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
}

func TestBuildDetectsCategoryFromWrappedError(t *testing.T) {
	SetTelemetryReporter(nil)

	inner := fmt.Errorf("scan failed: %w", stubCategorized{cat: CategoryGap})
	ee := New(inner).Component("detector").Build()

	assert.Equal(t, CategoryGap, ee.Category)
	assert.Equal(t, "detector", ee.GetComponent())
	assert.True(t, IsCategory(ee, CategoryGap))
}

func TestIsRecoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gap", stubCategorized{CategoryGap}, true},
		{"insufficient data", fmt.Errorf("wrapped: %w", stubCategorized{CategoryInsufficientData}), true},
		{"overlap", stubCategorized{CategoryOverlap}, true},
		{"unknown detector", stubCategorized{CategoryUnknownDetector}, false},
		{"out of range", stubCategorized{CategoryOutOfRange}, false},
		{"plain", fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("event", "abc")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), `"abc"`)
}

func TestDetectCategoryCancellation(t *testing.T) {
	assert.Equal(t, CategoryCancellation, detectCategory(context.Canceled))
}

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) { r.reported = append(r.reported, ee) }
func (r *recordingReporter) IsEnabled() bool               { return true }

func TestBuildReportsWhenTelemetryActive(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(fmt.Errorf("boom")).Category(CategoryDatabase).Build()

	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
}

func TestBasicURLScrub(t *testing.T) {
	t.Parallel()

	scrubbed := basicURLScrub("Error at https://api.example.com?api_key=secret123&token=abc")
	assert.Equal(t, "Error at https://api.example.com?[REDACTED]", scrubbed)

	scrubbed = basicURLScrub("cannot open /data/patients/p0042/night1.wav")
	assert.False(t, strings.Contains(scrubbed, "p0042"), scrubbed)
	assert.Contains(t, scrubbed, "[PATH_REDACTED].wav")
}
