package detector

import (
	"fmt"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

// InsufficientDataError reports usable data shorter than an algorithm needs,
// or fewer channels than it requires. It is recoverable: shrink the window or
// skip the range.
type InsufficientDataError struct {
	Algorithm string
	// Required and Available are seconds, or channel counts when Channels is set.
	Required  float64
	Available float64
	Channels  bool
	Window    timespan.Interval
}

func (e *InsufficientDataError) Error() string {
	if e.Channels {
		return fmt.Sprintf("%s needs %g channels, got %g", e.Algorithm, e.Required, e.Available)
	}
	if e.Window.End > e.Window.Start {
		return fmt.Sprintf("%s needs %gs of gap-free data, window %s has %gs", e.Algorithm, e.Required, e.Window, e.Available)
	}
	return fmt.Sprintf("%s needs %gs of gap-free data, longest usable span is %gs", e.Algorithm, e.Required, e.Available)
}

func (e *InsufficientDataError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryInsufficientData
}

// UnknownDetectorError reports an algorithm name or version missing from the
// registry. It is a configuration error and never retried.
type UnknownDetectorError struct {
	Name    string
	Version string
}

func (e *UnknownDetectorError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("unknown detector %q", e.Name)
	}
	return fmt.Sprintf("unknown detector %q version %q", e.Name, e.Version)
}

func (e *UnknownDetectorError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryUnknownDetector
}
