package recording

import (
	"fmt"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

// OutOfRangeError reports a time or sample index outside the recording span.
type OutOfRangeError struct {
	Channel string
	// Time is the requested time in seconds; Index is the requested sample
	// index, or -1 when the request was made by time.
	Time  float64
	Index int
	Span  timespan.Interval
}

func (e *OutOfRangeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("sample index %d outside channel %q", e.Index, e.Channel)
	}
	return fmt.Sprintf("time %gs outside recording span %s", e.Time, e.Span)
}

func (e *OutOfRangeError) ErrorCategory() errors.ErrorCategory { return errors.CategoryOutOfRange }

// GapError reports a request that intersects a span without valid samples.
// It is recoverable: callers may skip the gap or shrink the request.
type GapError struct {
	Requested timespan.Interval
	Gap       timespan.Interval
}

func (e *GapError) Error() string {
	return fmt.Sprintf("range %s intersects gap %s", e.Requested, e.Gap)
}

func (e *GapError) ErrorCategory() errors.ErrorCategory { return errors.CategoryGap }

// ChannelNotFoundError reports a channel name absent from the recording.
type ChannelNotFoundError struct {
	Channel string
}

func (e *ChannelNotFoundError) Error() string {
	return fmt.Sprintf("channel %q not found", e.Channel)
}

func (e *ChannelNotFoundError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryChannelNotFound
}
