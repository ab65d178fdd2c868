// Package timespan provides half-open time intervals measured in seconds from
// the start of a recording.
package timespan

import (
	"cmp"
	"fmt"
	"slices"
)

// Interval is the half-open range [Start, End) in seconds.
type Interval struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// New returns the interval [start, end).
func New(start, end float64) Interval {
	return Interval{Start: start, End: end}
}

// Duration returns End - Start.
func (i Interval) Duration() float64 {
	return i.End - i.Start
}

// Valid reports whether Start < End and Start is not negative.
func (i Interval) Valid() bool {
	return i.Start >= 0 && i.Start < i.End
}

// Overlaps reports whether the intervals share any instant. Touching intervals
// such as [0,1) and [1,2) do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

// Contains reports whether t lies in [Start, End).
func (i Interval) Contains(t float64) bool {
	return t >= i.Start && t < i.End
}

// Covers reports whether o lies entirely inside i.
func (i Interval) Covers(o Interval) bool {
	return o.Start >= i.Start && o.End <= i.End
}

// Intersect returns the common part of both intervals and whether it is non-empty.
func (i Interval) Intersect(o Interval) (Interval, bool) {
	out := Interval{Start: max(i.Start, o.Start), End: min(i.End, o.End)}
	return out, out.Start < out.End
}

func (i Interval) String() string {
	return fmt.Sprintf("[%g,%g)", i.Start, i.End)
}

// Compare orders intervals by start, then end.
func Compare(a, b Interval) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	return cmp.Compare(a.End, b.End)
}

// Coalesce sorts intervals and joins the ones that overlap or touch. Empty
// intervals are dropped. The input slice is not modified.
func Coalesce(in []Interval) []Interval {
	sorted := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.Start < iv.End {
			sorted = append(sorted, iv)
		}
	}
	slices.SortFunc(sorted, Compare)

	out := sorted[:0]
	for _, iv := range sorted {
		if n := len(out); n > 0 && iv.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, iv.End)
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Subtract returns the parts of span not covered by holes, in order.
// holes must be sorted and disjoint, as returned by Coalesce.
func Subtract(span Interval, holes []Interval) []Interval {
	var out []Interval
	cursor := span.Start
	for _, h := range holes {
		if h.End <= cursor {
			continue
		}
		if h.Start >= span.End {
			break
		}
		if h.Start > cursor {
			out = append(out, Interval{Start: cursor, End: h.Start})
		}
		cursor = max(cursor, h.End)
	}
	if cursor < span.End {
		out = append(out, Interval{Start: cursor, End: span.End})
	}
	return out
}

// Longest returns the longest interval, or the zero Interval for an empty slice.
// Ties go to the earliest.
func Longest(in []Interval) Interval {
	var best Interval
	for _, iv := range in {
		if iv.Duration() > best.Duration() {
			best = iv
		}
	}
	return best
}
