package window

import (
	"slices"

	"github.com/tphakala/psgscore/internal/timespan"
)

// Matrix is an aligned block of samples: one row per channel on a common grid.
type Matrix struct {
	// Channels names the rows in request order.
	Channels []string
	// Rate is the grid rate in Hz.
	Rate float64
	// Offset is the grid index of column 0, so column j lies at (Offset+j)/Rate seconds.
	Offset int
	Data   [][]float64
}

// Rows returns the number of channels.
func (m *Matrix) Rows() int { return len(m.Data) }

// Cols returns the number of samples per channel.
func (m *Matrix) Cols() int {
	if len(m.Data) == 0 {
		return 0
	}
	return len(m.Data[0])
}

// TimeAt returns the time in seconds of column j.
func (m *Matrix) TimeAt(j int) float64 {
	return float64(m.Offset+j) / m.Rate
}

// Span returns the interval covered by the columns.
func (m *Matrix) Span() timespan.Interval {
	return timespan.New(m.TimeAt(0), m.TimeAt(m.Cols()))
}

// Row returns the samples of the named channel.
func (m *Matrix) Row(channel string) ([]float64, bool) {
	i := slices.Index(m.Channels, channel)
	if i < 0 {
		return nil, false
	}
	return m.Data[i], true
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := &Matrix{
		Channels: slices.Clone(m.Channels),
		Rate:     m.Rate,
		Offset:   m.Offset,
		Data:     make([][]float64, len(m.Data)),
	}
	for i, row := range m.Data {
		out.Data[i] = slices.Clone(row)
	}
	return out
}
