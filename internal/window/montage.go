package window

import (
	"slices"

	"github.com/tphakala/psgscore/internal/recording"
)

// Transform rewrites a matrix before detection. Implementations must not
// modify their input.
type Transform interface {
	Apply(m *Matrix) (*Matrix, error)
}

// TransformFunc adapts a function, such as a band-pass filter, to Transform.
// The function receives a private copy it may modify in place.
type TransformFunc func(m *Matrix) (*Matrix, error)

func (f TransformFunc) Apply(m *Matrix) (*Matrix, error) {
	return f(m.Clone())
}

// Chain applies transforms in order. Nil entries are skipped.
func Chain(transforms ...Transform) Transform {
	return TransformFunc(func(m *Matrix) (*Matrix, error) {
		var err error
		for _, t := range transforms {
			if t == nil {
				continue
			}
			if m, err = t.Apply(m); err != nil {
				return nil, err
			}
		}
		return m, nil
	})
}

// AverageReference subtracts the mean of all rows from every row.
func AverageReference() Transform {
	return TransformFunc(func(m *Matrix) (*Matrix, error) {
		subtractReference(m, allRows(m))
		return m, nil
	})
}

// Rereference subtracts the mean of the named reference channels from every
// row. A single name gives a plain re-reference, two give linked references.
// Reference channels must be part of the matrix.
func Rereference(refs ...string) Transform {
	return TransformFunc(func(m *Matrix) (*Matrix, error) {
		rows := make([]int, 0, len(refs))
		for _, ref := range refs {
			i := slices.Index(m.Channels, ref)
			if i < 0 {
				return nil, &recording.ChannelNotFoundError{Channel: ref}
			}
			rows = append(rows, i)
		}
		if len(rows) == 0 {
			return m, nil
		}
		subtractReference(m, rows)
		return m, nil
	})
}

func allRows(m *Matrix) []int {
	rows := make([]int, m.Rows())
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// subtractReference computes the per-column reference first so that reference
// rows are themselves re-referenced against the original values.
func subtractReference(m *Matrix, rows []int) {
	if len(rows) == 0 {
		return
	}
	ref := make([]float64, m.Cols())
	for _, r := range rows {
		for j, v := range m.Data[r] {
			ref[j] += v
		}
	}
	n := float64(len(rows))
	for j := range ref {
		ref[j] /= n
	}
	for _, row := range m.Data {
		for j := range row {
			row[j] -= ref[j]
		}
	}
}
