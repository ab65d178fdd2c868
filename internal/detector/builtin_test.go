package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/window"
)

func matrix(rate float64, rows ...[]float64) *window.Matrix {
	names := []string{"C3", "C4", "O1", "O2"}
	return &window.Matrix{Channels: names[:len(rows)], Rate: rate, Data: rows}
}

func TestAmplitude(t *testing.T) {
	t.Parallel()

	row := []float64{0, 0, 2, -2, 0, 2, 2, 2, 0, 0}
	m := matrix(10, row)

	tests := []struct {
		name   string
		params Params
		want   [][2]float64
	}{
		{"separate runs", Params{"threshold": 1, "min_duration": 0.2}, [][2]float64{{0.2, 0.4}, {0.5, 0.8}}},
		{"min duration", Params{"threshold": 1, "min_duration": 0.3}, [][2]float64{{0.5, 0.8}}},
		{"max duration", Params{"threshold": 1, "min_duration": 0.1, "max_duration": 0.25}, [][2]float64{{0.2, 0.4}}},
		{"merge gap", Params{"threshold": 1, "min_duration": 0.1, "merge_gap": 0.2}, [][2]float64{{0.2, 0.8}}},
		{"nothing above threshold", Params{"threshold": 3, "min_duration": 0.1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Amplitude{}.Detect(m, tt.params)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				assert.Equal(t, "C3", got[i].Channel)
				assert.InDelta(t, w[0], got[i].Interval.Start, 1e-9)
				assert.InDelta(t, w[1], got[i].Interval.End, 1e-9)
				assert.Nil(t, got[i].Confidence)
			}
		})
	}
}

func TestEnvelope(t *testing.T) {
	t.Parallel()

	row := make([]float64, 1000)
	for i := range row {
		v := 1.0
		if i >= 400 && i < 500 {
			v = 10
		}
		if i%2 == 1 {
			v = -v
		}
		row[i] = v
	}
	m := matrix(100, row, make([]float64, 1000))

	got, err := Envelope{}.Detect(m, Params{"rms_window": 0.1, "threshold": 2, "min_duration": 0.5})
	require.NoError(t, err)
	require.Len(t, got, 1, "a silent channel yields nothing")

	d := got[0]
	assert.Equal(t, "C3", d.Channel)
	assert.InDelta(t, 4.0, d.Interval.Start, 0.05)
	assert.InDelta(t, 5.0, d.Interval.End, 0.05)
	require.NotNil(t, d.Confidence)
	assert.Greater(t, *d.Confidence, 0.0)
	assert.LessOrEqual(t, *d.Confidence, 1.0)

	got, err = Envelope{}.Detect(m, Params{"rms_window": 0.1, "threshold": 2, "min_duration": 0.5, "max_duration": 0.8})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFlatline(t *testing.T) {
	t.Parallel()

	row := make([]float64, 60)
	for i := range row {
		switch {
		case i >= 10 && i < 40:
			row[i] = 0.01 * float64(i%2)
		case i%2 == 0:
			row[i] = 5
		default:
			row[i] = -5
		}
	}
	m := matrix(10, row)

	got, err := Flatline{}.Detect(m, Params{"threshold": 0.1, "min_duration": 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Interval.Start, 1e-9)
	assert.InDelta(t, 4.0, got[0].Interval.End, 1e-9)

	got, err = Flatline{}.Detect(m, Params{"threshold": 0.1, "min_duration": 3.5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuiltinsRequireParameters(t *testing.T) {
	t.Parallel()

	for _, alg := range []Algorithm{Amplitude{}, Envelope{}, Flatline{}} {
		t.Run(alg.Name(), func(t *testing.T) {
			t.Parallel()
			v, ok := alg.(ParamValidator)
			require.True(t, ok)

			err := v.ValidateParams(nil)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
			assert.Contains(t, err.Error(), "missing required parameter")

			_, err = alg.Detect(matrix(10, make([]float64, 10)), Params{"threshold": -1, "min_duration": 1})
			require.Error(t, err)
		})
	}

	err := Amplitude{}.ValidateParams(Params{"threshold": 1, "min_duration": 2, "max_duration": 1})
	assert.ErrorContains(t, err, "max_duration")
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, v := range []string{"1.9", "1.10", "1.2"} {
		require.NoError(t, r.Register(&stubDetector{name: "spindleA", version: v, minWindow: 1, minChannels: 1}))
	}
	require.NoError(t, r.Register(Amplitude{}))

	alg, err := r.Lookup("spindleA", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10", alg.Version(), "empty version picks the highest")

	alg, err = r.Lookup("spindleA", "1.2")
	require.NoError(t, err)
	assert.Equal(t, "1.2", alg.Version())

	_, err = r.Lookup("spindleB", "")
	var unknown *UnknownDetectorError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "spindleB", unknown.Name)
	assert.False(t, errors.IsRecoverable(err))

	err = r.Register(&stubDetector{name: "spindleA", version: "1.2"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	err = r.Register(&stubDetector{name: "spindleA", version: "1.02"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict), "1.02 orders equal to 1.2")
	require.NoError(t, r.Register(&stubDetector{name: "other", version: "01"}))
	assert.True(t, errors.IsCategory(r.Register(&stubDetector{name: "other", version: "1"}), errors.CategoryConflict))
	assert.True(t, errors.IsCategory(r.Register(&stubDetector{name: "a@b", version: "1"}), errors.CategoryValidation))

	var listed []string
	for _, info := range r.List() {
		listed = append(listed, info.Name+"@"+info.Version)
	}
	assert.Equal(t, []string{"amplitude@1.0", "other@01", "spindleA@1.2", "spindleA@1.9", "spindleA@1.10"}, listed)
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	infos := DefaultRegistry().List()
	require.Len(t, infos, 3)
	assert.Equal(t, Info{Name: "amplitude", Version: "1.0", MinWindow: 0.5, MinChannels: 1}, infos[0])
	assert.Equal(t, "envelope", infos[1].Name)
	assert.Equal(t, "flatline", infos[2].Name)
}
