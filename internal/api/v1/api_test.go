package v1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/detector"
	"github.com/tphakala/psgscore/internal/observability"
	"github.com/tphakala/psgscore/internal/recording"
	"github.com/tphakala/psgscore/internal/scoring"
)

func burstConfig() detector.Config {
	return detector.Config{
		Algorithm: "amplitude",
		Channels:  []string{"C3"},
		Window:    30,
		EventType: "burst",
		Params:    detector.Params{"threshold": 50, "min_duration": 0.5},
	}
}

// setupTestController serves one 60 s recording "night1" with a burst at 12 s.
func setupTestController(t *testing.T, metrics *observability.Metrics) (*echo.Echo, *scoring.Service) {
	t.Helper()

	settings := &conf.Settings{
		Scoring:   conf.ScoringSettings{EpochLength: 30, DurationTolerance: 1, Workers: 1},
		Detectors: map[string]detector.Config{"bursts": burstConfig()},
	}
	svc := scoring.New(settings)

	samples := make([]float64, 6000)
	for i := 1200; i < 1300; i++ {
		samples[i] = 100
	}
	rec, err := recording.Load(recording.LoadSpec{
		ID:       "night1",
		Channels: []recording.ChannelSpec{{Name: "C3", Rate: 100, Samples: samples}},
	})
	require.NoError(t, err)
	svc.AddRecording(rec)

	e := echo.New()
	New(e, svc, metrics)
	return e, svc
}

func doRequest(t *testing.T, e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, http.NoBody)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestListDetectorsAndPresets(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodGet, "/api/v1/detectors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decode[[]detector.Info](t, rec)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, "amplitude")

	rec = doRequest(t, e, http.MethodGet, "/api/v1/presets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	presets := decode[[]PresetInfo](t, rec)
	require.Len(t, presets, 1)
	assert.Equal(t, "bursts", presets[0].Name)
	assert.Equal(t, "amplitude", presets[0].Config.Algorithm)
}

func TestGetRecording(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[RecordingInfo](t, rec)
	assert.InDelta(t, 60.0, info.Duration, 1e-9)
	require.Len(t, info.Channels, 1)
	assert.Equal(t, ChannelInfo{Name: "C3", Rate: 100, Samples: 6000}, info.Channels[0])

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "not-found", resp.Category)
	assert.Len(t, resp.CorrelationID, 8)
}

func TestEpochLifecycle(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/epochs/create", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]annotation.Epoch](t, rec), 2)

	rec = doRequest(t, e, http.MethodPut, "/api/v1/recordings/night1/epochs/30", `{"stage":"N2"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/epochs?start=35&end=40", "")
	require.Equal(t, http.StatusOK, rec.Code)
	epochs := decode[[]annotation.Epoch](t, rec)
	require.Len(t, epochs, 1)
	assert.Equal(t, "N2", epochs[0].Stage)

	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/epochs", `{"start":15,"end":45,"stage":"W"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "annotation-overlap", decode[ErrorResponse](t, rec).Category)

	rec = doRequest(t, e, http.MethodDelete, "/api/v1/recordings/night1/epochs/0", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, e, http.MethodDelete, "/api/v1/recordings/night1/epochs/0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/epochs", `{"start":0,"end":30,"stage":"W"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[Summary](t, rec)
	assert.Equal(t, 2, summary.Epochs)
	assert.Equal(t, map[string]float64{"W": 30, "N2": 30}, summary.TimeInStage)
}

func TestEpochRequestValidation(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"bad range", http.MethodGet, "/api/v1/recordings/night1/epochs?start=abc", "", http.StatusBadRequest},
		{"inverted range", http.MethodGet, "/api/v1/recordings/night1/epochs?start=40&end=10", "", http.StatusBadRequest},
		{"bad epoch start", http.MethodPut, "/api/v1/recordings/night1/epochs/x", `{"stage":"W"}`, http.StatusBadRequest},
		{"outside recording", http.MethodPost, "/api/v1/recordings/night1/epochs", `{"start":60,"end":90}`, http.StatusUnprocessableEntity},
		{"unknown recording", http.MethodGet, "/api/v1/recordings/ghost/epochs", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, e, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestEventLifecycle(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/events",
		`{"channel":"C3","start":20,"end":22,"type":"arousal","confidence":0.9}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[CreatedResponse](t, rec).ID
	require.NotEmpty(t, id)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/events/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[annotation.Event](t, rec)
	assert.Equal(t, annotation.ProvenanceManual, ev.Provenance)
	require.NotNil(t, ev.Confidence)
	assert.InDelta(t, 0.9, *ev.Confidence, 1e-9)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/events?type=arousal&channel=C3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]annotation.Event](t, rec), 1)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/events?type=spindle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]annotation.Event](t, rec))

	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/events",
		`{"channel":"O1","start":20,"end":22,"type":"arousal"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, e, http.MethodDelete, "/api/v1/recordings/night1/events/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/events/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteEventsByFilter(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	for _, body := range []string{
		`{"channel":"C3","start":20,"end":22,"type":"arousal"}`,
		`{"channel":"C3","start":40,"end":41,"type":"arousal"}`,
		`{"channel":"C3","start":20,"end":21,"type":"spindle"}`,
	} {
		rec := doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/events", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := doRequest(t, e, http.MethodDelete, "/api/v1/recordings/night1/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an unfiltered delete is refused")

	rec = doRequest(t, e, http.MethodDelete, "/api/v1/recordings/night1/events?type=arousal&start=0&end=30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RemovedResponse](t, rec).Removed)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]annotation.Event](t, rec), 2)
}

func TestMarkerLifecycle(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/markers", `{"name":"lights off","start":5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/markers",
		`{"name":"movement","start":20,"end":25,"channel":"C3"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/markers", `{"name":"late","start":90}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/markers", `{"start":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/markers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	markers := decode[[]annotation.Marker](t, rec)
	require.Len(t, markers, 2)
	assert.Equal(t, "lights off", markers[0].Name)
	assert.InDelta(t, 5, markers[0].End, 1e-9)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/markers?channel=C3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]annotation.Marker](t, rec), 1)

	rec = doRequest(t, e, http.MethodDelete, "/api/v1/recordings/night1/markers?name=movement", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RemovedResponse](t, rec).Removed)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/ghost/markers", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/scans", `{"preset":"bursts"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[scoring.ScanResult](t, rec)
	assert.Len(t, res.Merge.Accepted, 1)

	// A second identical scan only produces duplicates.
	rec = doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/scans",
		`{"config":{"algorithm":"amplitude","channels":["C3"],"window":30,"event_type":"burst","params":{"threshold":50,"min_duration":0.5}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[scoring.ScanResult](t, rec)
	assert.Empty(t, res.Merge.Accepted)
	require.Len(t, res.Merge.Discarded, 1)
	assert.Equal(t, "duplicate", res.Merge.Discarded[0].Reason)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/events?type=burst", "")
	assert.Len(t, decode[[]annotation.Event](t, rec), 1)
}

func TestScanEndpointErrors(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	tests := []struct {
		name     string
		target   string
		body     string
		want     int
		category string
	}{
		{"no detector", "/api/v1/recordings/night1/scans", `{}`, http.StatusBadRequest, "validation"},
		{"unknown preset", "/api/v1/recordings/night1/scans", `{"preset":"other"}`, http.StatusBadRequest, "not-found"},
		{"both", "/api/v1/recordings/night1/scans", `{"preset":"bursts","config":{"algorithm":"amplitude"}}`, http.StatusBadRequest, "validation"},
		{"unknown algorithm", "/api/v1/recordings/night1/scans", `{"config":{"algorithm":"nope","channels":["C3"],"window":30}}`, http.StatusBadRequest, "unknown-detector"},
		{"unknown channel", "/api/v1/recordings/night1/scans", `{"config":{"algorithm":"amplitude","channels":["O1"],"window":30,"params":{"threshold":50}}}`, http.StatusUnprocessableEntity, "channel-not-found"},
		{"unknown recording", "/api/v1/recordings/ghost/scans", `{"preset":"bursts"}`, http.StatusNotFound, "not-found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, e, http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, tt.category, decode[ErrorResponse](t, rec).Category)
		})
	}
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := setupTestController(t, nil)

	rec := doRequest(t, e, http.MethodPost, "/api/v1/recordings/night1/epochs/create", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "night1.csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "kind,id,channel,start,end,stage,type,provenance,confidence"))

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decoded, err := annotation.DecodeYAML(rec.Body)
	require.NoError(t, err)
	assert.Len(t, decoded.QueryEpochs(nil), 2)

	rec = doRequest(t, e, http.MethodGet, "/api/v1/recordings/night1/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	m, err := observability.NewMetrics()
	require.NoError(t, err)
	e, _ := setupTestController(t, m)

	rec := doRequest(t, e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "psgscore_active_scans")
}

func TestStatusForCategories(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&recording.GapError{}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
