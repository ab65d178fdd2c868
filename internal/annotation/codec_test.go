package annotation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

func populatedSet(t *testing.T) *Set {
	t.Helper()

	s := New("night1", WithRater("rater-a"), WithIDGenerator(sequentialIDs()))
	require.NoError(t, s.CreateEpochs(timespan.New(0, 90), 30))
	require.NoError(t, s.SetStage(30, "N2"))

	auto := Automatic("envelope", "1.0")
	for _, e := range []Event{
		{Channel: "C3", Interval: timespan.New(12.1, 12.4), Type: "spindle", Provenance: ProvenanceManual},
		{Channel: "C4", Interval: timespan.New(0.1, 0.3), Type: "spindle", Provenance: auto, Confidence: Confidence(0.123456789)},
		{Channel: "C3", Interval: timespan.New(0.1, 1.7), Type: "arousal, cortical", Provenance: ProvenanceManual},
		{Channel: "C3", Interval: timespan.New(45.25, 46), Type: "spindle", Provenance: auto, Confidence: Confidence(1)},
	} {
		_, err := s.AddEvent(e)
		require.NoError(t, err)
	}
	require.NoError(t, s.AddMarker(Marker{Name: "lights off", Interval: timespan.New(2.5, 2.5)}))
	require.NoError(t, s.AddMarker(Marker{Name: "movement", Interval: timespan.New(40, 41.5), Channel: "EMG"}))
	return s
}

func TestRecordsRoundTrip(t *testing.T) {
	t.Parallel()

	s := populatedSet(t)
	records := s.Records()
	require.Len(t, records, 9)
	assert.Equal(t, KindEpoch, records[0].Kind)
	assert.Equal(t, KindEvent, records[3].Kind)
	assert.Equal(t, KindMarker, records[7].Kind)
	assert.Equal(t, "lights off", records[7].Type)

	restored, err := FromRecords(s.RecordingID(), records, WithRater(s.Rater()))
	require.NoError(t, err)

	assert.Equal(t, s.QueryEpochs(nil), restored.QueryEpochs(nil))
	assert.Equal(t, s.QueryEvents(EventQuery{}), restored.QueryEvents(EventQuery{}))
	assert.Equal(t, s.QueryMarkers(MarkerQuery{}), restored.QueryMarkers(MarkerQuery{}))
	assert.Equal(t, records, restored.Records())
}

func TestFromRecordsKeepsRestoredVersion(t *testing.T) {
	t.Parallel()

	s := populatedSet(t)

	restored, err := FromRecords(s.RecordingID(), s.Records(), WithVersion(s.Version()))
	require.NoError(t, err)
	assert.Equal(t, s.Version(), restored.Version())

	fresh, err := FromRecords(s.RecordingID(), s.Records())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fresh.Version())
}

func TestFromRecordsRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := FromRecords("r", []Record{
		{Kind: KindEpoch, Start: 0, End: 30},
		{Kind: KindEpoch, Start: 10, End: 40},
	})
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)

	_, err = FromRecords("r", []Record{{Kind: "comment", Start: 0, End: 1}})
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestYAMLRoundTrip(t *testing.T) {
	t.Parallel()

	s := populatedSet(t)

	var buf bytes.Buffer
	require.NoError(t, EncodeYAML(&buf, s))
	assert.Contains(t, buf.String(), "recording_id: night1")
	assert.Contains(t, buf.String(), "rater: rater-a")

	restored, err := DecodeYAML(&buf)
	require.NoError(t, err)

	assert.Equal(t, "night1", restored.RecordingID())
	assert.Equal(t, "rater-a", restored.Rater())
	assert.Equal(t, s.Records(), restored.Records())
}

func TestCSVRoundTrip(t *testing.T) {
	t.Parallel()

	s := populatedSet(t)

	var buf bytes.Buffer
	require.NoError(t, EncodeCSV(&buf, s))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "# psgscore annotation export\n"))
	assert.Contains(t, out, "kind,id,channel,start,end,stage,type,provenance,confidence\n")
	assert.Contains(t, out, `"arousal, cortical"`)
	assert.Contains(t, out, "marker,,EMG,40,41.5,,movement,,\n")

	restored, err := DecodeCSV(strings.NewReader(out))
	require.NoError(t, err)

	assert.Equal(t, "night1", restored.RecordingID())
	assert.Equal(t, "rater-a", restored.Rater())
	assert.Equal(t, s.Records(), restored.Records())
}

func TestDecodeCSVErrors(t *testing.T) {
	t.Parallel()

	_, err := DecodeCSV(strings.NewReader("a,b,c\n"))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))

	bad := "kind,id,channel,start,end,stage,type,provenance,confidence\nevent,x,C3,abc,2,,spindle,manual,\n"
	_, err = DecodeCSV(strings.NewReader(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
}

func TestWriteStageCSV(t *testing.T) {
	t.Parallel()

	s := populatedSet(t)
	start := time.Date(2024, 3, 1, 23, 59, 45, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, WriteStageCSV(&buf, s, start))

	want := "clock_start,start,end,stage\n" +
		"23:59:45,0,30,Unscored\n" +
		"00:00:15,30,60,N2\n" +
		"00:00:45,60,90,Unscored\n"
	assert.Equal(t, want, buf.String())
}
