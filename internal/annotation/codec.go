package annotation

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/psgscore/internal/errors"
)

// Document is the YAML export layout.
type Document struct {
	RecordingID string   `yaml:"recording_id"`
	Rater       string   `yaml:"rater,omitempty"`
	Records     []Record `yaml:"records"`
}

// EncodeYAML writes the set as a Document.
func EncodeYAML(w io.Writer, s *Set) error {
	snap := s.Snapshot()
	doc := Document{RecordingID: snap.RecordingID, Rater: snap.Rater, Records: snap.Records()}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return errors.New(fmt.Errorf("encode annotations: %w", err)).
			Component("annotation").
			Category(errors.CategoryFileIO).
			Build()
	}
	return enc.Close()
}

// DecodeYAML reads a Document written by EncodeYAML. Rater from the document
// is applied unless opts override it.
func DecodeYAML(r io.Reader, opts ...Option) (*Set, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.New(fmt.Errorf("decode annotations: %w", err)).
			Component("annotation").
			Category(errors.CategoryFileParsing).
			Build()
	}
	opts = append([]Option{WithRater(doc.Rater)}, opts...)
	return FromRecords(doc.RecordingID, doc.Records, opts...)
}

var csvHeader = []string{"kind", "id", "channel", "start", "end", "stage", "type", "provenance", "confidence"}

const (
	csvRecordingPrefix = "# Recording: "
	csvRaterPrefix     = "# Rater: "
)

// EncodeCSV writes one row per record. The recording and rater go in comment lines.
func EncodeCSV(w io.Writer, s *Set) error {
	snap := s.Snapshot()

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# psgscore annotation export\n")
	fmt.Fprintf(bw, "%s%s\n", csvRecordingPrefix, snap.RecordingID)
	if snap.Rater != "" {
		fmt.Fprintf(bw, "%s%s\n", csvRaterPrefix, snap.Rater)
	}

	writer := csv.NewWriter(bw)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range snap.Records() {
		conf := ""
		if r.Confidence != nil {
			conf = formatFloat(*r.Confidence)
		}
		row := []string{
			r.Kind, r.ID, r.Channel,
			formatFloat(r.Start), formatFloat(r.End),
			r.Stage, r.Type, string(r.Provenance), conf,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return bw.Flush()
}

// DecodeCSV reads a file written by EncodeCSV.
func DecodeCSV(r io.Reader, opts ...Option) (*Set, error) {
	br := bufio.NewReader(r)

	var recordingID, rater string
	for {
		peek, err := br.Peek(1)
		if err != nil || peek[0] != '#' {
			break
		}
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if v, ok := strings.CutPrefix(line, csvRecordingPrefix); ok {
			recordingID = v
		} else if v, ok := strings.CutPrefix(line, csvRaterPrefix); ok {
			rater = v
		}
		if err != nil {
			break
		}
	}

	reader := csv.NewReader(br)
	reader.Comment = '#'
	reader.FieldsPerRecord = len(csvHeader)

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, csvError(err)
	}
	if len(rows) == 0 || strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		return nil, csvError(errors.NewStd("missing or unexpected header row"))
	}

	records := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := parseCSVRow(row)
		if err != nil {
			return nil, csvError(fmt.Errorf("row %d: %w", i+2, err))
		}
		records = append(records, rec)
	}

	opts = append([]Option{WithRater(rater)}, opts...)
	return FromRecords(recordingID, records, opts...)
}

func parseCSVRow(row []string) (Record, error) {
	start, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return Record{}, fmt.Errorf("start: %w", err)
	}
	end, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return Record{}, fmt.Errorf("end: %w", err)
	}
	rec := Record{
		Kind:       row[0],
		ID:         row[1],
		Channel:    row[2],
		Start:      start,
		End:        end,
		Stage:      row[5],
		Type:       row[6],
		Provenance: Provenance(row[7]),
	}
	if row[8] != "" {
		c, err := strconv.ParseFloat(row[8], 64)
		if err != nil {
			return Record{}, fmt.Errorf("confidence: %w", err)
		}
		rec.Confidence = &c
	}
	return rec, nil
}

func csvError(err error) error {
	return errors.New(fmt.Errorf("decode annotations CSV: %w", err)).
		Component("annotation").
		Category(errors.CategoryFileParsing).
		Build()
}

// formatFloat uses the shortest representation that parses back to the same value.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteStageCSV writes the hypnogram: one row per epoch with its wall-clock
// start, offsets in seconds and stage.
func WriteStageCSV(w io.Writer, s *Set, recordingStart time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"clock_start", "start", "end", "stage"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range s.QueryEpochs(nil) {
		clock := recordingStart.Add(time.Duration(e.Start * float64(time.Second)))
		row := []string{clock.Format("15:04:05"), formatFloat(e.Start), formatFloat(e.End), e.Stage}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
