package v1

import (
	"cmp"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/psgscore/internal/detector"
	"github.com/tphakala/psgscore/internal/timespan"
)

// ChannelInfo describes one channel of a loaded recording.
type ChannelInfo struct {
	Name    string  `json:"name"`
	Rate    float64 `json:"rate"`
	Samples int     `json:"samples"`
}

// RecordingInfo describes a loaded recording.
type RecordingInfo struct {
	ID        string              `json:"id"`
	StartTime time.Time           `json:"start_time"`
	Duration  float64             `json:"duration"`
	Channels  []ChannelInfo       `json:"channels"`
	Gaps      []timespan.Interval `json:"gaps"`
}

// Summary aggregates the annotation set of a recording.
type Summary struct {
	RecordingID string             `json:"recording_id"`
	Rater       string             `json:"rater,omitempty"`
	Version     uint64             `json:"version"`
	Epochs      int                `json:"epochs"`
	Events      int                `json:"events"`
	TimeInStage map[string]float64 `json:"time_in_stage"`
	EventTypes  []string           `json:"event_types"`
}

// PresetInfo is a named detector preset from the configuration.
type PresetInfo struct {
	Name   string          `json:"name"`
	Config detector.Config `json:"config"`
}

// ListDetectors returns the registered detector algorithms.
func (c *Controller) ListDetectors(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.Service.Registry().List())
}

// ListPresets returns the configured detector presets sorted by name.
func (c *Controller) ListPresets(ctx echo.Context) error {
	presets := c.Service.Settings().Detectors
	out := make([]PresetInfo, 0, len(presets))
	for name, cfg := range presets {
		out = append(out, PresetInfo{Name: name, Config: cfg})
	}
	slices.SortFunc(out, func(a, b PresetInfo) int { return cmp.Compare(a.Name, b.Name) })
	return ctx.JSON(http.StatusOK, out)
}

// GetRecording describes a loaded recording.
func (c *Controller) GetRecording(ctx echo.Context) error {
	rec, err := c.Service.Recording(ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Recording not loaded", 0)
	}

	info := RecordingInfo{
		ID:        rec.ID(),
		StartTime: rec.StartTime(),
		Duration:  rec.Duration(),
		Gaps:      rec.Gaps(),
	}
	for _, ch := range rec.Channels() {
		info.Channels = append(info.Channels, ChannelInfo{Name: ch.Name(), Rate: ch.Rate(), Samples: ch.Len()})
	}
	return ctx.JSON(http.StatusOK, info)
}

// GetSummary returns counts, time per stage and event types of a set.
func (c *Controller) GetSummary(ctx echo.Context) error {
	set, err := c.Service.Lookup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load annotations", 0)
	}

	snap := set.Snapshot()
	summary := Summary{
		RecordingID: snap.RecordingID,
		Rater:       snap.Rater,
		Version:     snap.Version,
		Epochs:      len(snap.Epochs),
		Events:      len(snap.Events),
		TimeInStage: make(map[string]float64),
		EventTypes:  set.EventTypes(),
	}
	for _, e := range snap.Epochs {
		summary.TimeInStage[e.Stage] += e.Duration()
	}
	return ctx.JSON(http.StatusOK, summary)
}
