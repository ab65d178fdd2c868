package v1

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
)

// EpochRequest is the body of POST /epochs and PUT /epochs/:start.
type EpochRequest struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Stage string  `json:"stage"`
}

// EventRequest is the body of POST /events. Events created through the API
// always carry manual provenance.
type EventRequest struct {
	ID         string   `json:"id,omitempty"`
	Channel    string   `json:"channel"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// CreatedResponse carries the identifier of a new event.
type CreatedResponse struct {
	ID string `json:"id"`
}

// parseRange reads the optional start and end query parameters. Both absent
// means no restriction; a missing bound is open.
func parseRange(ctx echo.Context) (*timespan.Interval, error) {
	startParam, endParam := ctx.QueryParam("start"), ctx.QueryParam("end")
	if startParam == "" && endParam == "" {
		return nil, nil
	}

	start, end := 0.0, math.Inf(1)
	var err error
	if startParam != "" {
		if start, err = strconv.ParseFloat(startParam, 64); err != nil {
			return nil, badRequest(fmt.Errorf("invalid start %q: %w", startParam, err), "start", startParam)
		}
	}
	if endParam != "" {
		if end, err = strconv.ParseFloat(endParam, 64); err != nil {
			return nil, badRequest(fmt.Errorf("invalid end %q: %w", endParam, err), "end", endParam)
		}
	}
	if start >= end {
		return nil, badRequest(fmt.Errorf("start %g must be before end %g", start, end), "range", startParam+","+endParam)
	}
	rng := timespan.New(start, end)
	return &rng, nil
}

// epochStart parses the :start path parameter.
func epochStart(ctx echo.Context) (float64, error) {
	param := ctx.Param("start")
	start, err := strconv.ParseFloat(param, 64)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid epoch start %q: %w", param, err), "start", param)
	}
	return start, nil
}

// GetEpochs returns the epochs of a recording, optionally limited to the
// ones overlapping ?start=&end=.
func (c *Controller) GetEpochs(ctx echo.Context) error {
	rng, err := parseRange(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid range", 0)
	}
	set, err := c.Service.Lookup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load annotations", 0)
	}
	epochs := set.QueryEpochs(rng)
	if epochs == nil {
		epochs = []annotation.Epoch{}
	}
	return ctx.JSON(http.StatusOK, epochs)
}

// AddEpoch stores a manually scored epoch.
func (c *Controller) AddEpoch(ctx echo.Context) error {
	var req EpochRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	epoch := annotation.Epoch{Interval: timespan.New(req.Start, req.End), Stage: req.Stage}
	if err := c.Service.AddManualEpoch(ctx.Request().Context(), ctx.Param("id"), epoch); err != nil {
		return c.HandleError(ctx, err, "Failed to add epoch", 0)
	}
	return ctx.JSON(http.StatusCreated, epoch)
}

// CreateEpochs splits the whole recording into epochs of the configured length.
func (c *Controller) CreateEpochs(ctx echo.Context) error {
	id := ctx.Param("id")
	if err := c.Service.CreateEpochs(ctx.Request().Context(), id); err != nil {
		return c.HandleError(ctx, err, "Failed to create epochs", 0)
	}
	return c.GetEpochs(ctx)
}

// SetStage relabels the epoch starting at :start.
func (c *Controller) SetStage(ctx echo.Context) error {
	start, err := epochStart(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid epoch", 0)
	}
	var req EpochRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	err = c.Service.Update(ctx.Request().Context(), ctx.Param("id"), func(tx *annotation.Tx) error {
		return tx.SetStage(start, req.Stage)
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to set stage", 0)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// DeleteEpoch removes the epoch starting at :start.
func (c *Controller) DeleteEpoch(ctx echo.Context) error {
	start, err := epochStart(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid epoch", 0)
	}
	err = c.Service.Update(ctx.Request().Context(), ctx.Param("id"), func(tx *annotation.Tx) error {
		return tx.RemoveEpoch(start)
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to remove epoch", 0)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// GetEvents returns the events of a recording filtered by ?type=, ?channel=
// and ?start=&end=.
func (c *Controller) GetEvents(ctx echo.Context) error {
	rng, err := parseRange(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid range", 0)
	}
	set, err := c.Service.Lookup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load annotations", 0)
	}

	events := set.QueryEvents(annotation.EventQuery{
		Range:   rng,
		Type:    ctx.QueryParam("type"),
		Channel: ctx.QueryParam("channel"),
	})
	if events == nil {
		events = []annotation.Event{}
	}
	return ctx.JSON(http.StatusOK, events)
}

// GetEvent returns one event by identifier.
func (c *Controller) GetEvent(ctx echo.Context) error {
	set, err := c.Service.Lookup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load annotations", 0)
	}

	eventID := ctx.Param("eventId")
	ev, ok := set.Event(eventID)
	if !ok {
		err := errors.Newf("event %q not found", eventID).
			Component("api").
			Category(errors.CategoryNotFound).
			Context("event_id", eventID).
			Build()
		return c.HandleError(ctx, err, "Event not found", http.StatusNotFound)
	}
	return ctx.JSON(http.StatusOK, ev)
}

// AddEvent stores a manually marked event.
func (c *Controller) AddEvent(ctx echo.Context) error {
	var req EventRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	ev := annotation.Event{
		ID:         req.ID,
		Channel:    req.Channel,
		Interval:   timespan.New(req.Start, req.End),
		Type:       req.Type,
		Confidence: req.Confidence,
	}
	id, err := c.Service.AddManualEvent(ctx.Request().Context(), ctx.Param("id"), ev)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to add event", 0)
	}
	return ctx.JSON(http.StatusCreated, CreatedResponse{ID: id})
}

// DeleteEvent removes an event by identifier.
func (c *Controller) DeleteEvent(ctx echo.Context) error {
	eventID := ctx.Param("eventId")
	err := c.Service.Update(ctx.Request().Context(), ctx.Param("id"), func(tx *annotation.Tx) error {
		return tx.RemoveEvent(eventID)
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to remove event", 0)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// RemovedResponse reports how many annotations a filtered delete removed.
type RemovedResponse struct {
	Removed int `json:"removed"`
}

// DeleteEvents removes every event matching ?type=, ?channel= and
// ?start=&end=. At least one filter is required.
func (c *Controller) DeleteEvents(ctx echo.Context) error {
	rng, err := parseRange(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid range", 0)
	}
	q := annotation.EventQuery{Range: rng, Type: ctx.QueryParam("type"), Channel: ctx.QueryParam("channel")}
	if q == (annotation.EventQuery{}) {
		err := badRequest(fmt.Errorf("deleting events needs a type, channel or time filter"), "filter", "")
		return c.HandleError(ctx, err, "Missing filter", 0)
	}

	n, err := c.Service.RemoveEvents(ctx.Request().Context(), ctx.Param("id"), q)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to remove events", 0)
	}
	return ctx.JSON(http.StatusOK, RemovedResponse{Removed: n})
}
