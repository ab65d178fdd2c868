package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/timespan"
)

// MarkerRequest is the body of POST /markers. End defaults to Start for
// point markers.
type MarkerRequest struct {
	Name    string   `json:"name"`
	Start   float64  `json:"start"`
	End     *float64 `json:"end,omitempty"`
	Channel string   `json:"channel,omitempty"`
}

func markerQuery(ctx echo.Context) (annotation.MarkerQuery, error) {
	rng, err := parseRange(ctx)
	if err != nil {
		return annotation.MarkerQuery{}, err
	}
	return annotation.MarkerQuery{Range: rng, Name: ctx.QueryParam("name"), Channel: ctx.QueryParam("channel")}, nil
}

// GetMarkers returns the markers of a recording filtered by ?name=, ?channel=
// and ?start=&end=.
func (c *Controller) GetMarkers(ctx echo.Context) error {
	q, err := markerQuery(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid range", 0)
	}
	set, err := c.Service.Lookup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load annotations", 0)
	}
	return ctx.JSON(http.StatusOK, set.QueryMarkers(q))
}

// AddMarker stores a named marker.
func (c *Controller) AddMarker(ctx echo.Context) error {
	var req MarkerRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	end := req.Start
	if req.End != nil {
		end = *req.End
	}

	m := annotation.Marker{Name: req.Name, Interval: timespan.New(req.Start, end), Channel: req.Channel}
	if err := c.Service.AddMarker(ctx.Request().Context(), ctx.Param("id"), m); err != nil {
		return c.HandleError(ctx, err, "Failed to add marker", 0)
	}
	return ctx.JSON(http.StatusCreated, m)
}

// DeleteMarkers removes the markers matching the same filters as GetMarkers.
// Without filters every marker goes.
func (c *Controller) DeleteMarkers(ctx echo.Context) error {
	q, err := markerQuery(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid range", 0)
	}
	n, err := c.Service.RemoveMarkers(ctx.Request().Context(), ctx.Param("id"), q)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to remove markers", 0)
	}
	return ctx.JSON(http.StatusOK, RemovedResponse{Removed: n})
}
