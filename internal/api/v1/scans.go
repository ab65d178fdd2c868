package v1

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/psgscore/internal/detector"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/scoring"
	"github.com/tphakala/psgscore/internal/timespan"
)

// ScanRequest is the body of POST /scans. Exactly one of Preset and Config
// must be set; Range narrows a preset to part of the recording.
type ScanRequest struct {
	Preset string             `json:"preset,omitempty"`
	Config *detector.Config   `json:"config,omitempty"`
	Range  *timespan.Interval `json:"range,omitempty"`
}

// resolve returns the detector configuration the request names.
func (r *ScanRequest) resolve(svc *scoring.Service) (detector.Config, error) {
	switch {
	case r.Preset != "" && r.Config != nil:
		return detector.Config{}, badRequest(fmt.Errorf("preset and config are mutually exclusive"), "preset", r.Preset)
	case r.Config != nil:
		cfg := *r.Config
		if r.Range != nil {
			cfg.Range = r.Range
		}
		return cfg, nil
	case r.Preset != "":
		cfg, err := svc.Preset(r.Preset)
		if err != nil {
			return detector.Config{}, err
		}
		if r.Range != nil {
			cfg.Range = r.Range
		}
		return cfg, nil
	default:
		return detector.Config{}, badRequest(fmt.Errorf("either preset or config is required"), "preset", "")
	}
}

// Scan runs a detector over the recording and merges its candidates.
func (c *Controller) Scan(ctx echo.Context) error {
	var req ScanRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	cfg, err := req.resolve(c.Service)
	if err != nil {
		code := 0
		if errors.IsNotFound(err) {
			// An unknown preset is a bad request, not a missing resource.
			code = http.StatusBadRequest
		}
		return c.HandleError(ctx, err, "Invalid scan request", code)
	}

	res, err := c.Service.Scan(ctx.Request().Context(), ctx.Param("id"), cfg)
	if err != nil {
		return c.HandleError(ctx, err, "Scan failed", 0)
	}
	return ctx.JSON(http.StatusOK, res)
}

// Export writes the annotation set in ?format= (yaml, csv or stages).
func (c *Controller) Export(ctx echo.Context) error {
	format := ctx.QueryParam("format")
	if format == "" {
		format = c.Service.Settings().Output.Format
	}
	if format == "" {
		format = scoring.FormatYAML
	}

	var buf bytes.Buffer
	if err := c.Service.Export(ctx.Request().Context(), ctx.Param("id"), format, &buf); err != nil {
		return c.HandleError(ctx, err, "Export failed", 0)
	}

	contentType := "text/csv; charset=utf-8"
	if format == scoring.FormatYAML {
		contentType = "application/yaml"
	}
	filename := fmt.Sprintf("%s.%s", ctx.Param("id"), extension(format))
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return ctx.Blob(http.StatusOK, contentType, buf.Bytes())
}

func extension(format string) string {
	if format == scoring.FormatStages {
		return "stages.csv"
	}
	return format
}
