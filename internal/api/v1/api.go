// Package v1 implements the JSON endpoints of the scoring API under /api/v1.
package v1

import (
	"crypto/rand"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/observability"
	"github.com/tphakala/psgscore/internal/scoring"
)

// StatusClientClosedRequest is returned when the client went away mid-request.
const StatusClientClosedRequest = 499

// GetLogger returns the API module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo    *echo.Echo
	Group   *echo.Group
	Service *scoring.Service

	metrics *observability.Metrics
	logger  logger.Logger
}

// New creates a controller and registers its routes on e. metrics may be nil.
func New(e *echo.Echo, svc *scoring.Service, metrics *observability.Metrics) *Controller {
	c := &Controller{
		Echo:    e,
		Group:   e.Group("/api/v1"),
		Service: svc,
		metrics: metrics,
		logger:  GetLogger(),
	}
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)
	c.Group.GET("/detectors", c.ListDetectors)
	c.Group.GET("/presets", c.ListPresets)

	r := c.Group.Group("/recordings/:id")
	r.GET("", c.GetRecording)
	r.GET("/summary", c.GetSummary)

	r.GET("/epochs", c.GetEpochs)
	r.POST("/epochs", c.AddEpoch)
	r.POST("/epochs/create", c.CreateEpochs)
	r.PUT("/epochs/:start", c.SetStage)
	r.DELETE("/epochs/:start", c.DeleteEpoch)

	r.GET("/events", c.GetEvents)
	r.POST("/events", c.AddEvent)
	r.DELETE("/events", c.DeleteEvents)
	r.GET("/events/:eventId", c.GetEvent)
	r.DELETE("/events/:eventId", c.DeleteEvent)

	r.GET("/markers", c.GetMarkers)
	r.POST("/markers", c.AddMarker)
	r.DELETE("/markers", c.DeleteMarkers)

	r.POST("/scans", c.Scan)
	r.GET("/export", c.Export)

	if c.metrics != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}
}

// HealthCheck reports that the API is up.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	settings := c.Service.Settings()
	return ctx.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": settings.Version,
	})
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	Category      string `json:"category,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	resp := &ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
	if cat := errors.CategoryOf(err); cat != errors.CategoryGeneric {
		resp.Category = string(cat)
	}
	return resp
}

// generateCorrelationID creates a unique identifier for tracing errors
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// statusFor maps an error category to an HTTP status code.
func statusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryOverlap, errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryOutOfRange, errors.CategoryGap, errors.CategoryInsufficientData,
		errors.CategoryChannelNotFound:
		return http.StatusUnprocessableEntity
	case errors.CategoryUnknownDetector, errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryCancellation:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleError logs err and writes it as an ErrorResponse. A zero code derives
// the status from the error category.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusFor(err)
	}
	resp := NewErrorResponse(err, message, code)

	log := c.logger.WithContext(ctx.Request().Context())
	fields := []logger.Field{
		logger.String("path", ctx.Path()),
		logger.String("method", ctx.Request().Method),
		logger.Int("status", code),
		logger.String("correlation_id", resp.CorrelationID),
		logger.Error(err),
	}
	if code >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Debug(message, fields...)
	}

	return ctx.JSON(code, resp)
}

// badRequest wraps a binding or parsing problem as a validation error.
func badRequest(err error, key, value string) error {
	return errors.New(err).
		Component("api").
		Category(errors.CategoryValidation).
		Context(key, value).
		Build()
}
