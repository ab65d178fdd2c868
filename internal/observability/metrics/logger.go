// Package metrics provides Prometheus metrics for observability.
package metrics

import "github.com/tphakala/psgscore/internal/logger"

// GetLogger returns the metrics package logger scoped to the telemetry module.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}
