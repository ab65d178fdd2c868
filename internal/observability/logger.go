// Package observability wires the Prometheus registry and the standalone metrics endpoint.
package observability

import "github.com/tphakala/psgscore/internal/logger"

// GetLogger returns the observability package logger scoped to the telemetry module.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}
