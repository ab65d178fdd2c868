package annotation

import "github.com/tphakala/psgscore/internal/logger"

// GetLogger returns the annotation package logger scoped to the annotation module.
func GetLogger() logger.Logger {
	return logger.Global().Module("annotation")
}
