package detector

import "github.com/tphakala/psgscore/internal/logger"

// GetLogger returns the detector package logger scoped to the detector module.
func GetLogger() logger.Logger {
	return logger.Global().Module("detector")
}
