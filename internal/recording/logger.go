package recording

import "github.com/tphakala/psgscore/internal/logger"

// GetLogger returns the recording package logger scoped to the recording module.
func GetLogger() logger.Logger {
	return logger.Global().Module("recording")
}
