package merge

import "github.com/tphakala/psgscore/internal/logger"

// GetLogger returns the merge package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("merge")
}
