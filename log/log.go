// Package log implements a minimal debug-only logging seam shared by every
// package in this module. It is disabled (no-op) by default; callers that
// want to see cache hit/miss/eviction and secret lifecycle traces call
// SetLogger with their own implementation.
package log

var logger Interface = noopLogger{}

// Interface is the minimal logging surface this module depends on.
type Interface interface {
	// Debugf formats according to format and writes the result as a single log entry.
	Debugf(format string, v ...interface{})
}

// SetLogger installs l as the package logger and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the configured logger, or does nothing if none was set.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled reports whether a non-default logger has been installed.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
