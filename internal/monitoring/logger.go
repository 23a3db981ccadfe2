// Package monitoring holds the process-wide diagnostic logger used by the
// bridge packages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Status line prefixes. Operators grep for these, keep them stable.
const (
	InfoPrefix  = "[INFO] "
	WarnPrefix  = "[WARN] "
	ErrorPrefix = "[ERROR] "
)

// Infof logs an informational status line.
func Infof(format string, v ...interface{}) { Logf(InfoPrefix+format, v...) }

// Warnf logs a recoverable problem.
func Warnf(format string, v ...interface{}) { Logf(WarnPrefix+format, v...) }

// Errorf logs a failure.
func Errorf(format string, v ...interface{}) { Logf(ErrorPrefix+format, v...) }
