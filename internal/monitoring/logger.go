package monitoring

import "log"

// Logf is the package-level diagnostic logger shared by the telemetry
// pipeline. It defaults to log.Printf; SetLogger redirects it, and tests
// commonly mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
