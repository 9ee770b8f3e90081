package monitoring

import (
	"log"
	"strings"
)

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

// Infof logs an informational message for the named subsystem, e.g.
// Infof("serial", "port %s opened", name) -> "SERIAL INFO: port /dev/ttyUSB0 opened".
func Infof(subsystem, format string, v ...interface{}) {
	logTagged(subsystem, "INFO", format, v...)
}

// Warnf logs a recoverable condition for the named subsystem.
func Warnf(subsystem, format string, v ...interface{}) {
	logTagged(subsystem, "WARN", format, v...)
}

// Errorf logs a failure for the named subsystem. Nothing in the core treats
// these as fatal.
func Errorf(subsystem, format string, v ...interface{}) {
	logTagged(subsystem, "ERROR", format, v...)
}

func logTagged(subsystem, level, format string, v ...interface{}) {
	Logf(tag(subsystem, level)+format, v...)
}

func tag(subsystem, level string) string {
	return strings.ToUpper(subsystem) + " " + level + ": "
}
