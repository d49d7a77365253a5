// Package log exports logging primitives used across the naming and
// storage servers. It wraps a single shared logger behind a small set
// of leveled functions, backed by logrus rather than a cloud logging
// client, since this module has no persistence or cloud dependency to
// report to.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level is the severity of a log message.
type Level int

// Levels, in increasing severity.
const (
	Ldebug Level = iota
	Linfo
	Lerror
	Ldisabled
)

var (
	base = func() *logrus.Logger {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.InfoLevel)
		return l
	}()

	current = Linfo
)

// SetLevel sets the minimum level of messages that will be logged.
func SetLevel(level Level) {
	current = level
	switch level {
	case Ldebug:
		base.SetLevel(logrus.DebugLevel)
	case Linfo:
		base.SetLevel(logrus.InfoLevel)
	case Lerror:
		base.SetLevel(logrus.ErrorLevel)
	case Ldisabled:
		base.SetLevel(logrus.PanicLevel + 1) // FatalLevel: only fatal and panic entries pass, and this package emits neither.
	}
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields = logrus.Fields

// Debug logs a message at debug level with optional structured fields.
func Debug(msg string, fields Fields) {
	base.WithFields(fields).Debug(msg)
}

// Info logs a message at info level with optional structured fields.
func Info(msg string, fields Fields) {
	base.WithFields(fields).Info(msg)
}

// Error logs a message at error level with optional structured fields.
func Error(msg string, fields Fields) {
	base.WithFields(fields).Error(msg)
}

// Printf writes a formatted message at info level, matching the
// signature of the standard log package for drop-in use in code
// ported from elsewhere in the module.
func Printf(format string, v ...interface{}) {
	base.Infof(format, v...)
}
