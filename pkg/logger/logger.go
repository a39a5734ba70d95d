// Package logger provides component-tagged structured logging for the
// bridge. Every entry carries a short component name ("socket",
// "onebot", "gateway", ...) so multi-account logs stay greppable.
package logger

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var log atomic.Pointer[zerolog.Logger]

func init() {
	l := newLogger(zerolog.InfoLevel)
	log.Store(&l)
}

func newLogger(level zerolog.Level) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// SetDebug toggles debug-level output for the whole process.
func SetDebug(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	l := newLogger(level)
	log.Store(&l)
}

func emit(event *zerolog.Event, component, msg string, fields map[string]interface{}) {
	event = event.Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) {
	emit(log.Load().Debug(), component, msg, nil)
}

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(log.Load().Debug(), component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) {
	emit(log.Load().Info(), component, msg, nil)
}

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(log.Load().Info(), component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) {
	emit(log.Load().Warn(), component, msg, nil)
}

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(log.Load().Warn(), component, msg, fields)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) {
	emit(log.Load().Error(), component, msg, nil)
}

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(log.Load().Error(), component, msg, fields)
}
