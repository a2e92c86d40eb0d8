// Package logger provides the broker's contextual structured logging API.
//
// Call sites log a component name, a short message, and a field map; the
// package decides how to render it (JSON to stderr by default, a colorized
// console writer after SetHuman) without callers depending on the
// underlying library directly.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level scale so callers never import zerolog.
type Level int8

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	log = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// SetLevel adjusts the minimum level emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	log = log.Level(toZerolog(l))
}

// SetHuman switches to a colorized single-line console writer in place of
// the default JSON output, keeping the current level.
func SetHuman(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	log = zerolog.New(console).With().Timestamp().Logger().Level(log.GetLevel())
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func event(l zerolog.Level, component, msg string, fields map[string]any) {
	mu.RLock()
	l2 := log
	mu.RUnlock()

	ev := l2.WithLevel(l).Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// DebugCF logs at debug level with contextual fields.
func DebugCF(component, msg string, fields map[string]any) { event(zerolog.DebugLevel, component, msg, fields) }

// InfoCF logs at info level with contextual fields.
func InfoCF(component, msg string, fields map[string]any) { event(zerolog.InfoLevel, component, msg, fields) }

// WarnCF logs at warn level with contextual fields.
func WarnCF(component, msg string, fields map[string]any) { event(zerolog.WarnLevel, component, msg, fields) }

// ErrorCF logs at error level with contextual fields.
func ErrorCF(component, msg string, fields map[string]any) { event(zerolog.ErrorLevel, component, msg, fields) }
