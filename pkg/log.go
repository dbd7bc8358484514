package pkg

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Component identifies a subsystem for log filtering.
type Component string

// Probe component identifiers.
const (
	ComponentDevice    Component = "device"
	ComponentStack     Component = "stack"
	ComponentHAL       Component = "hal"
	ComponentEndpoint  Component = "endpoint"
	ComponentNCM       Component = "ncm"
	ComponentDAP       Component = "dap"
	ComponentCDC       Component = "cdc"
	ComponentNetif     Component = "netif"
	ComponentTelemetry Component = "telemetry"
	ComponentConfig    Component = "config"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Console text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used by the probe.
	DefaultLogger zerolog.Logger

	// logLevel controls the minimum log level.
	logLevel = zerolog.WarnLevel

	// logOutput is the writer behind DefaultLogger.
	logOutput io.Writer = os.Stderr

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	DefaultLogger = newTextLogger(logOutput).Level(logLevel)
}

func newTextLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000",
		NoColor:    true,
	}).With().Timestamp().Logger()
}

// ParseLogLevel converts a level name (debug, info, warn, error) into a
// zerolog level. Unknown names yield zerolog.WarnLevel.
func ParseLogLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.WarnLevel
	}
	return level
}

// SetLogLevel sets the minimum log level for all probe logging.
func SetLogLevel(level zerolog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel = level
	DefaultLogger = DefaultLogger.Level(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() zerolog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger zerolog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	switch format {
	case LogFormatJSON:
		zerolog.TimeFieldFormat = time.RFC3339Nano
		DefaultLogger = zerolog.New(logOutput).With().Timestamp().Logger().Level(logLevel)
	default:
		DefaultLogger = newTextLogger(logOutput).Level(logLevel)
	}
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return newTextLogger(w).Level(level)
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger().Level(level)
}

func logger() zerolog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

func emit(ev *zerolog.Event, component Component, msg string, args []any) {
	if ev == nil {
		return
	}
	ev = ev.Str("component", string(component))
	if len(args) > 0 {
		ev = ev.Fields(args)
	}
	ev.Msg(msg)
}

// LogDebug logs a debug message with the given component. The trailing
// arguments are alternating keys and values.
func LogDebug(component Component, msg string, args ...any) {
	l := logger()
	emit(l.Debug(), component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	l := logger()
	emit(l.Info(), component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	l := logger()
	emit(l.Warn(), component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	l := logger()
	emit(l.Error(), component, msg, args)
}
