package logging

import (
	"io"
	"log"
	"os"
)

// Logger provides level-based logging functionality
type Logger struct {
	debugEnabled bool
	infoLogger   *log.Logger
	debugLogger  *log.Logger
}

// Global logger instance
var globalLogger *Logger

// Initialize sets up the global logger with debug mode setting
// All logging goes to stderr so stdout stays clean for worker subprocess output
func Initialize(debugMode bool) {
	// Worker tees a launched task's own stdout straight through (see
	// internal/worker's run loop) — component logging must never share
	// that stream, or task output and log lines would interleave.
	var output io.Writer = os.Stderr

	globalLogger = &Logger{
		debugEnabled: debugMode,
		infoLogger:   log.New(output, "", log.LstdFlags),
		debugLogger:  log.New(output, "", log.LstdFlags),
	}
}

// Info logs informational messages (always shown)
func Info(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.infoLogger.Printf(format, args...)
	}
}

// Debug logs debug messages (only shown when debug mode is enabled)
func Debug(format string, args ...interface{}) {
	if globalLogger != nil && globalLogger.debugEnabled {
		globalLogger.debugLogger.Printf("DEBUG: "+format, args...)
	}
}

// Error logs error messages (always shown)
func Error(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.infoLogger.Printf("ERROR: "+format, args...)
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return globalLogger != nil && globalLogger.debugEnabled
}

// Component is a named logger that prefixes every line with a component
// tag, so swarm/distributor/worker/state-server output can share one
// stream (as it commonly does under a test harness or a supervisor process)
// without losing attribution.
type Component struct {
	name string
}

// Named returns a Component logger prefixed with name, e.g. "swarm" or
// "distributor[42]".
func Named(name string) Component {
	return Component{name: name}
}

func (c Component) Info(format string, args ...interface{}) {
	Info("["+c.name+"] "+format, args...)
}

func (c Component) Debug(format string, args ...interface{}) {
	Debug("["+c.name+"] "+format, args...)
}

func (c Component) Error(format string, args ...interface{}) {
	Error("["+c.name+"] "+format, args...)
}
