// Package log provides the structured logging interface used across forestops.
//
// The interface is deliberately small and slog-shaped so that estimators,
// the tracking client and the CLI can log without caring about the backend.
// The production backend is zerolog (see zerolog.go); tests use TestLogger,
// which captures JSON lines in memory.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("training").With(
//	    log.ModelNameKey, "RandomForestClassifier",
//	    log.RunIDKey, run.ID(),
//	)
//	logger.Info("Training completed",
//	    log.OperationKey, log.OperationFit,
//	    log.SamplesKey, 112,
//	    log.AccuracyKey, 0.97,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key/value pairs. The With method returns a child
// logger that carries the given fields on every subsequent entry.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	//
	// Example:
	//   logger.Debug("Tree fitted",
	//       "tree", 17,
	//       "depth", 9,
	//   )
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional structured fields.
	//
	// Example:
	//   logger.Info("Run finished",
	//       log.RunIDKey, runID,
	//       log.AccuracyKey, 0.95,
	//   )
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message with optional structured fields.
	// If the first field is an error value it is logged under the "error"
	// key together with its stack trace when one is attached.
	//
	// Example:
	//   logger.Error("Run failed",
	//       err,
	//       log.RunIDKey, runID,
	//   )
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4 // Detailed diagnostic information
	LevelInfo  Level = 0  // General operational information
	LevelWarn  Level = 4  // Warning conditions
	LevelError Level = 8  // Error conditions
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider defines an interface for creating and configuring loggers.
// This interface allows for dependency injection and testing with different
// logger implementations.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger with a specific name/component identifier.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}

// splitFields separates a leading error value from the key/value pairs.
func splitFields(fields []any) (error, []any) {
	if len(fields)%2 == 1 {
		if err, ok := fields[0].(error); ok {
			return err, fields[1:]
		}
	}
	return nil, fields
}
