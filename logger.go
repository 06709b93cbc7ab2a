package modhost

import "log/slog"

// Logger defines the interface for host runtime logging.
// The runtime uses structured logging with key-value pairs so that phase
// transitions, module lifecycle events and child-process output all produce
// consistent, parseable log lines.
//
// Every component (runtime, directory, process backend, built-in modules)
// receives its Logger through constructor injection; there is no package-level
// logger, so independent runtimes in tests log independently.
//
// The interface uses variadic arguments in key-value pairs:
//
//	logger.Info("module initialized", "module", "billing", "duration", d)
//
// and is satisfiable by slog, zap's sugared logger, logrus and similar.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal lifecycle events: phase transitions, module init,
	// instance registration.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for phase failures and child-process errors.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for degraded-but-running conditions, such as a child process
	// exiting unexpectedly or a missing working directory.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for per-call detail: heartbeats, endpoint resolution, readiness
	// signals.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
// It is the implementation hosts are expected to use unless they already
// carry their own structured logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the given slog logger. Passing nil uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
