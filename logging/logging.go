// Package logging defines the logging contract used across collate's
// long-running components.
//
// The interface is minimal and follows the log/slog convention of variadic
// key-value attribute pairs, so a *slog.Logger drops in via NewSlogAdapter
// and other structured loggers need only a thin wrapper:
//
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	pipeline := ingestor.New(history, current, extractor,
//	    ingestor.WithLogger(logging.NewSlogAdapter(slog.New(handler))))
//
// Components default to NopLogger when none is configured.
package logging

import "log/slog"

// Logger is the structured logging interface accepted by every component.
// Implementations treat attrs as alternating key-value pairs.
type Logger interface {
	// Debug logs detailed diagnostic information.
	Debug(msg string, attrs ...any)

	// Info logs general operational information.
	Info(msg string, attrs ...any)

	// Warn logs potentially harmful situations.
	Warn(msg string, attrs ...any)

	// Error logs error conditions.
	Error(msg string, attrs ...any)

	// With returns a Logger with the given attributes prepended to every log.
	With(attrs ...any) Logger
}

// NopLogger discards all output. It is the default when no logger is
// configured.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(_ string, _ ...any) {}

// Info implements Logger.
func (NopLogger) Info(_ string, _ ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(_ string, _ ...any) {}

// Error implements Logger.
func (NopLogger) Error(_ string, _ ...any) {}

// With implements Logger.
func (n NopLogger) With(_ ...any) Logger { return n }

var _ Logger = NopLogger{}

// SlogAdapter implements Logger on top of a *slog.Logger.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps a *slog.Logger. A nil logger means slog.Default().
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Debug implements Logger.
func (s *SlogAdapter) Debug(msg string, attrs ...any) {
	s.logger.Debug(msg, attrs...)
}

// Info implements Logger.
func (s *SlogAdapter) Info(msg string, attrs ...any) {
	s.logger.Info(msg, attrs...)
}

// Warn implements Logger.
func (s *SlogAdapter) Warn(msg string, attrs ...any) {
	s.logger.Warn(msg, attrs...)
}

// Error implements Logger.
func (s *SlogAdapter) Error(msg string, attrs ...any) {
	s.logger.Error(msg, attrs...)
}

// With implements Logger.
func (s *SlogAdapter) With(attrs ...any) Logger {
	return &SlogAdapter{logger: s.logger.With(attrs...)}
}

var _ Logger = (*SlogAdapter)(nil)
