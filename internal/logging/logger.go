package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog to provide subsystem-scoped child loggers.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// New creates a root logger writing to the given writer at the specified level.
// If w is nil, defaults to pretty console output on stderr.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	zl = zl.Level(parseLevel(level))
	return &Logger{zl: zl}
}

// Options configures Open.
type Options struct {
	Level   string    // see parseLevel
	Style   string    // "pretty" | "compact" | "json"
	File    string    // optional JSON-lines log file, appended to
	Console io.Writer // defaults to stderr
}

// Open creates a root logger from options. The level is applied globally
// so SetGlobalLevel can change it later. Close releases the log file.
func Open(opts Options) (*Logger, error) {
	out := opts.Console
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer
	switch opts.Style {
	case "json":
		console = out
	case "compact":
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: true, PartsExclude: []string{zerolog.CallerFieldName}}
	default:
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	w := console
	var closer io.Closer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	SetGlobalLevel(opts.Level)
	zl := zerolog.New(w).With().Timestamp().Logger().Level(zerolog.TraceLevel)
	return &Logger{zl: zl, closer: closer}, nil
}

// SetGlobalLevel changes the minimum level for every logger.
func SetGlobalLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// Close releases the log file opened by Open, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Sub returns a child logger tagged with a subsystem name.
func (l *Logger) Sub(subsystem string) *Logger {
	return &Logger{zl: l.zl.With().Str("subsystem", subsystem).Logger()}
}

// Debug logs at debug level.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info logs at info level.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn logs at warn level.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error logs at error level.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// Zerolog returns the underlying zerolog.Logger for advanced use.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "silent":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
