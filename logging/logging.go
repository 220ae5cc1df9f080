package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARNING:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LoggerInterface defines the interface for logging methods
type LoggerInterface interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warning(format string, v ...interface{})
	Error(format string, v ...interface{})
	Fatal(format string, v ...interface{})
	Sync() error
	ChangeLogLevel(level LogLevel)
}

// Logger writes human readable lines to stdout and JSON lines to hourly
// rotated files.
type Logger struct {
	zl   zerolog.Logger
	file io.WriteCloser
}

// NewLogger creates a new logger instance with file output and rotation
func NewLogger(logFile string, maxSize, maxBackups, maxAge int, compress bool, level LogLevel) (*Logger, error) {
	fw, err := newHourlyWriter(logFile, maxSize, maxBackups, maxAge, compress)
	if err != nil {
		return nil, err
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006/01/02 15:04:05.000000"}
	return newLogger(zerolog.MultiLevelWriter(console, fw), fw, level), nil
}

// NewConsoleLogger logs to w only. The daemon control commands use it so
// the parent process does not create log files.
func NewConsoleLogger(w io.Writer, level LogLevel) *Logger {
	return newLogger(zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}, nil, level)
}

func newLogger(w io.Writer, file io.WriteCloser, level LogLevel) *Logger {
	zl := zerolog.New(w).
		Level(level.zerolog()).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()
	return &Logger{zl: zl, file: file}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.zl.Debug().Msgf(format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.zl.Info().Msgf(format, v...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

// Fatal logs an error message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.zl.WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(format, v...))
	_ = l.Sync()
	os.Exit(1)
}

// Sync flushes any buffered log entries to the underlying writer
func (l *Logger) Sync() error {
	type rotator interface {
		Rotate() error
	}
	if r, ok := l.file.(rotator); ok {
		return r.Rotate()
	}
	return nil
}

// Close releases the current log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ChangeLogLevel changes the logging level at runtime
func (l *Logger) ChangeLogLevel(level LogLevel) {
	l.zl = l.zl.Level(level.zerolog())
}

// Nop discards everything. Handy for tests and optional dependencies.
type Nop struct{}

func (Nop) Debug(string, ...interface{})   {}
func (Nop) Info(string, ...interface{})    {}
func (Nop) Warning(string, ...interface{}) {}
func (Nop) Error(string, ...interface{})   {}
func (Nop) Fatal(string, ...interface{})   {}
func (Nop) Sync() error                    { return nil }
func (Nop) ChangeLogLevel(LogLevel)        {}
