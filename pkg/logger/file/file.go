// Package file provides a logging backend writing JSON lines to a rotating
// log file.
package file

import (
	"io"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger implements LoggerInstance on top of a lumberjack writer.
type FileLogger struct {
	logger *log.Logger
	closer io.Closer
}

// FileLoggerParams configures rotation. Sizes are in megabytes, MaxAge in
// days. Zero values use the lumberjack defaults.
type FileLoggerParams struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAge     int
	Compress   bool
	Debug      bool
}

func NewFileLogger(params FileLoggerParams) *FileLogger {
	writer := &lumberjack.Logger{
		Filename:   params.Path,
		MaxSize:    params.MaxSizeMB,
		MaxBackups: params.MaxBackups,
		MaxAge:     params.MaxAge,
		Compress:   params.Compress,
	}
	return newFileLogger(writer, writer, params.Debug)
}

func newFileLogger(w io.Writer, closer io.Closer, debug bool) *FileLogger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Formatter:       log.JSONFormatter,
	})
	return &FileLogger{logger: logger, closer: closer}
}

// Close flushes and closes the underlying file.
func (f *FileLogger) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *FileLogger) Log(message string, keyvals ...any) {
	f.logger.Print(message, keyvals...)
}

func (f *FileLogger) Info(message string, keyvals ...any) {
	f.logger.Info(message, keyvals...)
}

func (f *FileLogger) Warn(message string, keyvals ...any) {
	f.logger.Warn(message, keyvals...)
}

func (f *FileLogger) Error(message string, keyvals ...any) {
	f.logger.Error(message, keyvals...)
}

func (f *FileLogger) Debug(message string, keyvals ...any) {
	f.logger.Debug(message, keyvals...)
}

func (f *FileLogger) Fatal(message string, keyvals ...any) {
	f.logger.Fatal(message, keyvals...)
}
