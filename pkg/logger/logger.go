// Package logger configures the process-wide slog logger.
//
// All packages log through log/slog; Init installs a handler chain that
// formats records for the chosen output and, above debug level, drops
// records emitted by third-party libraries so service logs stay readable.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const modulePrefix = "github.com/nestor-ai/nestor"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, &UnknownLevelError{Level: levelStr}
	}
}

// UnknownLevelError reports an unrecognized log level string.
type UnknownLevelError struct {
	Level string
}

func (e *UnknownLevelError) Error() string {
	return "unknown log level: " + e.Level
}

// moduleFilterHandler drops records emitted outside this module unless the
// configured level is debug. Libraries that log through slog (database
// drivers, exporters) otherwise drown out service logs.
type moduleFilterHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *moduleFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *moduleFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if !fromThisModule(record.PC) {
		return nil
	}
	return h.handler.Handle(ctx, record)
}

func (h *moduleFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleFilterHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *moduleFilterHandler) WithGroup(name string) slog.Handler {
	return &moduleFilterHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), modulePrefix) || strings.Contains(file, "nestor/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// consoleHandler renders records as "LEVEL message k=v ...", optionally
// prefixed with a timestamp (verbose) and ANSI-colored when the output is a
// terminal.
type consoleHandler struct {
	writer   io.Writer
	minLevel slog.Level
	useColor bool
	verbose  bool
	attrs    []slog.Attr
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.verbose && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(record.Level.String())
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.useColor {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	writeAttr := func(a slog.Attr) {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &consoleHandler{
		writer:   h.writer,
		minLevel: h.minLevel,
		useColor: h.useColor,
		verbose:  h.verbose,
		attrs:    merged,
	}
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Init installs the process logger.
//
// format selects the record layout: "simple" (level + message, the
// default), "verbose" (adds timestamps), or "json" (slog.JSONHandler, for
// log collectors). Color is enabled automatically when output is a
// terminal. Third-party records are filtered above debug level.
func Init(level slog.Level, output *os.File, format string) {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	case "verbose":
		handler = &consoleHandler{writer: output, minLevel: level, useColor: isTerminal(output), verbose: true}
	default:
		handler = &consoleHandler{writer: output, minLevel: level, useColor: isTerminal(output)}
	}

	defaultLogger = slog.New(&moduleFilterHandler{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file at the specified path.
// Returns the file handle and a cleanup function.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// GetLogger returns the default slog logger, initializing it with info
// level and simple format if Init was never called.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
