// Package logging provides structured, leveled logging for SteamLink stations.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelFatal marks conditions that stop a station from running, such as an
// invalid node configuration record. Logging at this level never exits the
// process; the caller decides what to do.
const LevelFatal = slog.Level(12)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error, fatal
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: renameFatal,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// renameFatal prints LevelFatal as FATAL instead of ERROR+4.
func renameFatal(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelFatal {
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// IsValidLevel reports whether level is understood by NewLogger.
func IsValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error", "err", "fatal":
		return true
	default:
		return false
	}
}

// Fatal logs msg at LevelFatal.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFatal, msg, args...)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger, or a discarding logger when it is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// Common attribute keys for consistent logging.
const (
	KeySLID       = "slid"
	KeyToSLID     = "to_slid"
	KeyOp         = "op"
	KeyPkgNum     = "pkg_num"
	KeyAckCode    = "ack_code"
	KeyAttempts   = "attempts"
	KeyLeg        = "leg"
	KeyRole       = "role"
	KeyBridgeMode = "bridge_mode"
	KeyTransport  = "transport"
	KeyAddress    = "address"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyLength     = "length"
	KeyDuration   = "duration"
	KeyCount      = "count"
)
