package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON output with key field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"info at debug level", "debug", slog.LevelInfo, true},
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at info level", "info", slog.LevelInfo, true},
		{"warn at info level", "info", slog.LevelWarn, true},
		{"info at warn level", "warn", slog.LevelInfo, false},
		{"warn at warn level", "warn", slog.LevelWarn, true},
		{"error at warn level", "warn", slog.LevelError, true},
		{"warn at error level", "error", slog.LevelWarn, false},
		{"error at error level", "error", slog.LevelError, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			logger.Log(context.Background(), tc.logLevel, "test message")

			hasOutput := buf.Len() > 0
			if hasOutput != tc.shouldAppear {
				t.Errorf("level %s at config %s: expected shouldAppear=%v, got output=%v",
					tc.logLevel, tc.configLevel, tc.shouldAppear, hasOutput)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"err", slog.LevelError},
		{"fatal", LevelFatal},
		{"FATAL", LevelFatal},
		{"unknown", slog.LevelInfo}, // Default
		{"", slog.LevelInfo},        // Default
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			result := parseLevel(tc.input)
			if result != tc.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tc.input, result, tc.expected)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}

	// Should not panic
	logger.Info("this should be discarded")
	logger.Error("this too")
}

func TestNewLogger_DefaultsToStderr(t *testing.T) {
	// Just verify it doesn't panic
	logger := NewLogger("info", "text")
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLoggerWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("packet received",
		KeySLID, "0x0101",
		KeyOp, "DS",
		KeyPkgNum, 7,
	)

	output := buf.String()
	if !strings.Contains(output, "slid=0x0101") {
		t.Errorf("expected slid attribute, got: %s", output)
	}
	if !strings.Contains(output, "op=DS") {
		t.Errorf("expected op attribute, got: %s", output)
	}
	if !strings.Contains(output, "pkg_num=7") {
		t.Errorf("expected pkg_num attribute, got: %s", output)
	}
}

func TestFatal_LevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("error", "text", &buf)

	Fatal(logger, "config rejected", KeyError, "version mismatch")

	output := buf.String()
	if !strings.Contains(output, "level=FATAL") {
		t.Errorf("expected level=FATAL, got: %s", output)
	}
}

func TestFatal_FilteredAboveFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("fatal", "text", &buf)

	logger.Error("dropped")
	if buf.Len() != 0 {
		t.Errorf("error logged at fatal level: %s", buf.String())
	}

	Fatal(logger, "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("fatal message missing: %s", buf.String())
	}
}

func TestIsValidLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "fatal", "INFO"} {
		if !IsValidLevel(lvl) {
			t.Errorf("IsValidLevel(%q) = false", lvl)
		}
	}
	if IsValidLevel("verbose") {
		t.Error("IsValidLevel(verbose) = true")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NopLogger()
	if OrNop(l) != l {
		t.Error("OrNop did not return the given logger")
	}
}
