package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestLoggerMethods(t *testing.T) {
	Setup("debug", "console")

	// These should not panic
	Log.Info("test info message", "key", "value")
	Log.Debug("test debug message", "grid", 16)
	Log.Warn("test warn message", "nan_rows", 2)
	Log.Error("test error message", "err", "boom")
}

func TestLoggerWith(t *testing.T) {
	Setup("info", "json")

	var buf bytes.Buffer
	base := &Logger{z: zerolog.New(&buf)}
	kl := base.With("kernel")
	if kl == nil {
		t.Fatal("expected component logger")
	}
	kl.Info("tile done", "block_m", 64, "block_n", 32)
	out := buf.String()
	if !strings.Contains(out, `"component":"kernel"`) {
		t.Errorf("expected bound component field, got %q", out)
	}
	if !strings.Contains(out, `"block_m":64`) {
		t.Errorf("expected variadic fields, got %q", out)
	}
}

func TestAddFieldsEdgeCases(t *testing.T) {
	Setup("info", "console")

	// Odd number of args: trailing key is dropped.
	Log.Info("odd args", "key1", "value1", "orphan_key")
	// Non-string key is stringified.
	Log.Info("non-string key", 123, "value")
	// Nil value is allowed.
	Log.Info("nil value", "key", nil)
	Log.Info("no fields")
}
