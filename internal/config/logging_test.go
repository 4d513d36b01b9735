package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupLoggerWithWritersFanout(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("sync started", "jobs", 3)

	if !strings.Contains(stderr.String(), "sync started") {
		t.Errorf("stderr output missing message: %q", stderr.String())
	}
	if !strings.Contains(file.String(), `"msg":"sync started"`) {
		t.Errorf("file output is not JSON: %q", file.String())
	}
	if !strings.Contains(file.String(), `"jobs":3`) {
		t.Errorf("file output missing attrs: %q", file.String())
	}
}

func TestSetupLoggerWithWritersRespectsLevel(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelWarn)

	logger.Debug("claimed job")
	logger.Info("claimed job")

	if stderr.Len() != 0 || file.Len() != 0 {
		t.Errorf("below-level records were written: stderr=%q file=%q", stderr.String(), file.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}
