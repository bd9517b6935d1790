package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLevel slog.Level
		wantOK    bool
	}{
		{"debug lowercase", "debug", slog.LevelDebug, true},
		{"info lowercase", "info", slog.LevelInfo, true},
		{"warn lowercase", "warn", slog.LevelWarn, true},
		{"warning alias", "warning", slog.LevelWarn, true},
		{"error lowercase", "error", slog.LevelError, true},

		{"DEBUG uppercase", "DEBUG", slog.LevelDebug, true},
		{"Error mixed", "Error", slog.LevelError, true},
		{"padded", "  info ", slog.LevelInfo, true},

		{"empty string", "", slog.LevelInfo, false},
		{"unknown level", "trace", slog.LevelInfo, false},
		{"typo", "infoo", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLevel, gotOK := ParseLevel(tt.input)
			if gotOK != tt.wantOK {
				t.Errorf("ParseLevel(%q) ok = %v, want %v", tt.input, gotOK, tt.wantOK)
			}
			if gotOK && gotLevel != tt.wantLevel {
				t.Errorf("ParseLevel(%q) level = %v, want %v", tt.input, gotLevel, tt.wantLevel)
			}
		})
	}
}

func TestParseLevelOrDefault(t *testing.T) {
	if got := ParseLevelOrDefault("garbage"); got != DefaultLevel {
		t.Errorf("ParseLevelOrDefault(garbage) = %v, want %v", got, DefaultLevel)
	}
	if got := ParseLevelOrDefault("debug"); got != slog.LevelDebug {
		t.Errorf("ParseLevelOrDefault(debug) = %v, want %v", got, slog.LevelDebug)
	}
}
