package config

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"TRACE":   LevelTrace,
		"debug":   slog.LevelDebug,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLogLevel("bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized level")
	}
}

func TestEffectiveLogLevelDebugFallback(t *testing.T) {
	cfg := &Config{Debug: true}
	level, err := cfg.EffectiveLogLevel()
	if err != nil {
		t.Fatalf("EffectiveLogLevel: %v", err)
	}
	if level != slog.LevelDebug {
		t.Fatalf("level = %v, want Debug when debug: true and log_level unset", level)
	}

	cfg.LogLevel = "error"
	level, err = cfg.EffectiveLogLevel()
	if err != nil {
		t.Fatalf("EffectiveLogLevel: %v", err)
	}
	if level != slog.LevelError {
		t.Fatalf("level = %v, want an explicit log_level to take priority over debug", level)
	}
}
