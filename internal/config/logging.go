package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is a custom log level below Debug, selected by
// log_level: trace. No code in this module currently logs at it, so it
// shows the same output as Debug.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a string to a slog.Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// EffectiveLogLevel resolves cfg.LogLevel the same way ParseLogLevel does,
// except an empty LogLevel with Debug set resolves to Debug rather than
// Info — debug: true already requests verbose JSON-RPC/WebSocket error
// detail, so it should also turn up the logger by default.
func (c *Config) EffectiveLogLevel() (slog.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" && c.Debug {
		return slog.LevelDebug, nil
	}
	return ParseLogLevel(c.LogLevel)
}

// ReplaceLogLevelNames customizes the level name for Trace in log output.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
