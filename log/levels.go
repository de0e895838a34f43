package log

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

var levels = []struct {
	level   slog.Level
	name    string
	aligned string
	aliases []string
}{
	{LevelTrace, "trace", "TRACE", nil},
	{LevelDebug, "debug", "DEBUG", nil},
	{LevelInfo, "info", "INFO ", nil},
	{LevelWarn, "warn", "WARN ", []string{"warning"}},
	{LevelError, "error", "ERROR", nil},
	{LevelCrit, "crit", "CRIT ", []string{"critical"}},
}

// ParseLevel accepts a level name in any case; "max" enables everything.
func ParseLevel(lvl string) (slog.Level, error) {
	s := strings.ToLower(strings.TrimSpace(lvl))
	if s == "max" || s == "maxverbosity" {
		return levelMaxVerbosity, nil
	}
	for _, l := range levels {
		if s == l.name {
			return l.level, nil
		}
		for _, a := range l.aliases {
			if s == a {
				return l.level, nil
			}
		}
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

func LevelString(l slog.Level) string {
	for _, e := range levels {
		if e.level == l {
			return e.name
		}
	}
	return "unknown"
}

// LevelAlignedString returns a 5-character string containing the name of a level.
func LevelAlignedString(l slog.Level) string {
	for _, e := range levels {
		if e.level == l {
			return e.aligned
		}
	}
	return "unknown level"
}
