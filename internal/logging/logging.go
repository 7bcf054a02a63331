package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Level combines the configured level with the -v count. Each -v lowers the
// threshold one step but never raises it above the configured level.
func Level(configured slog.Level, verbosity int) slog.Level {
	var fromFlag slog.Level
	switch {
	case verbosity >= 2:
		fromFlag = slog.LevelDebug
	case verbosity == 1:
		fromFlag = slog.LevelInfo
	default:
		return configured
	}
	if fromFlag < configured {
		return fromFlag
	}
	return configured
}

// Setup configures the global slog logger and returns it.
func Setup(format string, level slog.Level) *slog.Logger {
	return SetupWriter(os.Stderr, format, level)
}

func SetupWriter(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
