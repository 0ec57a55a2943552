// Package logger owns process-wide slog handler construction.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// L is the process logger configured by Init. Components should receive it
// through injection and scope it with With; L exists for early startup paths.
var L = slog.Default()

// Init builds the root slog logger from the configured level and format
// ("text" or "json") and installs it as the default.
func Init(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	L = slog.New(handler)
	slog.SetDefault(L)
}
