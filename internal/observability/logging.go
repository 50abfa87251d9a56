package observability

import (
	"log/slog"
	"os"

	"github.com/gateguard/gateguard/internal/config"
)

// NewLogger builds the process-wide slog logger. JSON output is the
// default; text is for local runs where log lines get read by eye.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// slogLevel maps the config level to slog, defaulting to info for the
// empty string and anything unrecognized.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
