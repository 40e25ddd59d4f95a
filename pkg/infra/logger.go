package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Guizzs26/booking-sync/internal/config"
)

// SetupLogger builds the process logger. When LOG_FILE is set the output is
// teed to that file; the returned func closes it.
func SetupLogger(cfg config.Config) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, logFile)
			closer = func() { _ = logFile.Close() }
		}
	}

	return NewLogger(out, cfg.LogFormat, ParseLevel(cfg.LogLevel)).With("env", cfg.Environment), closer
}

// NewLogger writes text or JSON records to out.
func NewLogger(out io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToUpper(format) == "JSON" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
