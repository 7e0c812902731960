package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a text logger writing to w at the given level name.
func New(w io.Writer, level string) (*slog.Logger, error) {
	var slogLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info", "":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slogLevel,
	})
	return slog.New(handler), nil
}

// Init installs a stdout logger as the slog default.
func Init(level string) (*slog.Logger, error) {
	l, err := New(os.Stdout, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
