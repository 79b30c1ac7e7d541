package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init builds the process logger: JSON to stdout, sensitive attributes
// redacted, tagged with the worker id. It also becomes slog's default.
func Init(workerID string) *slog.Logger {
	logger := New(os.Stdout, ParseLevel(os.Getenv("MODELQUEUE_LOG_LEVEL"))).With("worker_id", workerID)
	slog.SetDefault(logger)
	return logger
}

func New(w io.Writer, level slog.Level) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(newRedactingHandler(handler))
}

// ParseLevel maps debug/info/warn/error to a level; anything else is info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
