package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// InitStructured replaces the process-wide logger's handler, selecting
// between human-readable text and machine-parseable JSON output, and sets
// the minimum logged level. format is "text" (also used when empty) or
// "json"; any other format returns an error and leaves the handler as it was.
func InitStructured(format, level string) error {
	SetLevelFromString(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	default:
		return fmt.Errorf("logging: unknown format %q", format)
	}
	opLogger.Store(slog.New(handler))
	return nil
}
