// Package logging provides the process-wide structured logger, mirroring
// the teacher's atomic.Pointer[slog.Logger] singleton so every package can
// call logging.Op() without threading a logger through every constructor.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var opLogger atomic.Pointer[slog.Logger]

var logLevel = new(slog.LevelVar)

func init() {
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// Op returns the process-wide operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel adjusts the minimum level logged by Op without replacing the
// handler (and therefore its output format).
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString parses a level name (debug/info/warn/error) and
// applies it, defaulting to info on an unrecognized string.
func SetLevelFromString(s string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		level = slog.LevelInfo
	}
	SetLevel(level)
}

// OpWithTrace returns a derived logger that tags every record with the
// given trace/span ids, for correlating log lines with an OTel span.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	return Op().With("trace_id", traceID, "span_id", spanID)
}
