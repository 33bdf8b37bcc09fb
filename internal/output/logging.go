package output

import (
	"io"
	"log/slog"
	"math"
)

// LevelFor maps CLI verbosity flags to a slog level.
// Priority: quiet > debug > verbose > default (warn).
func LevelFor(quiet, verbose, debug bool) slog.Level {
	switch {
	case quiet:
		return slog.Level(math.MaxInt)
	case debug:
		return slog.LevelDebug
	case verbose:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// SetupLogger creates a slog.Logger writing to w (typically os.Stderr).
// format "json" selects the JSON handler for long-running servers; anything
// else uses the text handler.
func SetupLogger(quiet, verbose, debug bool, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LevelFor(quiet, verbose, debug)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
