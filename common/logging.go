package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	// Debug lowers the level to slog.LevelDebug.
	Debug bool
	// JSON switches from text to JSON output.
	JSON bool
	// Service is added as a "service" attribute on every record.
	Service string
	// Version is added as a "version" attribute on every record.
	Version string
}

// SetupLogger creates the process logger. Key material and share contents
// must never be passed as log attributes anywhere in this codebase.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With(slog.String("service", opts.Service))
	}
	if opts.Version != "" {
		log = log.With(slog.String("version", opts.Version))
	}
	return log
}
