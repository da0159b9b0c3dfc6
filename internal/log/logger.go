// Package log wires the process-wide slog default handler.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default structured logger. Production gets JSON
// output for log shipping, everything else a readable text handler.
func Setup(production bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
