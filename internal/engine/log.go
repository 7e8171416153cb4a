package engine

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by audio threads
func UseLogger(logger slog.Logger) {
	log = logger
}
