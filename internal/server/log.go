package server

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by the control server
func UseLogger(logger slog.Logger) {
	log = logger
}
