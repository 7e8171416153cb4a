package iodev

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by the device layer
func UseLogger(logger slog.Logger) {
	log = logger
}
