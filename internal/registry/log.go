package registry

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by the device registry
func UseLogger(logger slog.Logger) {
	log = logger
}
