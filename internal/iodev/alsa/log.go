package alsa

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by the ALSA backend
func UseLogger(logger slog.Logger) {
	log = logger
}
