package client

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by the client library
func UseLogger(logger slog.Logger) {
	log = logger
}
