// ABOUTME: Subsystem logger for service discovery
// ABOUTME: Disabled until the command wires a backend in
package discovery

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by this package
func UseLogger(logger slog.Logger) {
	log = logger
}
