// ABOUTME: Subsystem loggers over one decred/slog backend
// ABOUTME: Writes to a log file and, unless a TUI owns the terminal, to stdout as well
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/decred/slog"
)

// Subsystem tags
const (
	Engine    = "ENGN"
	Device    = "IODV"
	ALSA      = "ALSA"
	Server    = "SRVR"
	Registry  = "REGY"
	Discovery = "DISC"
	Client    = "CLNT"
)

// Config selects where logs go and how verbose they are
type Config struct {
	Level string
	File  string
	// Console also writes to the given console writer. Disable it when a
	// TUI is drawing on the terminal.
	Console bool
}

// Logging owns the backend and hands out one logger per subsystem
type Logging struct {
	mu      sync.Mutex
	backend *slog.Backend
	file    *os.File
	level   slog.Level
	loggers map[string]slog.Logger
}

// New opens the log file (if any) and builds the backend. console is
// normally os.Stdout.
func New(cfg Config, console io.Writer) (*Logging, error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		lvl, ok := slog.LevelFromString(cfg.Level)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", cfg.Level)
		}
		level = lvl
	}

	var writers []io.Writer
	if cfg.Console && console != nil {
		writers = append(writers, console)
	}
	l := &Logging{level: level, loggers: make(map[string]slog.Logger)}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("error opening log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	l.backend = slog.NewBackend(io.MultiWriter(writers...))
	return l, nil
}

// Logger returns the logger for a subsystem tag, creating it on first use
func (l *Logging) Logger(subsystem string) slog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.loggers[subsystem]; ok {
		return lg
	}
	lg := l.backend.Logger(subsystem)
	lg.SetLevel(l.level)
	l.loggers[subsystem] = lg
	return lg
}

// SetLevel changes the level of every subsystem logger
func (l *Logging) SetLevel(level string) error {
	lvl, ok := slog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
	for _, lg := range l.loggers {
		lg.SetLevel(lvl)
	}
	return nil
}

// Subsystems lists the tags handed out so far
func (l *Logging) Subsystems() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	tags := make([]string, 0, len(l.loggers))
	for tag := range l.loggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Close closes the log file
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
