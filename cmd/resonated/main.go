// ABOUTME: Entry point for the resonated audio server
// ABOUTME: Loads config, builds the devices, and runs the control server until signalled
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/decred/slog"

	"github.com/Resonate-Protocol/resonated/internal/config"
	"github.com/Resonate-Protocol/resonated/internal/discovery"
	"github.com/Resonate-Protocol/resonated/internal/dsp"
	"github.com/Resonate-Protocol/resonated/internal/engine"
	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/iodev/alsa"
	"github.com/Resonate-Protocol/resonated/internal/iodev/empty"
	"github.com/Resonate-Protocol/resonated/internal/iodev/oto"
	"github.com/Resonate-Protocol/resonated/internal/logging"
	"github.com/Resonate-Protocol/resonated/internal/registry"
	"github.com/Resonate-Protocol/resonated/internal/server"
	"github.com/Resonate-Protocol/resonated/internal/version"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

var (
	configFile = flag.String("config", "", "YAML config file (default: built-in defaults)")
	port       = flag.Int("port", 0, "WebSocket server port (overrides config)")
	name       = flag.String("name", "", "Server friendly name (default: hostname-resonated)")
	logFile    = flag.String("log-file", "", "Log file path (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	shmDir     = flag.String("shm-dir", "", "Directory for stream buffers (overrides config)")
)

// log is the server subsystem logger, used here for startup messages
var log = slog.Disabled

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logs, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: !cfg.Server.TUI,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()
	useLoggers(logs)

	if err := run(cfg); err != nil {
		log.Criticalf("Server error: %v", err)
		logs.Close()
		os.Exit(1)
	}
	log.Infof("Server stopped")
}

// loadConfig reads the config file and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *name != "" {
		cfg.Server.Name = *name
	}
	if cfg.Server.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Server.Name = fmt.Sprintf("%s-resonated", hostname)
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *noMDNS {
		cfg.Server.MDNS = false
	}
	if *noTUI {
		cfg.Server.TUI = false
	}
	if *shmDir != "" {
		cfg.Server.ShmDir = *shmDir
	}
	return cfg, cfg.Validate()
}

func useLoggers(logs *logging.Logging) {
	log = logs.Logger(logging.Server)
	server.UseLogger(log)
	engine.UseLogger(logs.Logger(logging.Engine))
	iodev.UseLogger(logs.Logger(logging.Device))
	alsa.UseLogger(logs.Logger(logging.ALSA))
	registry.UseLogger(logs.Logger(logging.Registry))
	discovery.UseLogger(logs.Logger(logging.Discovery))
}

func run(cfg *config.Config) error {
	log.Infof("Starting %s: %s on port %d", version.String(), cfg.Server.Name, cfg.Server.Port)

	if cfg.Server.ShmDir != "" {
		shm.Dir = cfg.Server.ShmDir
	}

	reg := registry.New(cfg.Engine.Thread())
	holders := make(map[string]*dsp.Holder)
	for i, dc := range cfg.Devices {
		dev, holder, err := buildDevice(dc)
		if err != nil {
			return fmt.Errorf("devices[%d] %s: %w", i, dc.Name, err)
		}
		if dc.Name != "" {
			holders[dc.Name] = holder
		}
		index, err := reg.AddDevice(dev)
		if err != nil {
			return fmt.Errorf("devices[%d] %s: %w", i, dc.Name, err)
		}
		log.Infof("Device %d: %s (%s, %s)", index, dev.Name(), dc.Kind, dev.Direction())
	}
	if err := reg.EnsureFallback(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warnf("Device shutdown: %v", err)
		}
	}()

	srv := server.New(server.Config{
		Port:       cfg.Server.Port,
		Name:       cfg.Server.Name,
		EnableMDNS: cfg.Server.MDNS,
		UseTUI:     cfg.Server.TUI,
	}, reg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				reloadDSP(holders)
				continue
			}
			log.Infof("Received %v signal, shutting down gracefully...", sig)
			srv.Stop()
			return
		}
	}()

	return srv.Start()
}

// reloadDSP applies the gains from the config file again, on SIGHUP
func reloadDSP(holders map[string]*dsp.Holder) {
	if *configFile == "" {
		log.Infof("No config file to reload")
		return
	}
	skipped, err := config.ReloadDSP(*configFile, holders)
	if err != nil {
		log.Errorf("DSP reload failed: %v", err)
		return
	}
	for _, name := range skipped {
		log.Warnf("Device %s is new or unnamed; restart to apply its DSP", name)
	}
	log.Infof("DSP gains reloaded")
}

// buildDevice opens the configured backend and applies nodes and DSP. The
// returned holder lets the DSP be replaced while the device runs.
func buildDevice(dc config.DeviceConfig) (*iodev.Device, *dsp.Holder, error) {
	dir, err := dc.StreamDirection()
	if err != nil {
		return nil, nil, err
	}

	var dev *iodev.Device
	switch dc.Kind {
	case config.KindALSA:
		maps, err := dc.Maps()
		if err != nil {
			return nil, nil, err
		}
		dev, err = alsa.NewDevice(dc.IODev(), maps)
		if err != nil {
			return nil, nil, err
		}
	case config.KindEmpty:
		dev, err = empty.NewDevice(dir)
	case config.KindOto:
		dev, err = oto.NewDevice(dc.Name, dc.BufferFrames)
	default:
		err = fmt.Errorf("unknown kind %q", dc.Kind)
	}
	if err != nil {
		return nil, nil, err
	}

	// Backends may add their own nodes first; configured ones follow.
	base := len(dev.Nodes())
	for _, n := range dc.NodeList() {
		n.Index += base
		if err := dev.AddNode(n); err != nil {
			return nil, nil, err
		}
	}

	pipeline, err := dc.DSP.Pipeline()
	if err != nil {
		return nil, nil, err
	}
	holder := dsp.NewHolder(pipeline)
	dev.SetDSP(holder)
	return dev, holder, nil
}
