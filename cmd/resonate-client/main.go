// ABOUTME: Test client for resonated
// ABOUTME: Plays a file to an output device or records an input device to a file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/Resonate-Protocol/resonated/internal/client"
	"github.com/Resonate-Protocol/resonated/internal/discovery"
	"github.com/Resonate-Protocol/resonated/internal/logging"
	"github.com/Resonate-Protocol/resonated/internal/protocol"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/internal/ui"
	"github.com/Resonate-Protocol/resonated/internal/version"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/decode"
	"github.com/Resonate-Protocol/resonated/pkg/audio/encode"
)

const (
	playbackCbThreshold  = 480
	playbackBufferFrames = 4800
	captureBufferFrames  = 4800 * 5

	latencyInterval = 750 * time.Millisecond
	discoverTimeout = 10 * time.Second
)

var (
	serverAddr   = flag.String("server", "", "Server address host:port (default: discover with mDNS)")
	name         = flag.String("name", "", "Client friendly name (default: hostname-resonate-client)")
	rate         = flag.Int("rate", 48000, "Stream frame rate")
	channels     = flag.Int("channels", 2, "Stream channel count")
	sampleFormat = flag.String("format", "S16_LE", "Stream sample format")
	deviceIndex  = flag.Int("device", -1, "Device index (default: first device for the direction)")
	captureFile  = flag.String("capture-file", "", "Record the input device to this file (.wav, .opuspkt, .raw)")
	playbackFile = flag.String("playback-file", "", "Play this file (.mp3, .flac, .wav, .opuspkt, .raw)")
	cbThreshold  = flag.Int("callback-threshold", -1, "Frames per audio request")
	minCbLevel   = flag.Int("min-cb-level", -1, "Smallest request the client expects")
	bufferFrames = flag.Int("buffer-frames", -1, "Stream buffer size in frames")
	duration     = flag.Duration("duration", 0, "Stop capture after this long (default: until Ctrl-C)")
	showLatency  = flag.Bool("show-latency", false, "Print the stream latency while running")
	fullFrames   = flag.Bool("write-full-frames", false, "Write at most min-cb-level frames per request")
	listDevices  = flag.Bool("list-devices", false, "Print the server's devices and exit")
	logFile      = flag.String("log-file", "resonate-client.log", "Log file path")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	useTUI       = flag.Bool("tui", false, "Show a status view with volume keys instead of console output")
)

var log = slog.Disabled

func main() {
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	logs, err := logging.New(logging.Config{Level: level, File: *logFile, Console: !*useTUI}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()
	log = logs.Logger(logging.Client)
	client.UseLogger(log)
	discovery.UseLogger(logs.Logger(logging.Discovery))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		logs.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if !*listDevices && *captureFile == "" && *playbackFile == "" {
		return fmt.Errorf("nothing to do: give -playback-file, -capture-file or -list-devices")
	}

	clientName := *name
	if clientName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		clientName = fmt.Sprintf("%s-resonate-client", hostname)
	}

	addr, path, err := resolveServer(ctx)
	if err != nil {
		return err
	}

	c := client.NewClient(client.Config{
		ServerAddr: addr,
		Path:       path,
		ClientID:   uuid.New().String(),
		Name:       clientName,
		DeviceInfo: protocol.DeviceInfo{
			ProductName:     "resonate-client",
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
	})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	if *listDevices {
		return printDevices(ctx, c)
	}

	sf, err := audio.ParseSampleFormat(*sampleFormat)
	if err != nil {
		return err
	}
	format := audio.NewFormat(sf, *rate, *channels)

	if *captureFile != "" {
		if err := runCapture(ctx, c, format); err != nil {
			return err
		}
	}
	if *playbackFile != "" {
		if err := runPlayback(ctx, c, format); err != nil {
			return err
		}
	}
	return nil
}

// resolveServer returns the -server address or the first server found
// with mDNS
func resolveServer(ctx context.Context) (string, string, error) {
	if *serverAddr != "" {
		return *serverAddr, client.DefaultPath, nil
	}

	log.Infof("Starting server discovery...")
	disc := discovery.NewManager(discovery.Config{})
	if err := disc.Browse(); err != nil {
		return "", "", err
	}
	defer disc.Stop()

	select {
	case srv := <-disc.Servers():
		addr := fmt.Sprintf("%s:%d", srv.Host, srv.Port)
		log.Infof("Discovered %s at %s", srv.Name, srv.URL())
		return addr, srv.Path, nil
	case <-time.After(discoverTimeout):
		return "", "", fmt.Errorf("no server found after %v", discoverTimeout)
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func printDevices(ctx context.Context, c *client.Client) error {
	var list protocol.DeviceList
	select {
	case list = <-c.Devices:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("no device list from server")
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, d := range list.Devices {
		fmt.Printf("%d\t%s\t%s\trates=%v channels=%v\n", d.Index, d.Direction, d.Name, d.Rates, d.Channels)
		for _, n := range d.Nodes {
			active := " "
			if n.Index == d.ActiveNode {
				active = "*"
			}
			fmt.Printf("\t%s %d %s (%s) volume=%d\n", active, n.Index, n.Name, n.Type, n.Volume)
		}
	}
	return nil
}

func runPlayback(ctx context.Context, c *client.Client, format audio.Format) error {
	buffer := orDefault(*bufferFrames, playbackBufferFrames)
	minLevel := orDefault(*minCbLevel, buffer/2)

	s, err := c.OpenStream(ctx, client.StreamOptions{
		Direction:    stream.Output,
		Format:       format,
		BufferFrames: buffer,
		CbThreshold:  orDefault(*cbThreshold, playbackCbThreshold),
		MinCbLevel:   minLevel,
		DeviceIndex:  *deviceIndex,
	})
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}
	defer s.Close()

	src, err := decode.Open(*playbackFile, s.Format())
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, stop := watch(ctx, c, s, *playbackFile)
	defer stop()
	return client.Play(ctx, s, src, client.PlayOptions{MinCbLevel: minLevel, FullFrames: *fullFrames})
}

func runCapture(ctx context.Context, c *client.Client, format audio.Format) error {
	buffer := orDefault(*bufferFrames, captureBufferFrames)

	s, err := c.OpenStream(ctx, client.StreamOptions{
		Direction:    stream.Input,
		Format:       format,
		BufferFrames: buffer,
		CbThreshold:  orDefault(*cbThreshold, buffer),
		MinCbLevel:   orDefault(*minCbLevel, 0),
		DeviceIndex:  *deviceIndex,
	})
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	defer s.Close()

	sink, err := encode.Create(*captureFile, s.Format())
	if err != nil {
		return err
	}

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	ctx, stop := watch(ctx, c, s, *captureFile)
	err = client.Record(ctx, s, sink)
	stop()
	if cerr := sink.Close(); cerr != nil {
		return cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// watch starts the status view or the latency printer for a stream. With
// the TUI, quitting it cancels the returned context.
func watch(ctx context.Context, c *client.Client, s *client.Stream, file string) (context.Context, func()) {
	if !*useTUI {
		return ctx, printLatency(s)
	}

	ctx, cancel := context.WithCancel(ctx)
	volCtrl := ui.NewVolumeControl()
	program := ui.Run(volCtrl)

	done := make(chan struct{})
	go func() {
		if _, err := program.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
		cancel()
	}()
	go func() {
		// Send blocks until the program is running.
		connected := true
		program.Send(ui.StatusMsg{
			Connected:  &connected,
			ServerName: c.Server().Name,
			StreamID:   s.ID(),
			Direction:  s.Direction().String(),
			Format:     s.Format().String(),
			Device:     s.DeviceIndex(),
			File:       file,
		})

		ticker := time.NewTicker(latencyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.Done():
				disconnected := false
				program.Send(ui.StatusMsg{Connected: &disconnected})
				return
			case <-volCtrl.Quit:
				cancel()
			case change := <-volCtrl.Changes:
				s.Area().SetVolumeScaler(float32(change.Volume) / 100)
				s.Area().SetMute(change.Muted)
				log.Debugf("Stream volume %d muted=%v", change.Volume, change.Muted)
			case <-ticker.C:
				notices, frames := s.Stats()
				program.Send(ui.StatusMsg{
					Latency:  s.Latency(),
					Notices:  notices,
					Frames:   frames,
					Overruns: s.Area().Overruns(),
				})
			}
		}
	}()

	return ctx, func() {
		close(done)
		program.Quit()
		cancel()
	}
}

// printLatency prints the stream latency periodically when -show-latency
// is set. The returned func stops it.
func printLatency(s *client.Stream) func() {
	if !*showLatency {
		return func() {}
	}
	ticker := time.NewTicker(latencyInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Printf("%.9f\n", s.Latency().Seconds())
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func orDefault(v, def int) int {
	if v < 0 {
		return def
	}
	return v
}
