// ABOUTME: ALSA backend over gen2brain/alsa
// ABOUTME: Mmap windows are staged locally and flushed with MmapWrite/MmapRead
package alsa

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	tinyalsa "github.com/gen2brain/alsa"
	"golang.org/x/sys/unix"

	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

// Rates and channel counts tried against the hardware ranges, in order
var (
	TestRates    = []int{44100, 48000, 32000, 96000, 22050, 16000, 8000, 4000, 192000}
	TestChannels = []int{6, 2, 1}
)

// PeriodCount is how many periods the hardware buffer is split into
const PeriodCount = 4

// DefaultBufferFrames is requested when the device config leaves it open
const DefaultBufferFrames = 4096

// Numeric ids from the kernel's SNDRV_PCM_* enums
const (
	paramChannels = tinyalsa.PcmParam(10)
	paramRate     = tinyalsa.PcmParam(11)
)

var ErrBadName = errors.New("alsa device name must look like hw:CARD,DEVICE")

// Handle is one ALSA PCM
type Handle struct {
	name   string
	card   uint
	device uint
	dir    stream.Direction
	maps   []*chmap.Map

	pcm        *tinyalsa.PCM
	format     audio.Format
	frameBytes int
	bufferSize int
	staging    []byte
	pending    int
	running    bool
	lastXruns  int
}

// New parses name ("hw:0,0") and returns a closed handle. maps are the
// channel maps the card accepts, usually taken from the config file; the
// kernel interface used here cannot query them.
func New(name string, dir stream.Direction, maps []*chmap.Map) (*Handle, error) {
	card, device, err := parseName(name)
	if err != nil {
		return nil, err
	}
	return &Handle{name: name, card: card, device: device, dir: dir, maps: maps}, nil
}

// NewDevice probes the PCM and wraps it in a device
func NewDevice(cfg iodev.Config, maps []*chmap.Map) (*iodev.Device, error) {
	h, err := New(cfg.Name, cfg.Direction, maps)
	if err != nil {
		return nil, err
	}
	if cfg.BufferFrames == 0 {
		cfg.BufferFrames = DefaultBufferFrames
	}
	return iodev.New(cfg, h)
}

func parseName(name string) (uint, uint, error) {
	rest, ok := strings.CutPrefix(name, "hw:")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	cardStr, devStr, ok := strings.Cut(rest, ",")
	if !ok {
		devStr = "0"
	}
	card, err := strconv.ParseUint(cardStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	device, err := strconv.ParseUint(devStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return uint(card), uint(device), nil
}

func (h *Handle) flags() tinyalsa.PcmFlag {
	flags := tinyalsa.PCM_OUT
	if h.dir == stream.Input {
		flags = tinyalsa.PCM_IN
	}
	return flags | tinyalsa.PCM_MMAP | tinyalsa.PCM_NONBLOCK
}

// classify maps errno values onto the device layer's sentinels
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESTRPIPE):
		return fmt.Errorf("%w: %w", iodev.ErrSuspended, err)
	case errors.Is(err, unix.EPIPE):
		return fmt.Errorf("%w: %w", iodev.ErrXrun, err)
	case errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("%w: %w", iodev.ErrAgain, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %w", iodev.ErrBusyDevice, err)
	}
	return err
}

// Probe reads the hardware rate and channel ranges and keeps the test
// values that fall inside them
func (h *Handle) Probe() ([]int, []int, error) {
	params, err := tinyalsa.PcmParamsGet(h.card, h.device, h.flags()&^(tinyalsa.PCM_MMAP|tinyalsa.PCM_NONBLOCK))
	if err != nil {
		return nil, nil, fmt.Errorf("params %s: %w", h.name, classify(err))
	}
	minRate, err := params.RangeMin(paramRate)
	if err != nil {
		return nil, nil, err
	}
	maxRate, err := params.RangeMax(paramRate)
	if err != nil {
		return nil, nil, err
	}
	minCh, err := params.RangeMin(paramChannels)
	if err != nil {
		return nil, nil, err
	}
	maxCh, err := params.RangeMax(paramChannels)
	if err != nil {
		return nil, nil, err
	}

	rates := filterRange(TestRates, int(minRate), int(maxRate))
	channels := filterRange(TestChannels, int(minCh), int(maxCh))
	log.Debugf("%s: rates %v channels %v", h.name, rates, channels)
	return rates, channels, nil
}

func filterRange(values []int, lo, hi int) []int {
	var out []int
	for _, v := range values {
		if v >= lo && v <= hi {
			out = append(out, v)
		}
	}
	return out
}

// Open is a no-op: the PCM is opened together with its parameters
func (h *Handle) Open() error { return nil }

func pcmFormat(sf audio.SampleFormat) (tinyalsa.PcmFormat, error) {
	switch sf {
	case audio.FormatS16LE:
		return tinyalsa.PcmFormat(2), nil
	case audio.FormatS24LE:
		return tinyalsa.PcmFormat(6), nil
	case audio.FormatS32LE:
		return tinyalsa.PcmFormat(10), nil
	case audio.FormatS24_3LE:
		return tinyalsa.PcmFormat(32), nil
	}
	return 0, fmt.Errorf("unsupported sample format %v", sf)
}

// SetHWParams opens the PCM with interleaved mmap access, retrying while
// another process holds the device
func (h *Handle) SetHWParams(p iodev.HWParams) (int, error) {
	format, err := pcmFormat(p.Format.SampleFormat)
	if err != nil {
		return 0, err
	}
	bufferFrames := p.BufferFrames
	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}
	cfg := &tinyalsa.Config{
		Channels:    uint32(p.Format.Channels),
		Rate:        uint32(p.Format.Rate),
		PeriodSize:  uint32(bufferFrames / PeriodCount),
		PeriodCount: PeriodCount,
		Format:      format,
	}

	err = iodev.OpenWithRetry(func() error {
		pcm, err := tinyalsa.PcmOpen(h.card, h.device, h.flags(), cfg)
		if err != nil {
			return classify(err)
		}
		h.pcm = pcm
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", h.name, err)
	}

	h.format = p.Format
	h.frameBytes = p.Format.FrameBytes()
	h.bufferSize = int(h.pcm.BufferSize())
	h.staging = make([]byte, h.bufferSize*h.frameBytes)
	h.running = false
	h.lastXruns = h.pcm.Xruns()
	return h.bufferSize, nil
}

// SetSWParams is covered by the open config: no period wakeups are used,
// the engine sleeps on its own timer.
func (h *Handle) SetSWParams(int) error { return nil }

func (h *Handle) Close() error {
	if h.pcm == nil {
		return nil
	}
	err := h.pcm.Close()
	h.pcm = nil
	h.staging = nil
	h.running = false
	return err
}

// Delay is frames queued in hardware for playback, frames waiting to be
// read for capture
func (h *Handle) Delay() (int, error) {
	if h.pcm == nil {
		return 0, iodev.ErrNotOpen
	}
	if h.dir == stream.Output && !h.running {
		return 0, nil
	}
	delay, err := h.pcm.Delay()
	if err != nil {
		return 0, classify(err)
	}
	if xr := h.pcm.Xruns(); xr != h.lastXruns {
		h.lastXruns = xr
		return 0, fmt.Errorf("%w: %d xruns", iodev.ErrXrun, xr)
	}
	return delay, nil
}

func (h *Handle) Avail() (int, error) {
	delay, err := h.Delay()
	if err != nil {
		return 0, err
	}
	if h.dir == stream.Input {
		return delay, nil
	}
	return h.bufferSize - delay, nil
}

// MmapBegin hands out the staging window. For capture the frames are read
// from the hardware here.
func (h *Handle) MmapBegin(frames int) ([]byte, int, error) {
	if h.pcm == nil {
		return nil, 0, iodev.ErrNotOpen
	}
	avail, err := h.Avail()
	if err != nil {
		return nil, 0, err
	}
	n := max(0, min(frames, avail, h.bufferSize))
	window := h.staging[:n*h.frameBytes]
	if h.dir == stream.Input && n > 0 {
		read, err := h.pcm.MmapRead(window)
		if err != nil {
			return nil, 0, classify(err)
		}
		n = read / h.frameBytes
		window = window[:n*h.frameBytes]
	}
	h.pending = n
	return window, n, nil
}

// MmapCommit flushes frames of the staged window to the hardware
func (h *Handle) MmapCommit(frames int) error {
	if h.pcm == nil {
		return iodev.ErrNotOpen
	}
	frames = min(frames, h.pending)
	h.pending = 0
	if h.dir == stream.Input || frames == 0 {
		return nil
	}
	written, err := h.pcm.MmapWrite(h.staging[:frames*h.frameBytes])
	if err != nil {
		return classify(err)
	}
	if written != frames*h.frameBytes {
		return fmt.Errorf("%w: short write %d of %d bytes", iodev.ErrXrun, written, frames*h.frameBytes)
	}
	// The first mmap write starts playback.
	h.running = true
	return nil
}

func (h *Handle) Resume() error {
	if h.pcm == nil {
		return iodev.ErrNotOpen
	}
	return classify(h.pcm.Resume())
}

func (h *Handle) Prepare() error {
	if h.pcm == nil {
		return iodev.ErrNotOpen
	}
	h.running = false
	return classify(h.pcm.Prepare())
}

// Recover handles xruns by re-preparing; capture is restarted straight
// away, playback restarts on its next write
func (h *Handle) Recover(err error) error {
	if !errors.Is(err, iodev.ErrXrun) {
		return err
	}
	if perr := h.Prepare(); perr != nil {
		return perr
	}
	if h.dir == stream.Input {
		return h.Start()
	}
	return nil
}

func (h *Handle) Start() error {
	if h.pcm == nil {
		return iodev.ErrNotOpen
	}
	if err := h.pcm.Start(); err != nil {
		return classify(err)
	}
	h.running = true
	return nil
}

func (h *Handle) Drain() error {
	if h.pcm == nil || h.dir == stream.Input {
		return nil
	}
	h.running = false
	return classify(h.pcm.Drain())
}

func (h *Handle) Running() bool { return h.running }

// ChannelMaps returns the configured maps that fit the open channel count
func (h *Handle) ChannelMaps() ([]*chmap.Map, error) {
	if len(h.maps) == 0 {
		return nil, chmap.ErrNoChannelMaps
	}
	return slices.Clone(h.maps), nil
}

// SetChannelMap only accepts one of the advertised layouts; the order is
// fixed by the card's routing
func (h *Handle) SetChannelMap(m *chmap.Map) error {
	for _, known := range h.maps {
		if known.Type != chmap.TypeFixed || slices.Equal(known.Positions, m.Positions) {
			log.Debugf("%s: channel map %s", h.name, m)
			return nil
		}
	}
	return fmt.Errorf("channel map %s not supported by %s", m, h.name)
}
