// ABOUTME: Portable playback backend over ebitengine/oto
// ABOUTME: Committed frames go into a ring that the oto player drains
package oto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

// DefaultBufferFrames is used when the device config leaves it open
const DefaultBufferFrames = 4096

var (
	supportedRates    = []int{44100, 48000}
	supportedChannels = []int{1, 2}
)

var ErrFormatLocked = errors.New("oto context already running at another format")

// oto allows one context per process
var (
	ctxMu     sync.Mutex
	otoCtx    *oto.Context
	ctxRate   int
	ctxChans  int
	newPlayer = func(r *ring) player { return otoCtx.NewPlayer(r) }
)

type player interface {
	Play()
	Pause()
	IsPlaying() bool
	SetVolume(v float64)
	Close() error
}

func ensureContext(rate, channels int) error {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	if otoCtx != nil {
		if rate != ctxRate || channels != ctxChans {
			return fmt.Errorf("%w: %dHz %dch", ErrFormatLocked, ctxRate, ctxChans)
		}
		return nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready
	otoCtx, ctxRate, ctxChans = ctx, rate, channels
	return nil
}

// Handle is a playback device backed by the process oto context
type Handle struct {
	ring       *ring
	player     player
	staging    []byte
	pending    int
	frameBytes int
	volume     int
	openCtx    func(rate, channels int) error
}

// New returns a closed handle
func New() *Handle {
	return &Handle{volume: 100, openCtx: ensureContext}
}

// NewDevice wraps an oto handle in a playback device with one speaker node
func NewDevice(name string, bufferFrames int) (*iodev.Device, error) {
	if bufferFrames == 0 {
		bufferFrames = DefaultBufferFrames
	}
	d, err := iodev.New(iodev.Config{Name: name, Direction: stream.Output, BufferFrames: bufferFrames}, New())
	if err != nil {
		return nil, err
	}
	if err := d.AddNode(iodev.Node{Name: "Speaker", Type: iodev.NodeSpeaker, Volume: 100, Plugged: true}); err != nil {
		return nil, err
	}
	return d, nil
}

func (h *Handle) Probe() ([]int, []int, error) {
	return supportedRates, supportedChannels, nil
}

func (h *Handle) Open() error { return nil }

// SetHWParams only accepts 16-bit samples, the format oto plays here
func (h *Handle) SetHWParams(p iodev.HWParams) (int, error) {
	if p.Format.SampleFormat != audio.FormatS16LE {
		return 0, fmt.Errorf("oto plays S16LE only, got %s", p.Format.SampleFormat)
	}
	if err := h.openCtx(p.Format.Rate, p.Format.Channels); err != nil {
		return 0, err
	}
	frames := p.BufferFrames
	if frames <= 0 {
		frames = DefaultBufferFrames
	}
	h.frameBytes = p.Format.FrameBytes()
	h.ring = newRing(frames * h.frameBytes)
	h.staging = make([]byte, frames*h.frameBytes)
	h.player = newPlayer(h.ring)
	h.player.SetVolume(float64(h.volume) / 100)
	return frames, nil
}

func (h *Handle) SetSWParams(int) error { return nil }

func (h *Handle) Close() error {
	if h.player == nil {
		return nil
	}
	err := h.player.Close()
	h.player = nil
	h.ring = nil
	h.staging = nil
	return err
}

func (h *Handle) bufferFrames() int { return len(h.staging) / h.frameBytes }

// Avail is the free space in the ring
func (h *Handle) Avail() (int, error) {
	if h.ring == nil {
		return 0, iodev.ErrNotOpen
	}
	return h.bufferFrames() - h.ring.Len()/h.frameBytes, nil
}

// Delay ignores what oto has already pulled into its own buffer
func (h *Handle) Delay() (int, error) {
	if h.ring == nil {
		return 0, iodev.ErrNotOpen
	}
	return h.ring.Len() / h.frameBytes, nil
}

func (h *Handle) MmapBegin(frames int) ([]byte, int, error) {
	avail, err := h.Avail()
	if err != nil {
		return nil, 0, err
	}
	n := max(0, min(frames, avail))
	h.pending = n
	return h.staging[:n*h.frameBytes], n, nil
}

func (h *Handle) MmapCommit(frames int) error {
	if h.ring == nil {
		return iodev.ErrNotOpen
	}
	frames = min(frames, h.pending)
	h.pending = 0
	h.ring.Write(h.staging[:frames*h.frameBytes])
	if underruns := h.ring.TakeUnderruns(); underruns > 0 {
		return fmt.Errorf("%w: player starved %d times", iodev.ErrXrun, underruns)
	}
	return nil
}

func (h *Handle) Resume() error  { return nil }
func (h *Handle) Prepare() error { return nil }

// Recover accepts player starvation; the ring simply refills
func (h *Handle) Recover(err error) error {
	if errors.Is(err, iodev.ErrXrun) {
		return nil
	}
	return err
}

func (h *Handle) Start() error {
	if h.player == nil {
		return iodev.ErrNotOpen
	}
	h.player.Play()
	return nil
}

func (h *Handle) Drain() error {
	if h.player != nil {
		h.player.Pause()
	}
	return nil
}

func (h *Handle) Running() bool { return h.player != nil && h.player.IsPlaying() }

func (h *Handle) ChannelMaps() ([]*chmap.Map, error) { return nil, chmap.ErrNoChannelMaps }
func (h *Handle) SetChannelMap(*chmap.Map) error     { return chmap.ErrNoChannelMaps }

// SetVolume sets the player volume (0-100)
func (h *Handle) SetVolume(volume int) {
	h.volume = max(0, min(100, volume))
	if h.player != nil {
		h.player.SetVolume(float64(h.volume) / 100)
	}
}
