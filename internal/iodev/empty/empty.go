// ABOUTME: Silence device used when no hardware is configured
// ABOUTME: Simulates a hardware buffer level from elapsed wall time
package empty

import (
	"time"

	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

const (
	// BufferBytes is the simulated hardware buffer size
	BufferBytes = 16 * 1024
	// FrameBytes is the frame size the buffer is accounted in
	FrameBytes = 4
	// BufferFrames is the simulated hardware buffer size in frames
	BufferFrames = BufferBytes / FrameBytes
)

var (
	supportedRates    = []int{44100, 48000}
	supportedChannels = []int{1, 2}
)

// Handle consumes playback at the configured rate and produces silence for
// capture
type Handle struct {
	dir stream.Direction
	now func() time.Time

	open       bool
	rate       int
	frameBytes int
	buf        []byte
	level      int
	lastAccess time.Time
}

// New returns a closed silence handle
func New(dir stream.Direction) *Handle {
	return &Handle{dir: dir, now: time.Now}
}

// NewDevice wraps a silence handle in a device with a single default node
func NewDevice(dir stream.Direction) (*iodev.Device, error) {
	name := "Silent playback device."
	if dir == stream.Input {
		name = "Silent record device."
	}
	d, err := iodev.New(iodev.Config{Name: name, Direction: dir}, New(dir))
	if err != nil {
		return nil, err
	}
	if err := d.AddNode(iodev.Node{Name: "(default)", Type: iodev.NodeUnknown, Volume: 100, Plugged: true}); err != nil {
		return nil, err
	}
	return d, nil
}

func (h *Handle) Probe() ([]int, []int, error) {
	return supportedRates, supportedChannels, nil
}

func (h *Handle) Open() error {
	h.open = true
	return nil
}

func (h *Handle) Close() error {
	h.open = false
	h.buf = nil
	return nil
}

func (h *Handle) SetHWParams(p iodev.HWParams) (int, error) {
	h.rate = p.Format.Rate
	h.frameBytes = p.Format.FrameBytes()
	h.buf = make([]byte, BufferFrames*h.frameBytes)
	h.level = 0
	h.lastAccess = h.now()
	return BufferFrames, nil
}

func (h *Handle) SetSWParams(int) error { return nil }

// currentLevel is the buffer level after accounting for time passed since
// the last commit
func (h *Handle) currentLevel() int {
	elapsed := h.now().Sub(h.lastAccess)
	since := int(elapsed.Nanoseconds() * int64(h.rate) / int64(time.Second))
	if h.dir == stream.Input {
		return min(h.level+since, BufferFrames)
	}
	return max(h.level-since, 0)
}

func (h *Handle) Avail() (int, error) {
	if h.dir == stream.Input {
		return h.currentLevel(), nil
	}
	return BufferFrames - h.currentLevel(), nil
}

func (h *Handle) Delay() (int, error) { return 0, nil }

func (h *Handle) MmapBegin(frames int) ([]byte, int, error) {
	var n int
	if h.dir == stream.Input {
		n = min(frames, h.currentLevel())
		clear(h.buf[:n*h.frameBytes])
	} else {
		n = min(frames, BufferFrames-h.currentLevel())
	}
	return h.buf[:n*h.frameBytes], n, nil
}

func (h *Handle) MmapCommit(frames int) error {
	h.level = h.currentLevel()
	h.lastAccess = h.now()
	if h.dir == stream.Input {
		h.level = max(h.level-frames, 0)
	} else {
		h.level = min(h.level+frames, BufferFrames)
	}
	return nil
}

func (h *Handle) Resume() error       { return nil }
func (h *Handle) Prepare() error      { return nil }
func (h *Handle) Recover(error) error { return nil }
func (h *Handle) Start() error        { return nil }
func (h *Handle) Drain() error        { return nil }
func (h *Handle) Running() bool       { return h.open }

func (h *Handle) ChannelMaps() ([]*chmap.Map, error) { return nil, chmap.ErrNoChannelMaps }
func (h *Handle) SetChannelMap(*chmap.Map) error     { return nil }
