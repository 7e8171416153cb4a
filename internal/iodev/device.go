// ABOUTME: Device is one playback or capture endpoint over a backend Handle
// ABOUTME: Lazy open on first stream, threshold tracking, buffer windows and recovery
package iodev

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonated/internal/dsp"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

var (
	ErrNilFormat         = errors.New("no format given")
	ErrUnsupportedFormat = errors.New("format not supported by device")
	ErrFormatMismatch    = errors.New("stream format differs from open device format")
	ErrStreamsAttached   = errors.New("streams still attached")
	ErrStreamNotAttached = errors.New("stream not attached")
	ErrBusy              = errors.New("device busy")
	ErrNotOpen           = errors.New("device not open")
	ErrIO                = errors.New("device i/o error")
	ErrWrongDirection    = errors.New("stream direction does not match device")
)

// Config describes a device at creation time
type Config struct {
	Name      string
	Direction stream.Direction
	// BufferFrames is the hardware buffer size requested on open. Zero
	// leaves it to the backend.
	BufferFrames int
	// UsedFrames caps how far playback fills the hardware buffer. Zero
	// means the whole buffer.
	UsedFrames int
}

// Device wraps a Handle with the lifecycle the engine expects. Stream
// membership and buffer access belong to the device's engine thread; only
// nodes and counters are safe to touch from elsewhere.
type Device struct {
	index  int
	name   string
	dir    stream.Direction
	cfg    Config
	handle Handle

	negotiator chmap.Negotiator
	rates      []int
	channels   []int

	format     *audio.Format
	hwFormat   *audio.Format
	convMatrix [][]float32
	bufferSize int
	usedSize   int

	streams     []*stream.Stream
	cbThreshold int
	minCbLevel  int

	dsp       dsp.Context
	underruns atomic.Uint32

	nodeMu sync.Mutex
	nodes  []*Node
	active int
}

// New probes the backend and returns a closed device
func New(cfg Config, h Handle) (*Device, error) {
	rates, channels, err := h.Probe()
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", cfg.Name, err)
	}
	if len(rates) == 0 || len(channels) == 0 {
		return nil, fmt.Errorf("probe %s: %w", cfg.Name, ErrUnsupportedFormat)
	}
	return &Device{
		index:      -1,
		name:       cfg.Name,
		dir:        cfg.Direction,
		cfg:        cfg,
		handle:     h,
		negotiator: chmap.NewNegotiator(),
		rates:      rates,
		channels:   channels,
		active:     -1,
	}, nil
}

func (d *Device) Name() string                { return d.name }
func (d *Device) Direction() stream.Direction { return d.dir }
func (d *Device) Index() int                  { return d.index }
func (d *Device) SupportedRates() []int       { return slices.Clone(d.rates) }
func (d *Device) SupportedChannelCounts() []int {
	return slices.Clone(d.channels)
}

// SetIndex is called once by the registry
func (d *Device) SetIndex(i int) { d.index = i }

func (d *Device) IsOpen() bool { return d.format != nil }

// Format is the open format, nil when closed
func (d *Device) Format() *audio.Format { return d.format }

// ConvMatrix converts captured hardware order into Format's layout. It is
// nil when no conversion is needed.
func (d *Device) ConvMatrix() [][]float32 { return d.convMatrix }

// HWFormat is the format in hardware channel order
func (d *Device) HWFormat() *audio.Format {
	if d.hwFormat != nil {
		return d.hwFormat
	}
	return d.format
}

func (d *Device) BufferSize() int { return d.bufferSize }

// UsedSize is the playback fill target in frames
func (d *Device) UsedSize() int { return d.usedSize }

// CbThreshold is the smallest callback threshold of the attached streams
func (d *Device) CbThreshold() int { return d.cbThreshold }

func (d *Device) MinCbLevel() int { return d.minCbLevel }

func (d *Device) Underruns() uint32 { return d.underruns.Load() }

func (d *Device) SetDSP(c dsp.Context) { d.dsp = c }
func (d *Device) DSP() dsp.Context     { return d.dsp }

// Streams returns the attached streams in insertion order. The slice is
// owned by the device.
func (d *Device) Streams() []*stream.Stream { return d.streams }

// Open programs the backend for f. Opening an open device is a no-op.
func (d *Device) Open(f *audio.Format) error {
	if f == nil {
		return ErrNilFormat
	}
	if d.IsOpen() {
		return nil
	}
	if !slices.Contains(d.rates, f.Rate) || !slices.Contains(d.channels, f.Channels) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	if err := d.handle.Open(); err != nil {
		return fmt.Errorf("open %s: %w", d.name, err)
	}
	bufferFrames, err := d.handle.SetHWParams(HWParams{
		Format:       *f,
		BufferFrames: d.cfg.BufferFrames,
	})
	if err != nil {
		d.handle.Close()
		return fmt.Errorf("hw params %s: %w", d.name, err)
	}
	bufferFrames &^= 1
	if bufferFrames <= 0 {
		d.handle.Close()
		return fmt.Errorf("hw params %s: %w: empty buffer", d.name, ErrIO)
	}
	if err := d.handle.SetSWParams(bufferFrames); err != nil {
		d.handle.Close()
		return fmt.Errorf("sw params %s: %w", d.name, err)
	}

	format := *f
	d.format = &format
	mapChannels := d.SetChannelMap
	if d.dir == stream.Input {
		mapChannels = d.GetChannelMap
	}
	if err := mapChannels(); err != nil {
		d.handle.Close()
		d.resetFormat()
		return err
	}

	d.bufferSize = bufferFrames
	d.usedSize = bufferFrames
	if d.cfg.UsedFrames > 0 && d.cfg.UsedFrames < bufferFrames {
		d.usedSize = d.cfg.UsedFrames
	}

	if d.dir == stream.Input {
		if err := d.handle.Start(); err != nil {
			d.handle.Close()
			d.resetFormat()
			return fmt.Errorf("start %s: %w", d.name, err)
		}
	}
	log.Infof("%s: opened %s buffer=%d used=%d", d.name, d.format, d.bufferSize, d.usedSize)
	return nil
}

func (d *Device) resetFormat() {
	d.format = nil
	d.hwFormat = nil
	d.convMatrix = nil
}

// Close releases the hardware. Closing a closed device is a no-op.
func (d *Device) Close() error {
	if len(d.streams) > 0 {
		return ErrStreamsAttached
	}
	if !d.IsOpen() {
		return nil
	}
	err := d.handle.Close()
	d.resetFormat()
	d.bufferSize = 0
	d.usedSize = 0
	log.Infof("%s: closed", d.name)
	if err != nil {
		return fmt.Errorf("close %s: %w", d.name, err)
	}
	return nil
}

// Drain lets queued playback run out before the device is closed
func (d *Device) Drain() error {
	if !d.IsOpen() || d.dir != stream.Output || !d.handle.Running() {
		return nil
	}
	return d.handle.Drain()
}

// AppendStream attaches s, opening the device with s's format if it is the
// first stream. Capture devices accept a single stream.
func (d *Device) AppendStream(s *stream.Stream) error {
	if s.Direction() != d.dir {
		return ErrWrongDirection
	}
	if d.dir == stream.Input && len(d.streams) > 0 {
		return ErrBusy
	}
	if slices.Contains(d.streams, s) {
		return nil
	}
	f := s.Format()
	if d.IsOpen() {
		if !sameStreamFormat(*d.format, f) {
			return fmt.Errorf("%w: device %s stream %s", ErrFormatMismatch, d.format, f)
		}
	} else if err := d.Open(&f); err != nil {
		return err
	}

	d.streams = append(d.streams, s)
	d.updateThresholds()
	log.Debugf("%s: attached stream %s cb=%d", d.name, s, d.cbThreshold)
	return nil
}

// RemoveStream detaches s and closes the device once nothing is attached
func (d *Device) RemoveStream(s *stream.Stream) error {
	i := slices.Index(d.streams, s)
	if i < 0 {
		return ErrStreamNotAttached
	}
	d.streams = slices.Delete(d.streams, i, i+1)
	d.updateThresholds()
	log.Debugf("%s: removed stream %s", d.name, s)
	if len(d.streams) == 0 {
		return d.Close()
	}
	return nil
}

func (d *Device) updateThresholds() {
	d.cbThreshold, d.minCbLevel = 0, 0
	for _, s := range d.streams {
		if d.cbThreshold == 0 || s.CbThreshold() < d.cbThreshold {
			d.cbThreshold = s.CbThreshold()
		}
		level := s.MinCbLevel()
		if level == 0 {
			level = s.CbThreshold()
		}
		if d.minCbLevel == 0 || level < d.minCbLevel {
			d.minCbLevel = level
		}
	}
}

// sameStreamFormat ignores layout; the device converts layouts itself
func sameStreamFormat(a, b audio.Format) bool {
	return a.SampleFormat == b.SampleFormat && a.Rate == b.Rate && a.Channels == b.Channels
}

// BestFormat adapts a requested format to what this device can open: the
// device's format when open, otherwise the closest supported rate and
// channel count.
func (d *Device) BestFormat(req audio.Format) audio.Format {
	if d.IsOpen() {
		f := *d.format
		if f.Layout != req.Layout && f.Channels == req.Channels {
			f.Layout = req.Layout
		}
		return f
	}
	out := req
	out.Rate = nearest(d.rates, req.Rate)
	if c := nearest(d.channels, req.Channels); c != req.Channels {
		out.Channels = c
		out.Layout = audio.DefaultLayout(c)
	}
	return out
}

func nearest(options []int, want int) int {
	best := options[0]
	for _, o := range options {
		if o == want {
			return o
		}
		if abs(o-want) < abs(best-want) {
			best = o
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// FramesQueued is the number of frames in the hardware buffer: waiting to
// be played for playback, waiting to be read for capture
func (d *Device) FramesQueued() (int, error) {
	if !d.IsOpen() {
		return 0, ErrNotOpen
	}
	avail, err := d.handle.Avail()
	switch {
	case errors.Is(err, ErrXrun), errors.Is(err, ErrSuspended):
		AttemptResume(d.handle)
		avail = 0
	case err != nil:
		log.Infof("%s: avail error: %v", d.name, err)
		return 0, err
	}
	avail = clamp(avail, d.bufferSize)
	if d.dir == stream.Output {
		return d.bufferSize - avail, nil
	}
	return avail, nil
}

// DelayFrames is the hardware latency in frames
func (d *Device) DelayFrames() (int, error) {
	if !d.IsOpen() {
		return 0, ErrNotOpen
	}
	delay, err := d.handle.Delay()
	if err != nil {
		return 0, err
	}
	return clamp(delay, d.bufferSize), nil
}

func clamp(v, limit int) int {
	return max(0, min(v, limit))
}

// GetBuffer acquires a window of up to frames frames into the hardware
// buffer. Transient driver states are retried up to MaxMmapBeginAttempts
// times; each recoverable failure other than a suspend counts an underrun.
func (d *Device) GetBuffer(frames int) ([]byte, int, error) {
	if !d.IsOpen() {
		return nil, 0, ErrNotOpen
	}
	for attempt := 0; attempt < MaxMmapBeginAttempts; attempt++ {
		buf, n, err := d.handle.MmapBegin(frames)
		if errors.Is(err, ErrSuspended) {
			if err := AttemptResume(d.handle); err != nil {
				return nil, 0, err
			}
			continue
		}
		if err != nil {
			d.underruns.Add(1)
			if d.handle.Recover(err) == nil {
				continue
			}
			log.Infof("%s: recover failed begin: %v", d.name, err)
			return nil, 0, err
		}
		// Capture can legitimately have nothing right after a resume.
		if n == 0 && d.dir == stream.Output {
			log.Infof("%s: mmap begin returned no frames", d.name)
			return nil, 0, ErrIO
		}
		return buf, n, nil
	}
	return nil, 0, ErrIO
}

// PutBuffer releases frames of the window returned by GetBuffer
func (d *Device) PutBuffer(frames int) error {
	if !d.IsOpen() {
		return ErrNotOpen
	}
	err := d.handle.MmapCommit(frames)
	switch {
	case err == nil:
	case errors.Is(err, ErrSuspended):
		if err := AttemptResume(d.handle); err != nil {
			return err
		}
	default:
		d.underruns.Add(1)
		if rerr := d.handle.Recover(err); rerr != nil {
			log.Errorf("%s: mmap commit: recover failed: %v", d.name, rerr)
			return rerr
		}
	}

	if d.dir == stream.Output && !d.handle.Running() {
		if err := d.handle.Start(); err != nil {
			return fmt.Errorf("start %s: %w", d.name, err)
		}
	}
	return nil
}

// SetChannelMap programs the hardware channel order of an open playback
// device for formats beyond stereo. When no map fits, the native order is
// kept with a warning.
func (d *Device) SetChannelMap() error {
	if d.dir != stream.Output {
		return fmt.Errorf("%w: %s is %s", ErrWrongDirection, d.name, d.dir)
	}
	m, _, err := d.negotiateMap()
	if err != nil {
		log.Warnf("%s: no channel map for %s, using native order: %v", d.name, d.format, err)
		return nil
	}
	if m == nil {
		return nil
	}
	if err := d.handle.SetChannelMap(chmap.WriteMap(m, *d.format)); err != nil {
		log.Warnf("%s: set channel map: %v", d.name, err)
	}
	return nil
}

// GetChannelMap reads the channel order of an open capture device. Without
// an exact map the hardware layout is taken from the closest one and frames
// are converted; with no usable map the device cannot capture.
func (d *Device) GetChannelMap() error {
	if d.dir != stream.Input {
		return fmt.Errorf("%w: %s is %s", ErrWrongDirection, d.name, d.dir)
	}
	m, matched, err := d.negotiateMap()
	if err != nil {
		return fmt.Errorf("channel map %s: %w", d.name, err)
	}
	if m == nil || matched {
		return nil
	}
	f := *d.format
	log.Infof("%s: no exact channel map, converting from %s", d.name, m)
	hw := f
	chmap.ReadLayout(m, &hw)
	d.hwFormat = &hw
	d.convMatrix = chmap.ConvMatrix(hw, f)
	return nil
}

// negotiateMap selects a backend map for the open format. Stereo and mono
// need none and return a nil map.
func (d *Device) negotiateMap() (*chmap.Map, bool, error) {
	if d.format == nil {
		return nil, false, ErrNotOpen
	}
	if d.format.Channels <= 2 {
		return nil, false, nil
	}
	maps, err := d.handle.ChannelMaps()
	if err != nil {
		return nil, false, err
	}
	return d.negotiator.Select(maps, *d.format)
}
