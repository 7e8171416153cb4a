package engine

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/internal/dsp"
	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

const (
	testRate     = 44100
	testChannels = 2
	frameBytes   = 4
)

// fakeHandle is a backend whose hardware level is set by the test. The
// hardware buffer doubles as the mmap window.
type fakeHandle struct {
	mu       sync.Mutex
	dir      stream.Direction
	buffer   int
	queued   int
	availErr error
	hw       []byte
	commits  []int
	closes   int
	drains   int
	running  bool
}

func newFakeHandle(dir stream.Direction, buffer int) *fakeHandle {
	return &fakeHandle{dir: dir, buffer: buffer, hw: make([]byte, buffer*frameBytes)}
}

func (f *fakeHandle) setQueued(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = n
}

func (f *fakeHandle) setAvailErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availErr = err
}

func (f *fakeHandle) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeHandle) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

func (f *fakeHandle) Probe() ([]int, []int, error) {
	return []int{44100, 48000}, []int{1, 2}, nil
}

func (f *fakeHandle) Open() error { return nil }

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.running = false
	return nil
}

func (f *fakeHandle) SetHWParams(iodev.HWParams) (int, error) { return f.buffer, nil }
func (f *fakeHandle) SetSWParams(int) error                   { return nil }

func (f *fakeHandle) Avail() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availErr != nil {
		return 0, f.availErr
	}
	if f.dir == stream.Output {
		return f.buffer - f.queued, nil
	}
	return f.queued, nil
}

func (f *fakeHandle) Delay() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued, nil
}

func (f *fakeHandle) MmapBegin(frames int) ([]byte, int, error) {
	n := min(frames, f.buffer)
	return f.hw[:n*frameBytes], n, nil
}

func (f *fakeHandle) MmapCommit(frames int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, frames)
	return nil
}

func (f *fakeHandle) Resume() error       { return nil }
func (f *fakeHandle) Prepare() error      { return nil }
func (f *fakeHandle) Recover(error) error { return nil }

func (f *fakeHandle) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	f.running = false
	return nil
}

func (f *fakeHandle) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeHandle) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeHandle) ChannelMaps() ([]*chmap.Map, error) { return nil, chmap.ErrNoChannelMaps }
func (f *fakeHandle) SetChannelMap(*chmap.Map) error     { return nil }

// recorder collects notifications
type recorder struct {
	mu       sync.Mutex
	requests []int
	ready    []int
}

func (r *recorder) RequestAudio(_ *stream.Stream, frames int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, frames)
	return true
}

func (r *recorder) AudioReady(_ *stream.Stream, frames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, frames)
}

// countingDSP records how the engine drives a pipeline that doubles every
// sample
type countingDSP struct {
	pipeline *doubler
	gets     int
	puts     int
}

func (c *countingDSP) GetPipeline() dsp.Pipeline {
	c.gets++
	if c.pipeline == nil {
		return nil
	}
	return c.pipeline
}

func (c *countingDSP) PutPipeline(dsp.Pipeline) { c.puts++ }

type doubler struct {
	src, sink [][]float32
	sources   int
	sinks     int
	runs      int
	frames    int
}

func newDoubler(channels, block int) *doubler {
	d := &doubler{src: make([][]float32, channels), sink: make([][]float32, channels)}
	for i := range d.src {
		d.src[i] = make([]float32, block)
		d.sink[i] = make([]float32, block)
	}
	return d
}

func (d *doubler) Channels() int { return len(d.src) }

func (d *doubler) SourceBuffer(ch int) []float32 {
	d.sources++
	return d.src[ch]
}

func (d *doubler) SinkBuffer(ch int) []float32 {
	d.sinks++
	return d.sink[ch]
}

func (d *doubler) Run(frames int) {
	d.runs++
	d.frames += frames
	for ch := range d.src {
		for i := 0; i < frames; i++ {
			d.sink[ch][i] = d.src[ch][i] * 2
		}
	}
}

func newTestThread(t *testing.T, dir stream.Direction, buffer, used int) (*Thread, *fakeHandle) {
	t.Helper()
	h := newFakeHandle(dir, buffer)
	dev, err := iodev.New(iodev.Config{Name: "fake", Direction: dir, UsedFrames: used}, h)
	require.NoError(t, err)
	return New(dev, Config{}), h
}

func newTestStream(t *testing.T, dir stream.Direction, cb, buffer int, n stream.Notifier) *stream.Stream {
	t.Helper()
	cfg := stream.Config{
		ClientID:     "test",
		Direction:    dir,
		Format:       audio.NewFormat(audio.FormatS16LE, testRate, testChannels),
		BufferFrames: buffer,
		CbThreshold:  cb,
	}
	area, err := shm.New(stream.AreaConfig(cfg))
	require.NoError(t, err)
	s, err := stream.New(cfg, area, n)
	require.NoError(t, err)
	return s
}

// ramp returns frames of interleaved S16 samples counting up from start
func ramp(frames int, start int16) []byte {
	b := make([]byte, frames*frameBytes)
	for i := 0; i < frames*testChannels; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(start+int16(i)))
	}
	return b
}

func sampleAt(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[i*2:]))
}

// volumeHandle has a player only while open, like the oto backend. It takes
// no lock, so the race detector catches a volume change made off the thread.
type volumeHandle struct {
	*fakeHandle
	player  *int
	applied []int
}

func (v *volumeHandle) SetHWParams(p iodev.HWParams) (int, error) {
	v.player = new(int)
	return v.fakeHandle.SetHWParams(p)
}

func (v *volumeHandle) Close() error {
	v.player = nil
	return v.fakeHandle.Close()
}

func (v *volumeHandle) SetVolume(volume int) {
	if v.player != nil {
		*v.player = volume
	}
	v.applied = append(v.applied, volume)
}
