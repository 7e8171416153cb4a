package iodev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

type fakeHandle struct {
	rates    []int
	channels []int
	buffer   int

	opened   bool
	opens    int
	closes   int
	running  bool
	hw       HWParams
	avail    int
	availErr error
	delay    int

	window     []byte
	beginErrs  []error
	beginN     int
	commitErr  error
	recoverErr error
	recovers   int
	resumeErrs []error
	resumes    int
	prepares   int
	starts     int

	maps    []*chmap.Map
	mapsErr error
	setMap  *chmap.Map
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		rates:    []int{44100, 48000},
		channels: []int{1, 2, 6},
		buffer:   1024,
		beginN:   -1,
	}
}

func (f *fakeHandle) Probe() ([]int, []int, error) { return f.rates, f.channels, nil }

func (f *fakeHandle) Open() error {
	f.opened = true
	f.opens++
	return nil
}

func (f *fakeHandle) Close() error {
	f.opened = false
	f.running = false
	f.closes++
	return nil
}

func (f *fakeHandle) SetHWParams(p HWParams) (int, error) {
	f.hw = p
	return f.buffer, nil
}

func (f *fakeHandle) SetSWParams(int) error { return nil }
func (f *fakeHandle) Avail() (int, error)   { return f.avail, f.availErr }
func (f *fakeHandle) Delay() (int, error)   { return f.delay, nil }

func (f *fakeHandle) MmapBegin(frames int) ([]byte, int, error) {
	if len(f.beginErrs) > 0 {
		err := f.beginErrs[0]
		f.beginErrs = f.beginErrs[1:]
		if err != nil {
			return nil, 0, err
		}
	}
	n := frames
	if f.beginN >= 0 {
		n = min(n, f.beginN)
	}
	fb := f.hw.Format.FrameBytes()
	if len(f.window) < n*fb {
		f.window = make([]byte, n*fb)
	}
	return f.window[:n*fb], n, nil
}

func (f *fakeHandle) MmapCommit(int) error { return f.commitErr }

func (f *fakeHandle) Resume() error {
	f.resumes++
	if len(f.resumeErrs) > 0 {
		err := f.resumeErrs[0]
		f.resumeErrs = f.resumeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeHandle) Prepare() error { f.prepares++; return nil }

func (f *fakeHandle) Recover(error) error {
	f.recovers++
	return f.recoverErr
}

func (f *fakeHandle) Start() error  { f.starts++; f.running = true; return nil }
func (f *fakeHandle) Drain() error  { f.running = false; return nil }
func (f *fakeHandle) Running() bool { return f.running }

func (f *fakeHandle) ChannelMaps() ([]*chmap.Map, error) { return f.maps, f.mapsErr }
func (f *fakeHandle) SetChannelMap(m *chmap.Map) error   { f.setMap = m; return nil }

// stubSleep records sleeps instead of waiting
func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	saved := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = saved })
	return &slept
}

func newTestDevice(t *testing.T, dir stream.Direction) (*Device, *fakeHandle) {
	t.Helper()
	h := newFakeHandle()
	d, err := New(Config{Name: "fake", Direction: dir}, h)
	require.NoError(t, err)
	return d, h
}

func newTestStream(t *testing.T, dir stream.Direction, channels, cb int) *stream.Stream {
	t.Helper()
	cfg := stream.Config{
		ClientID:     "test",
		Direction:    dir,
		Format:       audio.NewFormat(audio.FormatS16LE, 48000, channels),
		BufferFrames: cb * 2,
		CbThreshold:  cb,
	}
	area, err := shm.New(stream.AreaConfig(cfg))
	require.NoError(t, err)
	s, err := stream.New(cfg, area, nil)
	require.NoError(t, err)
	return s
}
