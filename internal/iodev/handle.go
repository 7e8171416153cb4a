// ABOUTME: Backend capability interface implemented by each driver
// ABOUTME: Backend errors are classified through the sentinel errors below
package iodev

import (
	"errors"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

var (
	// ErrSuspended means the system suspended the device and it must be resumed
	ErrSuspended = errors.New("device suspended")
	// ErrXrun is an underflow or overflow the backend may recover from
	ErrXrun = errors.New("device xrun")
	// ErrAgain means the operation should be retried shortly
	ErrAgain = errors.New("device busy, try again")
	// ErrBusyDevice means another process holds the device
	ErrBusyDevice = errors.New("device in use")
)

// HWParams is what a backend is asked to program on open
type HWParams struct {
	Format       audio.Format
	BufferFrames int
	PeriodFrames int
}

// Handle is one driver backend instance: an ALSA PCM, a silence generator or
// any other endpoint. A Handle is only used from its device's thread.
type Handle interface {
	// Probe returns the supported rates and channel counts
	Probe() (rates []int, channels []int, err error)

	Open() error
	Close() error

	// SetHWParams programs format, rate, channel count and interleaved
	// access. It returns the buffer size the hardware accepted.
	SetHWParams(p HWParams) (bufferFrames int, err error)
	SetSWParams(bufferFrames int) error

	// Avail is the number of frames that can be written (playback) or
	// read (capture) right now
	Avail() (int, error)
	Delay() (int, error)

	// MmapBegin returns a window of up to frames frames into the hardware
	// buffer. MmapCommit releases frames of it.
	MmapBegin(frames int) ([]byte, int, error)
	MmapCommit(frames int) error

	Resume() error
	Prepare() error
	// Recover tries to bring the stream back after err. A nil return means
	// the caller may retry.
	Recover(err error) error
	Start() error
	Drain() error
	Running() bool

	ChannelMaps() ([]*chmap.Map, error)
	SetChannelMap(m *chmap.Map) error
}

// VolumeSetter is implemented by backends that can scale their own output
type VolumeSetter interface {
	SetVolume(volume int)
}
