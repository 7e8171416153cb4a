// ABOUTME: Server-side handle for one client audio stream
// ABOUTME: Owns the stream's shared buffer and forwards engine notifications
package stream

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

// Direction of audio flow relative to the server
type Direction int

const (
	// Output streams carry audio from a client to a playback device
	Output Direction = iota
	// Input streams carry captured audio to a client
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// ParseDirection accepts "input"/"capture" and "output"/"playback"
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "output", "playback", "":
		return Output, nil
	case "input", "capture":
		return Input, nil
	}
	return Output, fmt.Errorf("unknown direction %q", s)
}

var (
	ErrBadThreshold = errors.New("invalid callback threshold")
	ErrAreaMismatch = errors.New("shared buffer does not match stream format")
)

// Notifier delivers engine events to the client owning a stream. Both calls
// must not block. RequestAudio reports whether the request was queued for
// the client; a dropped request leaves nothing pending.
type Notifier interface {
	RequestAudio(s *Stream, frames int) bool
	AudioReady(s *Stream, frames int)
}

// Config is what a client asks for when it connects a stream
type Config struct {
	ClientID     string
	Direction    Direction
	Format       audio.Format
	BufferFrames int
	CbThreshold  int
	MinCbLevel   int
}

func (c Config) validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.CbThreshold <= 0 {
		return fmt.Errorf("%w: %d", ErrBadThreshold, c.CbThreshold)
	}
	if c.BufferFrames < c.CbThreshold {
		return fmt.Errorf("%w: buffer %d below threshold %d", ErrBadThreshold, c.BufferFrames, c.CbThreshold)
	}
	if c.MinCbLevel < 0 || c.MinCbLevel > c.CbThreshold {
		return fmt.Errorf("%w: min level %d", ErrBadThreshold, c.MinCbLevel)
	}
	return nil
}

// AreaConfig sizes the shared buffer for a stream: each sub-buffer holds the
// stream's buffer frames. Clients are asked for one callback threshold at a
// time, so a sub-buffer may be filled over several requests.
func AreaConfig(cfg Config) shm.Config {
	fb := cfg.Format.FrameBytes()
	return shm.Config{UsedSize: cfg.BufferFrames * fb, FrameBytes: fb}
}

// Stream is one client stream attached to at most one device
type Stream struct {
	id       uuid.UUID
	cfg      Config
	area     *shm.Area
	notifier Notifier

	underruns   atomic.Uint32
	requests    atomic.Uint64
	readyFrames atomic.Uint64
}

// New wraps an existing shared buffer. The area must be sized by AreaConfig.
func New(cfg Config, area *shm.Area, n Notifier) (*Stream, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if area == nil || area.Config() != AreaConfig(cfg) {
		return nil, ErrAreaMismatch
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &Stream{
		id:       uuid.New(),
		cfg:      cfg,
		area:     area,
		notifier: n,
	}, nil
}

func (s *Stream) ID() uuid.UUID           { return s.id }
func (s *Stream) ClientID() string        { return s.cfg.ClientID }
func (s *Stream) Direction() Direction    { return s.cfg.Direction }
func (s *Stream) Format() audio.Format    { return s.cfg.Format }
func (s *Stream) BufferFrames() int       { return s.cfg.BufferFrames }
func (s *Stream) CbThreshold() int        { return s.cfg.CbThreshold }
func (s *Stream) MinCbLevel() int         { return s.cfg.MinCbLevel }
func (s *Stream) Area() *shm.Area         { return s.area }
func (s *Stream) FramesQueued() int       { return s.area.FramesQueued() }
func (s *Stream) Underruns() uint32       { return s.underruns.Load() }
func (s *Stream) Overruns() uint32        { return s.area.Overruns() }
func (s *Stream) AudioRequests() uint64   { return s.requests.Load() }
func (s *Stream) FramesDelivered() uint64 { return s.readyFrames.Load() }

// RequestAudio asks the client for more frames. A request already pending is
// not repeated; the client clears the flag when it has written.
func (s *Stream) RequestAudio(frames int) bool {
	if s.area.CallbackPending() {
		return false
	}
	s.area.SetCallbackPending(true)
	if !s.notifier.RequestAudio(s, frames) {
		// Nobody will clear the flag, so the next pass has to ask again.
		s.area.SetCallbackPending(false)
		return false
	}
	s.requests.Add(1)
	return true
}

// AudioReady tells a capture client that frames were written to its buffer
func (s *Stream) AudioReady(frames int) {
	s.readyFrames.Add(uint64(frames))
	s.notifier.AudioReady(s, frames)
}

// MarkUnderrun records a pass where the stream could not supply its share
func (s *Stream) MarkUnderrun() {
	s.underruns.Add(1)
}

// Close releases the shared buffer mapping and removes its backing file
func (s *Stream) Close() error {
	err := s.area.Close()
	if uerr := s.area.Unlink(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (s *Stream) String() string {
	return fmt.Sprintf("%s %s %s cb=%d", s.id.String()[:8], s.cfg.Direction, s.cfg.Format, s.cfg.CbThreshold)
}

type nopNotifier struct{}

func (nopNotifier) RequestAudio(*Stream, int) bool { return true }
func (nopNotifier) AudioReady(*Stream, int)   {}
