// ABOUTME: Client side of one audio stream
// ABOUTME: Maps the shared buffer announced by the server and answers its requests
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Resonate-Protocol/resonated/internal/protocol"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

// pendingEvents bounds how many request_audio or audio_ready messages queue
// up for a slow reader before the oldest are dropped
const pendingEvents = 32

// StreamOptions describes a stream to open. A negative DeviceIndex uses the
// default device for the direction.
type StreamOptions struct {
	Direction    stream.Direction
	Format       audio.Format
	BufferFrames int
	CbThreshold  int
	MinCbLevel   int
	DeviceIndex  int
}

// Stream is an open stream and its mapped shared buffer
type Stream struct {
	client *Client
	id     string
	device int
	format audio.Format
	area   *shm.Area
	dir    stream.Direction

	events    chan int
	closeOnce sync.Once

	received atomic.Uint64 // requests or ready notices from the server
	moved    atomic.Uint64 // frames written or read
}

func newStream(c *Client, connected protocol.StreamConnected) *Stream {
	return &Stream{
		client: c,
		id:     connected.StreamID,
		device: connected.DeviceIndex,
		events: make(chan int, pendingEvents),
	}
}

// OpenStream asks the server for a stream and attaches to its buffer
func (c *Client) OpenStream(ctx context.Context, opts StreamOptions) (*Stream, error) {
	reqID := uuid.New().String()
	waiter := make(chan connectResult, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[reqID] = waiter
	c.mu.Unlock()

	req := protocol.StreamConnect{
		RequestID:    reqID,
		Direction:    opts.Direction.String(),
		Format:       protocol.FormatFromAudio(opts.Format),
		BufferFrames: opts.BufferFrames,
		CbThreshold:  opts.CbThreshold,
		MinCbLevel:   opts.MinCbLevel,
		DeviceIndex:  opts.DeviceIndex,
	}
	if err := c.send(protocol.TypeStreamConnect, req); err != nil {
		c.forget(reqID)
		return nil, err
	}

	var res connectResult
	select {
	case res = <-waiter:
	case <-ctx.Done():
		c.forget(reqID)
		// The reply may have landed while giving up.
		select {
		case res = <-waiter:
			if res.stream != nil {
				res.stream.Close()
			}
		default:
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	s := res.stream
	s.dir = opts.Direction
	if err := s.attach(c.Server().ShmDir, res.connected); err != nil {
		s.Close()
		return nil, err
	}
	log.Infof("Stream %s on device %d: %s", s.id, s.device, s.format)
	return s, nil
}

func (c *Client) forget(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// attach maps the announced buffer and checks it matches the announcement
func (s *Stream) attach(dir string, connected protocol.StreamConnected) error {
	format, err := connected.Format.Audio()
	if err != nil {
		return fmt.Errorf("server sent bad format: %w", err)
	}
	if connected.LayoutVersion != shm.LayoutVersion {
		return fmt.Errorf("%w: server %d, client %d", shm.ErrVersion, connected.LayoutVersion, shm.LayoutVersion)
	}
	if dir == "" {
		dir = shm.Dir
	}
	area, err := shm.AttachAt(dir, connected.ShmName)
	if err != nil {
		return fmt.Errorf("attach %s: %w", connected.ShmName, err)
	}
	cfg := area.Config()
	if cfg.UsedSize != connected.UsedSize || cfg.FrameBytes != connected.FrameBytes ||
		cfg.FrameBytes != format.FrameBytes() {
		area.Close()
		return fmt.Errorf("%w: buffer %d/%d does not match announced %d/%d", shm.ErrBadConfig,
			cfg.UsedSize, cfg.FrameBytes, connected.UsedSize, connected.FrameBytes)
	}
	s.format = format
	s.area = area
	return nil
}

// notify queues a frame count from the server, dropping the oldest when
// the reader is behind
func (s *Stream) notify(frames int) {
	s.received.Add(1)
	for {
		select {
		case s.events <- frames:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Stream) ID() string                  { return s.id }
func (s *Stream) DeviceIndex() int            { return s.device }
func (s *Stream) Direction() stream.Direction { return s.dir }

// Format is the format the server settled on, which may differ from the
// requested one
func (s *Stream) Format() audio.Format { return s.format }

// Area is the mapped shared buffer
func (s *Stream) Area() *shm.Area { return s.area }

// Events delivers request_audio frame counts for playback streams and
// audio_ready frame counts for capture streams
func (s *Stream) Events() <-chan int { return s.events }

// Write copies whole frames into the buffer and tells the server they are
// there. It returns the frames written.
func (s *Stream) Write(p []byte) (int, error) {
	n := s.area.Write(p)
	s.moved.Add(uint64(n))
	s.area.SetCallbackPending(false)
	if err := s.client.send(protocol.TypeDataReady, protocol.StreamFrames{StreamID: s.id, Frames: n}); err != nil {
		return n, err
	}
	return n, nil
}

// Read consumes captured frames into p and returns the frames read
func (s *Stream) Read(p []byte) int {
	n := s.area.Read(p)
	s.moved.Add(uint64(n))
	return n
}

// Stats reports how many notices the server sent and how many frames the
// client moved through the buffer
func (s *Stream) Stats() (notices, frames uint64) {
	return s.received.Load(), s.moved.Load()
}

// Latency is how far the client is from the hardware. For playback it is
// the time until the next written frame plays; for capture, the age of the
// oldest frame in the buffer. Zero until the server has stamped the buffer.
func (s *Stream) Latency() time.Duration {
	ts := s.area.Timestamp()
	if ts.Unix() == 0 {
		return 0
	}
	queued := time.Duration(s.area.FramesQueued()) * time.Second / time.Duration(s.format.Rate)
	if s.dir == stream.Output {
		return time.Until(ts) + queued
	}
	return time.Since(ts) + queued
}

// Close disconnects the stream and unmaps its buffer
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.streams, s.id)
		c.mu.Unlock()

		if sendErr := c.send(protocol.TypeStreamDisconnect, protocol.StreamDisconnect{StreamID: s.id}); sendErr != nil && sendErr != ErrNotConnected {
			err = sendErr
		}
		if s.area != nil {
			if cerr := s.area.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
