// ABOUTME: Server-side state of one connected control client
// ABOUTME: Queues outgoing messages and relays engine callbacks for the client's streams
package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Resonate-Protocol/resonated/internal/protocol"
	"github.com/Resonate-Protocol/resonated/internal/stream"
)

// Client represents a connected client
type Client struct {
	ID   string
	Name string
	Conn *websocket.Conn

	sendChan chan interface{}

	mu      sync.Mutex
	closed  bool
	streams map[string]*clientStream
}

// clientStream is a stream owned by a client. Engine callbacks are dropped
// until live is set, so the client never hears about a stream before
// stream/connected.
type clientStream struct {
	s      *stream.Stream
	device int
	live   bool
}

func newClient(id, name string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		Name:     name,
		Conn:     conn,
		sendChan: make(chan interface{}, sendQueueSize),
		streams:  make(map[string]*clientStream),
	}
}

// send queues a message without blocking
func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(msgType, payload)
}

// Must hold mu
func (c *Client) sendLocked(msgType string, payload interface{}) error {
	if c.closed {
		return errSendQueueFull
	}
	select {
	case c.sendChan <- protocol.Message{Type: msgType, Payload: payload}:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *Client) sendError(e protocol.Error) {
	if err := c.send(protocol.TypeError, e); err != nil {
		log.Debugf("error for %s dropped: %v", c.Name, err)
	}
}

// close stops the writer. Later sends fail.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.sendChan)
	}
}

func (c *Client) addStream(cs *clientStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[cs.s.ID().String()] = cs
}

func (c *Client) lookup(id string) (*clientStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.streams[id]
	return cs, ok
}

func (c *Client) removeStream(id string) (*clientStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.streams[id]
	delete(c.streams, id)
	return cs, ok
}

func (c *Client) takeStreams() []*clientStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*clientStream, 0, len(c.streams))
	for id, cs := range c.streams {
		out = append(out, cs)
		delete(c.streams, id)
	}
	return out
}

func (c *Client) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// notify relays an engine callback if the stream has been announced. It
// returns false only when the message was dropped; a stream that is not
// live yet gets its pending request replayed by goLive.
func (c *Client) notify(msgType string, s *stream.Stream, frames int) bool {
	id := s.ID().String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.streams[id]; !ok || !cs.live {
		return true
	}
	if err := c.sendLocked(msgType, protocol.StreamFrames{StreamID: id, Frames: frames}); err != nil {
		log.Warnf("%s: %s for stream %s dropped: %v", c.Name, msgType, id, err)
		return false
	}
	return true
}

// RequestAudio implements stream.Notifier
func (c *Client) RequestAudio(s *stream.Stream, frames int) bool {
	return c.notify(protocol.TypeRequestAudio, s, frames)
}

// AudioReady implements stream.Notifier
func (c *Client) AudioReady(s *stream.Stream, frames int) {
	c.notify(protocol.TypeAudioReady, s, frames)
}

// goLive announces a stream with connected and replays a request the engine
// made before the announcement
func (c *Client) goLive(cs *clientStream, connected protocol.StreamConnected) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs.live = true

	if err := c.sendLocked(protocol.TypeStreamConnected, connected); err != nil {
		return err
	}
	if cs.s.Direction() == stream.Output && cs.s.Area().CallbackPending() {
		return c.sendLocked(protocol.TypeRequestAudio, protocol.StreamFrames{
			StreamID: connected.StreamID,
			Frames:   cs.s.CbThreshold(),
		})
	}
	return nil
}
