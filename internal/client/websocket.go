// ABOUTME: WebSocket client for the resonated control protocol
// ABOUTME: Handles connection, handshake, and message routing to streams
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Resonate-Protocol/resonated/internal/protocol"
)

const (
	// DefaultPath is where the server listens for control connections
	DefaultPath = "/resonated"

	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// ServerError is a server/error reply
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Config holds client configuration
type Config struct {
	ServerAddr string // host:port
	Path       string
	ClientID   string
	Name       string
	DeviceInfo protocol.DeviceInfo
}

// Client represents a WebSocket client
type Client struct {
	config Config
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	hello     protocol.ServerHello
	pending   map[string]chan connectResult
	streams   map[string]*Stream

	// Devices receives the device list whenever the server sends it. Only
	// the latest list is kept when nobody reads.
	Devices chan protocol.DeviceList
	// Errors receives server errors not tied to a pending request
	Errors chan protocol.Error

	done chan struct{}
}

type connectResult struct {
	connected protocol.StreamConnected
	stream    *Stream
	err       error
}

// NewClient creates a new WebSocket client
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	return &Client{
		config:  config,
		pending: make(map[string]chan connectResult),
		streams: make(map[string]*Stream),
		Devices: make(chan protocol.DeviceList, 1),
		Errors:  make(chan protocol.Error, 10),
		done:    make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	log.Infof("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

// handshake performs the protocol handshake
func (c *Client) handshake() error {
	hello := protocol.ClientHello{
		ClientID:   c.config.ClientID,
		Name:       c.config.Name,
		Version:    protocol.Version,
		DeviceInfo: &c.config.DeviceInfo,
	}
	if err := c.send(protocol.TypeClientHello, hello); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	switch msg.Type {
	case protocol.TypeServerHello:
	case protocol.TypeError:
		var perr protocol.Error
		if err := protocol.DecodePayload(msg.Payload, &perr); err != nil {
			return err
		}
		return &ServerError{Code: perr.Code, Message: perr.Message}
	default:
		return fmt.Errorf("expected server/hello, got %s", msg.Type)
	}

	var serverHello protocol.ServerHello
	if err := protocol.DecodePayload(msg.Payload, &serverHello); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	c.mu.Lock()
	c.hello = serverHello
	c.mu.Unlock()

	log.Infof("Handshake complete with %s (%s)", serverHello.Name, serverHello.ServerID)
	return nil
}

// Server returns the server's hello
func (c *Client) Server() protocol.ServerHello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// send writes one message. gorilla/websocket allows a single writer at a time.
func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(protocol.Message{Type: msgType, Payload: payload})
}

// readMessages reads and routes incoming messages until the connection ends
func (c *Client) readMessages() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debugf("Read error: %v", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("Failed to parse message: %v", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeStreamConnected:
		var connected protocol.StreamConnected
		if err := protocol.DecodePayload(msg.Payload, &connected); err != nil {
			log.Warnf("Bad stream/connected: %v", err)
			return
		}
		c.handleConnected(connected)

	case protocol.TypeRequestAudio, protocol.TypeAudioReady:
		var frames protocol.StreamFrames
		if err := protocol.DecodePayload(msg.Payload, &frames); err != nil {
			log.Warnf("Bad %s: %v", msg.Type, err)
			return
		}
		c.mu.Lock()
		s := c.streams[frames.StreamID]
		c.mu.Unlock()
		if s == nil {
			log.Debugf("%s for unknown stream %s", msg.Type, frames.StreamID)
			return
		}
		s.notify(frames.Frames)

	case protocol.TypeDevices:
		var list protocol.DeviceList
		if err := protocol.DecodePayload(msg.Payload, &list); err != nil {
			log.Warnf("Bad device list: %v", err)
			return
		}
		// Keep only the newest list.
		select {
		case <-c.Devices:
		default:
		}
		c.Devices <- list

	case protocol.TypeError:
		var perr protocol.Error
		if err := protocol.DecodePayload(msg.Payload, &perr); err != nil {
			log.Warnf("Bad server/error: %v", err)
			return
		}
		c.handleError(perr)

	default:
		log.Debugf("Unhandled message type %s", msg.Type)
	}
}

// handleConnected registers the stream before anything else is read, so a
// request_audio right behind stream/connected is not lost
func (c *Client) handleConnected(connected protocol.StreamConnected) {
	c.mu.Lock()
	waiter, ok := c.pending[connected.RequestID]
	delete(c.pending, connected.RequestID)
	var s *Stream
	if ok {
		s = newStream(c, connected)
		c.streams[connected.StreamID] = s
	}
	c.mu.Unlock()

	if !ok {
		// The caller gave up waiting; give the stream back.
		log.Debugf("Dropping unclaimed stream %s", connected.StreamID)
		c.send(protocol.TypeStreamDisconnect, protocol.StreamDisconnect{StreamID: connected.StreamID})
		return
	}
	waiter <- connectResult{connected: connected, stream: s}
}

func (c *Client) handleError(perr protocol.Error) {
	if perr.RequestID != "" {
		c.mu.Lock()
		waiter, ok := c.pending[perr.RequestID]
		delete(c.pending, perr.RequestID)
		c.mu.Unlock()
		if ok {
			waiter <- connectResult{err: &ServerError{Code: perr.Code, Message: perr.Message}}
			return
		}
	}

	log.Warnf("Server error %s: %s", perr.Code, perr.Message)
	select {
	case c.Errors <- perr:
	default:
	}
}

// RequestDevices asks for a fresh device list, delivered on Devices
func (c *Client) RequestDevices() error {
	return c.send(protocol.TypeDevices, struct{}{})
}

// SelectNode makes node the active node of device
func (c *Client) SelectNode(device, node int) error {
	return c.send(protocol.TypeNodeSelect, protocol.NodeSelect{Device: device, Node: node})
}

// SetNodeVolume sets a node's volume, 0..100
func (c *Client) SetNodeVolume(device, node, volume int) error {
	return c.send(protocol.TypeNodeSetVolume, protocol.NodeSetVolume{Device: device, Node: node, Volume: volume})
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and fails pending stream requests
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]chan connectResult)
	conn := c.conn
	c.mu.Unlock()

	for _, waiter := range pending {
		waiter <- connectResult{err: ErrClosed}
	}
	close(c.done)

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
