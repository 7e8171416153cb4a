// ABOUTME: Control server for the audio engine
// ABOUTME: Manages websocket clients, their shared-buffer streams and device node requests
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Resonate-Protocol/resonated/internal/discovery"
	"github.com/Resonate-Protocol/resonated/internal/engine"
	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/protocol"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

const (
	// Path is where the websocket endpoint is served
	Path = discovery.DefaultPath

	// commandTimeout bounds how long a request waits on an audio thread
	commandTimeout = 2 * time.Second

	sendQueueSize = 100
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

var errSendQueueFull = errors.New("client send buffer full")

// Devices is the part of the device registry the server drives
type Devices interface {
	Negotiate(ctx context.Context, index int, dir stream.Direction, req audio.Format) (int, audio.Format, error)
	AttachStream(ctx context.Context, index int, s *stream.Stream) (int, error)
	DetachStream(ctx context.Context, index int, s *stream.Stream) error
	Wake(index int)
	SelectNode(ctx context.Context, device, node int) error
	SetNodeVolume(ctx context.Context, device, node, volume int) error
	Devices(dir stream.Direction) []*iodev.Device
	Snapshot(ctx context.Context) []engine.Snapshot
}

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	UseTUI     bool
}

// Server accepts control connections and turns stream requests into
// shared buffers attached to device threads
type Server struct {
	config   Config
	serverID string
	devices  Devices

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// HTTP server
	httpServer *http.Server
	mux        *http.ServeMux

	// Client management
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// Cancelled on shutdown; bounds requests to the audio threads
	ctx    context.Context
	cancel context.CancelFunc

	// mDNS discovery
	mdnsManager *discovery.Manager

	// TUI
	tui       *ServerTUI
	startTime time.Time

	// Control
	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// New creates a server for the given devices
func New(config Config, devices Devices) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		devices:  devices,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Browser origins are accepted from anywhere; the server
				// is meant for trusted local networks
				origin := r.Header.Get("Origin")
				if origin != "" && origin != "http://localhost" && origin != "http://127.0.0.1" {
					log.Warnf("accepting websocket from origin: %s", origin)
				}
				return true
			},
		},
		clients:   make(map[string]*Client),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
	s.mux.HandleFunc(Path, s.handleWebSocket)
	return s
}

// Handler serves the websocket endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called, the TUI quits or the listener fails
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewServerTUI()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(s.config.Name, s.config.Port); err != nil {
				log.Errorf("TUI failed: %v", err)
			}
		}()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statusLoop()
		}()
	}

	log.Infof("Server starting: %s (ID: %s)", s.config.Name, s.serverID)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        Path,
		})

		if err := s.mdnsManager.Advertise(); err != nil {
			log.Warnf("Failed to start mDNS advertisement: %v", err)
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Infof("WebSocket server listening on %s%s", addr, Path)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	select {
	case <-s.stopChan:
		log.Infof("Server shutting down...")
	case <-tuiQuitChan:
		log.Infof("TUI quit requested, shutting down...")
	case err := <-errChan:
		log.Errorf("HTTP server error: %v", err)
		serverErr = err
	}

	s.Stop()
	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.tui != nil {
		s.tui.Stop()
	}

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by Shutdown
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warnf("HTTP server shutdown error: %v", err)
	}
	s.closeClients()

	s.wg.Wait()
	s.cancel()
	log.Infof("Server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// closeClients drops every connection; their handlers release the streams
func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	log.Debugf("New WebSocket connection from %s", r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(conn)
}

// handleConnection runs the handshake and then the read loop of one client
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		log.Infof("Rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	// Wait for client/hello
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Warnf("Error reading hello: %v", err)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("Error unmarshaling message: %v", err)
		return
	}

	if msg.Type != protocol.TypeClientHello {
		log.Warnf("Expected %s, got %s", protocol.TypeClientHello, msg.Type)
		return
	}

	var hello protocol.ClientHello
	if err := protocol.DecodePayload(msg.Payload, &hello); err != nil {
		log.Warnf("Bad client hello: %v", err)
		return
	}

	if hello.ClientID == "" {
		log.Warnf("Client hello missing ClientID")
		return
	}
	if hello.Name == "" {
		log.Warnf("Client hello missing Name")
		return
	}

	log.Infof("Client hello: %s (ID: %s)", hello.Name, hello.ClientID)

	client := newClient(hello.ClientID, hello.Name, conn)

	// Check for duplicate client ID and register atomically
	s.clientsMu.Lock()
	if existing, exists := s.clients[hello.ClientID]; exists {
		s.clientsMu.Unlock()
		log.Warnf("Client ID %s already connected (name: %s), rejecting duplicate", hello.ClientID, existing.Name)

		errorMsg := protocol.Message{
			Type: protocol.TypeError,
			Payload: protocol.Error{
				Code:    protocol.CodeDuplicateID,
				Message: "Client ID already connected",
			},
		}
		if data, err := json.Marshal(errorMsg); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			conn.WriteMessage(websocket.TextMessage, data)
		}
		return
	}
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	s.updateTUI()

	defer func() {
		s.releaseStreams(client)
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		client.close()
		log.Infof("Client disconnected: %s", client.Name)
		s.updateTUI()
	}()

	serverHello := protocol.ServerHello{
		ServerID: s.serverID,
		Name:     s.config.Name,
		Version:  protocol.Version,
		ShmDir:   shm.Dir,
	}
	if err := client.send(protocol.TypeServerHello, serverHello); err != nil {
		log.Warnf("Error sending server hello: %v", err)
		return
	}
	if err := client.send(protocol.TypeDevices, s.deviceList()); err != nil {
		log.Warnf("Error sending device list: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(client)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("WebSocket error: %v", err)
			}
			break
		}

		s.handleClientMessage(client, data)
	}
}

// clientWriter sends queued messages to the client and keeps the
// connection alive with pings
func (s *Server) clientWriter(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.sendChan:
			if !ok {
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("Error marshaling message: %v", err)
				continue
			}
			client.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("Error writing to %s: %v", client.Name, err)
				client.Conn.Close()
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				client.Conn.Close()
				return
			}
		}
	}
}

// handleClientMessage processes messages from clients
func (s *Server) handleClientMessage(client *Client, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("Error unmarshaling message from %s: %v", client.Name, err)
		return
	}

	switch msg.Type {
	case protocol.TypeStreamConnect:
		s.handleStreamConnect(client, msg.Payload)
	case protocol.TypeStreamDisconnect:
		s.handleStreamDisconnect(client, msg.Payload)
	case protocol.TypeDataReady:
		s.handleDataReady(client, msg.Payload)
	case protocol.TypeNodeSelect:
		s.handleNodeSelect(client, msg.Payload)
	case protocol.TypeNodeSetVolume:
		s.handleNodeSetVolume(client, msg.Payload)
	case protocol.TypeDevices:
		client.send(protocol.TypeDevices, s.deviceList())
	default:
		log.Debugf("Unknown message type from %s: %s", client.Name, msg.Type)
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: "unknown message type " + msg.Type})
	}
}

// broadcast queues a message for every connected client
func (s *Server) broadcast(msgType string, payload interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		if err := c.send(msgType, payload); err != nil {
			log.Debugf("broadcast to %s: %v", c.Name, err)
		}
	}
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, commandTimeout)
}
