// ABOUTME: TUI update helpers for server
// ABOUTME: Collects client and device thread state and pushes it to the TUI
package server

import (
	"sort"
	"time"
)

const statusInterval = time.Second

// status gathers the current clients and a snapshot of every device thread
func (s *Server) status() ServerStatus {
	s.clientsMu.RLock()
	clients := make([]ClientInfo, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, ClientInfo{
			Name:    client.Name,
			ID:      client.ID,
			Streams: client.streamCount(),
		})
	}
	s.clientsMu.RUnlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })

	ctx, cancel := s.requestContext()
	defer cancel()

	return ServerStatus{
		Name:    s.config.Name,
		Port:    s.config.Port,
		Clients: clients,
		Devices: s.devices.Snapshot(ctx),
	}
}

// updateTUI sends current server state to TUI
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}
	s.tui.Update(s.status())
}

// statusLoop refreshes the TUI so counters move without client activity
func (s *Server) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateTUI()
		}
	}
}
