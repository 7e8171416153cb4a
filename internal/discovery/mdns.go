// ABOUTME: mDNS service discovery for the audio server
// ABOUTME: The server advertises its control endpoint and clients browse for it
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType is the mDNS service the server advertises
	ServiceType = "_resonated._tcp"
	// DefaultPath is the websocket path advertised in the TXT record
	DefaultPath = "/resonated"

	browseTimeout = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	// Path is the websocket path, DefaultPath when empty
	Path string
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// URL is the websocket address of the server
func (s *ServerInfo) URL() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(s.Host, fmt.Sprint(s.Port)), s.Path)
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// txtRecords is what the advertisement carries besides host and port
func (m *Manager) txtRecords() []string {
	return []string{"path=" + m.config.Path}
}

// Advertise publishes the server until Stop is called
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.txtRecords(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Infof("Advertising %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for servers in the background. Results arrive on Servers.
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := entryToServer(entry)
				if server == nil {
					continue
				}
				log.Debugf("Discovered server: %s at %s", server.Name, server.URL())

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:             ServiceType,
			Domain:              "local",
			Timeout:             browseTimeout,
			Entries:             entries,
			WantUnicastResponse: true,
		}

		if err := mdns.Query(params); err != nil {
			log.Warnf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// entryToServer converts a browse result, or returns nil for entries
// without a usable address
func entryToServer(entry *mdns.ServiceEntry) *ServerInfo {
	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil
	}
	return &ServerInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: host,
		Port: entry.Port,
		Path: pathFromTXT(entry.InfoFields),
	}
}

func pathFromTXT(fields []string) string {
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "path="); ok && v != "" {
			return v
		}
	}
	return DefaultPath
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
