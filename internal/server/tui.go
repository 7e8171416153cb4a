// ABOUTME: Server TUI for displaying devices, streams and connected clients
// ABOUTME: Real-time server status display using bubbletea
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Resonate-Protocol/resonated/internal/engine"
)

// ServerTUI manages the server TUI
type ServerTUI struct {
	mu       sync.Mutex
	program  *tea.Program
	stopped  bool
	updates  chan ServerStatus
	quitChan chan struct{} // Signal to stop the server
}

// ServerStatus holds server state for TUI
type ServerStatus struct {
	Name    string
	Port    int
	Clients []ClientInfo
	Devices []engine.Snapshot
}

// ClientInfo holds client information for display
type ClientInfo struct {
	Name    string
	ID      string
	Streams int
}

// tuiModel is the bubbletea model for server TUI
type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type statusMsg ServerStatus

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))
)

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("resonated"))
	b.WriteString("\n\n")

	field := func(name, value string) {
		b.WriteString(headerStyle.Render(name + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	field("Server", m.status.Name)
	field("Port", fmt.Sprintf("%d", m.status.Port))
	field("Uptime", time.Since(m.startTime).Round(time.Second).String())
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Devices (%d)", len(m.status.Devices))))
	b.WriteString("\n\n")
	for _, d := range m.status.Devices {
		b.WriteString(renderDevice(d))
	}

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Connected Clients (%d)", len(m.status.Clients))))
	b.WriteString("\n\n")

	if len(m.status.Clients) == 0 {
		b.WriteString(valueStyle.Render("  No clients connected"))
		b.WriteString("\n")
	} else {
		for _, client := range m.status.Clients {
			b.WriteString(fmt.Sprintf("  • %s", client.Name))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" (%d streams)", client.Streams)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// renderDevice prints one device line followed by its streams
func renderDevice(d engine.Snapshot) string {
	var b strings.Builder
	format := d.Format
	if format == "" {
		format = "closed"
	}
	b.WriteString(fmt.Sprintf("  [%d] %s ", d.Index, d.Device))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%s %s %s", d.Direction, d.State, format)))
	if d.Format != "" {
		b.WriteString(valueStyle.Render(fmt.Sprintf(" buf=%d used=%d cb=%d", d.BufferSize, d.UsedSize, d.CbThreshold)))
	}
	if d.Underruns > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf(" underruns=%d", d.Underruns)))
	}
	b.WriteString("\n")

	for _, s := range d.Streams {
		id := s.ID.String()[:8]
		if s.Draining {
			b.WriteString(valueStyle.Render(fmt.Sprintf("      %s draining", id)))
			b.WriteString("\n")
			continue
		}
		b.WriteString(valueStyle.Render(fmt.Sprintf("      %s %s queued=%d requests=%d",
			id, s.ClientID, s.FramesQueued, s.AudioRequests)))
		if s.Underruns > 0 || s.Overruns > 0 {
			b.WriteString(warnStyle.Render(fmt.Sprintf(" xruns=%d/%d", s.Underruns, s.Overruns)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// NewServerTUI creates a new server TUI
func NewServerTUI() *ServerTUI {
	return &ServerTUI{
		updates:  make(chan ServerStatus, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the TUI until it quits
func (t *ServerTUI) Start(serverName string, port int) error {
	m := tuiModel{
		status: ServerStatus{
			Name: serverName,
			Port: port,
		},
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}

	program := tea.NewProgram(m, tea.WithAltScreen())
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.program = program
	t.mu.Unlock()

	go func() {
		for status := range t.updates {
			program.Send(statusMsg(status))
		}
	}()

	_, err := program.Run()
	return err
}

// Update sends a status update to the TUI
func (t *ServerTUI) Update(status ServerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.updates <- status:
	default:
		// Don't block if channel is full
	}
}

// Stop stops the TUI
func (t *ServerTUI) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan returns the channel that signals when user wants to quit
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
