// ABOUTME: Bubbletea model for the test client TUI
// ABOUTME: Shows the open stream, its latency and counters, and handles volume keys
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const volumeStep = 5

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	serverName string

	// Stream
	direction string
	format    string
	device    int
	file      string

	// Playback
	volume int
	muted  bool

	// Stats
	latency  time.Duration
	notices  uint64
	frames   uint64
	overruns uint32

	showDebug bool
	streamID  string

	volumeCtrl *VolumeControl

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderStreamInfo())
	b.WriteString(m.renderControls())
	b.WriteString(m.renderStats())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("Connected to %s", m.serverName)
	}
	return fmt.Sprintf(`┌─ Resonate Client ────────────────────────────────────┐
│ Status: %-45s │
├──────────────────────────────────────────────────────┤
`, truncate(connStatus, 45))
}

func (m Model) renderStreamInfo() string {
	if !m.connected || m.format == "" {
		return "│ No stream                                            │\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("│ %-52s │\n", truncate(fmt.Sprintf("%s on device %d", title(m.direction), m.device), 52)))
	if m.file != "" {
		b.WriteString(fmt.Sprintf("│   File:   %-42s │\n", truncate(m.file, 42)))
	}
	b.WriteString(fmt.Sprintf("│   Format: %-42s │\n", truncate(m.format, 42)))
	return b.String()
}

func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " (muted)"
	}
	return fmt.Sprintf("│                                                      │\n"+
		"│ Volume: [%s] %3d%%%-23s │\n",
		renderBar(m.volume, 100, 10), m.volume, muteIcon)
}

func (m Model) renderStats() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Latency: %-44s │
│ Notices: %-8d Frames: %-12d Overruns: %-4d │
`, m.latency.Round(time.Microsecond), m.notices, m.frames, m.overruns)
}

func (m Model) renderHelp() string {
	return `│ ↑/↓:Volume  m:Mute  d:Debug  q:Quit                  │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) renderDebug() string {
	return fmt.Sprintf("│ DEBUG: stream %-39s │\n", truncate(m.streamID, 39))
}

// handleKey handles keyboard input. Volume changes are forwarded to the
// stream through VolumeControl.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.volumeCtrl != nil {
			select {
			case m.volumeCtrl.Quit <- QuitMsg{}:
			default:
			}
		}
		return m, tea.Quit
	case "up":
		m.volume = min(m.volume+volumeStep, 100)
		m.sendVolume()
	case "down":
		m.volume = max(m.volume-volumeStep, 0)
		m.sendVolume()
	case "m":
		m.muted = !m.muted
		m.sendVolume()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) sendVolume() {
	if m.volumeCtrl == nil {
		return
	}
	select {
	case m.volumeCtrl.Changes <- VolumeChangeMsg{Volume: m.volume, Muted: m.muted}:
	default:
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
	if msg.StreamID != "" {
		m.streamID = msg.StreamID
		m.direction = msg.Direction
		m.format = msg.Format
		m.device = msg.Device
		m.file = msg.File
	}
	if msg.Latency != 0 {
		m.latency = msg.Latency
	}
	if msg.Frames != 0 {
		m.notices = msg.Notices
		m.frames = msg.Frames
		m.overruns = msg.Overruns
	}
}

// StatusMsg updates TUI state. Zero fields leave the current value alone.
type StatusMsg struct {
	Connected  *bool
	ServerName string
	StreamID   string
	Direction  string
	Format     string
	Device     int
	File       string
	Latency    time.Duration
	Notices    uint64
	Frames     uint64
	Overruns   uint32
}

func renderBar(value, max, width int) string {
	filled := (value * width) / max
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func title(s string) string {
	if s == "" {
		return "Stream"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
