// ABOUTME: Control protocol message type definitions
// ABOUTME: JSON messages exchanged over the websocket next to the shared audio buffers
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// Version is the control protocol version sent in both hellos
const Version = 1

// Message types
const (
	TypeClientHello      = "client/hello"
	TypeServerHello      = "server/hello"
	TypeStreamConnect    = "stream/connect"
	TypeStreamConnected  = "stream/connected"
	TypeStreamDisconnect = "stream/disconnect"
	TypeRequestAudio     = "stream/request_audio"
	TypeAudioReady       = "stream/audio_ready"
	TypeDataReady        = "stream/data_ready"
	TypeDevices          = "server/devices"
	TypeNodeSelect       = "node/select"
	TypeNodeSetVolume    = "node/set_volume"
	TypeError            = "server/error"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// DecodePayload converts a decoded message payload, usually a
// map[string]interface{}, into the concrete type v points to
func DecodePayload(payload interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	ClientID   string      `json:"client_id"`
	Name       string      `json:"name"`
	Version    int         `json:"version"`
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// ServerHello is the server's response to client/hello. ShmDir is where
// stream buffers are created; clients attach to them by name there.
type ServerHello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	ShmDir   string `json:"shm_dir"`
}

// AudioFormat is a PCM format on the wire. Layout lists channel names in
// slot order; empty means the default layout.
type AudioFormat struct {
	SampleFormat string   `json:"sample_format"`
	SampleRate   int      `json:"sample_rate"`
	Channels     int      `json:"channels"`
	Layout       []string `json:"layout,omitempty"`
}

// FormatFromAudio describes f for the wire
func FormatFromAudio(f audio.Format) AudioFormat {
	af := AudioFormat{
		SampleFormat: f.SampleFormat.String(),
		SampleRate:   f.Rate,
		Channels:     f.Channels,
	}
	if f.Layout != audio.DefaultLayout(f.Channels) {
		for slot := 0; slot < f.Channels; slot++ {
			if ch := f.ChannelAt(slot); ch >= 0 {
				af.Layout = append(af.Layout, ch.String())
			} else {
				af.Layout = append(af.Layout, "")
			}
		}
	}
	return af
}

// Audio converts the wire format back and validates it
func (a AudioFormat) Audio() (audio.Format, error) {
	sf, err := audio.ParseSampleFormat(a.SampleFormat)
	if err != nil {
		return audio.Format{}, err
	}
	f := audio.NewFormat(sf, a.SampleRate, a.Channels)
	if len(a.Layout) > 0 {
		f.Layout = audio.EmptyLayout()
		for slot, name := range a.Layout {
			if name == "" {
				continue
			}
			ch, err := audio.ParseChannel(name)
			if err != nil {
				return audio.Format{}, err
			}
			f.Layout[ch] = slot
		}
	}
	if err := f.Validate(); err != nil {
		return audio.Format{}, err
	}
	return f, nil
}

// StreamConnect asks the server for a new stream. RequestID is chosen by the
// client and echoed in the reply. A negative DeviceIndex picks the default
// device for the direction.
type StreamConnect struct {
	RequestID    string      `json:"request_id"`
	Direction    string      `json:"direction"`
	Format       AudioFormat `json:"format"`
	BufferFrames int         `json:"buffer_frames"`
	CbThreshold  int         `json:"cb_threshold"`
	MinCbLevel   int         `json:"min_cb_level,omitempty"`
	DeviceIndex  int         `json:"device_index"`
}

// StreamConnected describes the shared buffer the client must attach to.
// Format may differ from the requested one when the device could not match it.
type StreamConnected struct {
	RequestID     string      `json:"request_id"`
	StreamID      string      `json:"stream_id"`
	DeviceIndex   int         `json:"device_index"`
	Format        AudioFormat `json:"format"`
	ShmName       string      `json:"shm_name"`
	UsedSize      int         `json:"used_size"`
	FrameBytes    int         `json:"frame_bytes"`
	LayoutVersion int         `json:"layout_version"`
}

// StreamDisconnect ends a stream
type StreamDisconnect struct {
	StreamID string `json:"stream_id"`
}

// StreamFrames carries a frame count for one stream. It is the payload of
// request_audio, audio_ready and data_ready.
type StreamFrames struct {
	StreamID string `json:"stream_id"`
	Frames   int    `json:"frames"`
}

// DeviceList is the payload of server/devices
type DeviceList struct {
	Devices []DeviceDesc `json:"devices"`
}

// DeviceDesc describes one registered device
type DeviceDesc struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Direction  string     `json:"direction"`
	Rates      []int      `json:"rates"`
	Channels   []int      `json:"channels"`
	ActiveNode int        `json:"active_node"`
	Nodes      []NodeDesc `json:"nodes"`
}

// NodeDesc describes one node of a device
type NodeDesc struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Volume  int    `json:"volume"`
	Plugged bool   `json:"plugged"`
}

// NodeSelect makes a node the active one
type NodeSelect struct {
	Device int `json:"device"`
	Node   int `json:"node"`
}

// NodeSetVolume sets a node's volume, 0..100
type NodeSetVolume struct {
	Device int `json:"device"`
	Node   int `json:"node"`
	Volume int `json:"volume"`
}

// Error reports a failed request. RequestID or StreamID is set when the
// error belongs to one.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
}

// Error codes
const (
	CodeBadRequest    = "bad_request"
	CodeUnknownDevice = "unknown_device"
	CodeUnknownStream = "unknown_stream"
	CodeUnknownNode   = "unknown_node"
	CodeBusy          = "busy"
	CodeUnsupported   = "unsupported_format"
	CodeInternal      = "internal"
	CodeDuplicateID   = "duplicate_client_id"
)
