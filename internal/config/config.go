// ABOUTME: YAML configuration parsing and validation
// ABOUTME: Describes the server, engine tuning, devices with their nodes and DSP, and logging
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Resonate-Protocol/resonated/internal/dsp"
	"github.com/Resonate-Protocol/resonated/internal/engine"
	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

// Device backends
const (
	KindALSA  = "alsa"
	KindEmpty = "empty"
	KindOto   = "oto"
)

type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Engine  EngineConfig   `yaml:"engine"`
	Devices []DeviceConfig `yaml:"devices"`
	Logging LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	MDNS   bool   `yaml:"mdns"`
	TUI    bool   `yaml:"tui"`
	ShmDir string `yaml:"shm_dir"`
}

type EngineConfig struct {
	MinSleepMs              int `yaml:"min_sleep_ms"`
	MaxConsecutiveErrors    int `yaml:"max_consecutive_errors"`
	SleepFuzzFrames         int `yaml:"sleep_fuzz_frames"`
	CaptureExtraSleepFrames int `yaml:"capture_extra_sleep_frames"`
	DrainTimeoutMs          int `yaml:"drain_timeout_ms"`
}

type DeviceConfig struct {
	Kind         string             `yaml:"kind"`
	Name         string             `yaml:"name"`
	Direction    string             `yaml:"direction"`
	BufferFrames int                `yaml:"buffer_frames"`
	UsedFrames   int                `yaml:"used_frames"`
	Nodes        []NodeConfig       `yaml:"nodes"`
	ChannelMaps  []ChannelMapConfig `yaml:"channel_maps"`
	DSP          DSPConfig          `yaml:"dsp"`
}

type NodeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Volume defaults to 100 when absent
	Volume *int `yaml:"volume"`
}

func (n NodeConfig) volume() int {
	if n.Volume == nil {
		return 100
	}
	return *n.Volume
}

type ChannelMapConfig struct {
	Type      string `yaml:"type"`
	Positions string `yaml:"positions"`
}

type DSPConfig struct {
	GainsDB     []float64 `yaml:"gains_db"`
	BlockFrames int       `yaml:"block_frames"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default is the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:   8927,
			MDNS:   true,
			ShmDir: "/dev/shm",
		},
		Engine: EngineConfig{
			MinSleepMs:              1,
			MaxConsecutiveErrors:    engine.MaxConsecutiveErrors,
			SleepFuzzFrames:         engine.SleepFuzzFrames,
			CaptureExtraSleepFrames: engine.CaptureExtraSleepFrames,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "resonated.log",
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late, at device open
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	for i, d := range c.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

func (d DeviceConfig) validate() error {
	switch d.Kind {
	case KindALSA:
		if d.Name == "" {
			return fmt.Errorf("alsa device needs a name like hw:0,0")
		}
	case KindEmpty:
	case KindOto:
		if dir, _ := d.StreamDirection(); dir != stream.Output {
			return fmt.Errorf("oto devices are playback only")
		}
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	if _, err := d.StreamDirection(); err != nil {
		return err
	}
	if d.BufferFrames < 0 || d.UsedFrames < 0 {
		return fmt.Errorf("negative buffer size")
	}
	for _, n := range d.Nodes {
		if v := n.volume(); v < 0 || v > 100 {
			return fmt.Errorf("node %q: volume %d out of range", n.Name, v)
		}
	}
	if _, err := d.Maps(); err != nil {
		return err
	}
	if _, err := d.DSP.Pipeline(); err != nil {
		return err
	}
	return nil
}

// StreamDirection parses the direction field
func (d DeviceConfig) StreamDirection() (stream.Direction, error) {
	return stream.ParseDirection(d.Direction)
}

// Maps parses the advertised channel maps
func (d DeviceConfig) Maps() ([]*chmap.Map, error) {
	var maps []*chmap.Map
	for _, mc := range d.ChannelMaps {
		m, err := chmap.ParseMap(mc.Type, mc.Positions)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, nil
}

// NodeList converts the configured nodes. Nodes are indexed in file order
// and start plugged.
func (d DeviceConfig) NodeList() []iodev.Node {
	nodes := make([]iodev.Node, 0, len(d.Nodes))
	for i, n := range d.Nodes {
		nodes = append(nodes, iodev.Node{
			Index:   i,
			Name:    n.Name,
			Type:    iodev.ParseNodeType(n.Type),
			Volume:  n.volume(),
			Plugged: true,
		})
	}
	return nodes
}

// IODev returns the iodev view of the device settings
func (d DeviceConfig) IODev() iodev.Config {
	dir, _ := d.StreamDirection()
	return iodev.Config{
		Name:         d.Name,
		Direction:    dir,
		BufferFrames: d.BufferFrames,
		UsedFrames:   d.UsedFrames,
	}
}

// Pipeline builds the gain pipeline, or returns nil when no gains are set
func (c DSPConfig) Pipeline() (dsp.Pipeline, error) {
	if len(c.GainsDB) == 0 {
		return nil, nil
	}
	g, err := dsp.NewGain(c.GainsDB, c.BlockFrames)
	if err != nil {
		return nil, fmt.Errorf("dsp: %w", err)
	}
	return g, nil
}

// ReloadDSP reads path again and swaps each device's gains into its holder,
// matched by device name. Devices without a holder need a restart and are
// returned as skipped. Nothing is swapped if any pipeline fails to build.
func ReloadDSP(path string, holders map[string]*dsp.Holder) (skipped []string, err error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	pipelines := make(map[string]dsp.Pipeline, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if _, ok := holders[d.Name]; !ok {
			skipped = append(skipped, d.Name)
			continue
		}
		p, err := d.DSP.Pipeline()
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
		pipelines[d.Name] = p
	}
	for name, p := range pipelines {
		holders[name].Swap(p)
	}
	return skipped, nil
}

// Thread converts the engine section into thread settings
func (e EngineConfig) Thread() engine.Config {
	return engine.Config{
		SleepFuzzFrames:         e.SleepFuzzFrames,
		CaptureExtraSleepFrames: e.CaptureExtraSleepFrames,
		MinSleep:                time.Duration(e.MinSleepMs) * time.Millisecond,
		MaxConsecutiveErrors:    e.MaxConsecutiveErrors,
		DrainTimeout:            time.Duration(e.DrainTimeoutMs) * time.Millisecond,
	}
}
