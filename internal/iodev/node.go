// ABOUTME: Nodes are the selectable endpoints of a device (jacks, speakers, mics)
// ABOUTME: Exactly one node per device is active at a time
package iodev

import (
	"errors"
	"fmt"
	"time"
)

// NodeType tags what kind of endpoint a node is
type NodeType int

const (
	NodeUnknown NodeType = iota
	NodeSpeaker
	NodeHeadphone
	NodeMic
	NodeInternalMic
	NodeHDMI
	NodeUSB
)

var nodeTypeNames = map[NodeType]string{
	NodeUnknown:     "unknown",
	NodeSpeaker:     "speaker",
	NodeHeadphone:   "headphone",
	NodeMic:         "mic",
	NodeInternalMic: "internal_mic",
	NodeHDMI:        "hdmi",
	NodeUSB:         "usb",
}

func (t NodeType) String() string {
	if s, ok := nodeTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseNodeType is the inverse of String; unrecognised names are NodeUnknown
func ParseNodeType(s string) NodeType {
	for t, name := range nodeTypeNames {
		if name == s {
			return t
		}
	}
	return NodeUnknown
}

var (
	ErrNodeExists  = errors.New("node index already exists")
	ErrUnknownNode = errors.New("unknown node")
)

// Node is one selectable endpoint
type Node struct {
	Index       int
	Name        string
	Type        NodeType
	Volume      int // 0..100
	CaptureGain int // dBFS * 100
	Plugged     bool
	PluggedAt   time.Time
}

// AddNode appends a node. The first node added becomes active.
func (d *Device) AddNode(n Node) error {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	for _, existing := range d.nodes {
		if existing.Index == n.Index {
			return fmt.Errorf("%w: %d", ErrNodeExists, n.Index)
		}
	}
	d.nodes = append(d.nodes, &n)
	if len(d.nodes) == 1 {
		d.active = n.Index
	}
	log.Debugf("%s: added node %d %q", d.name, n.Index, n.Name)
	return nil
}

// RemoveNode drops a node. Removing the active node activates the first
// remaining one.
func (d *Device) RemoveNode(index int) error {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	for i, n := range d.nodes {
		if n.Index != index {
			continue
		}
		d.nodes = append(d.nodes[:i], d.nodes[i+1:]...)
		if d.active == index {
			d.active = -1
			if len(d.nodes) > 0 {
				d.active = d.nodes[0].Index
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownNode, index)
}

// SetActiveNode selects which endpoint the device plays to or records from
func (d *Device) SetActiveNode(index int) error {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	if d.findNode(index) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownNode, index)
	}
	d.active = index
	d.applyVolume(d.findNode(index).Volume)
	log.Infof("%s: active node %d", d.name, index)
	return nil
}

func (d *Device) applyVolume(volume int) {
	if vs, ok := d.handle.(VolumeSetter); ok {
		vs.SetVolume(volume)
	}
}

// SetNodeVolume clamps volume to 0..100
func (d *Device) SetNodeVolume(index, volume int) error {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	n := d.findNode(index)
	if n == nil {
		return fmt.Errorf("%w: %d", ErrUnknownNode, index)
	}
	n.Volume = max(0, min(100, volume))
	if index == d.active {
		d.applyVolume(n.Volume)
	}
	return nil
}

// SetNodePlugged records a jack change
func (d *Device) SetNodePlugged(index int, plugged bool) error {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	n := d.findNode(index)
	if n == nil {
		return fmt.Errorf("%w: %d", ErrUnknownNode, index)
	}
	n.Plugged = plugged
	if plugged {
		n.PluggedAt = time.Now()
	}
	return nil
}

// ActiveNode returns a copy of the active node
func (d *Device) ActiveNode() (Node, bool) {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	if n := d.findNode(d.active); n != nil {
		return *n, true
	}
	return Node{}, false
}

// Nodes returns copies of all nodes in insertion order
func (d *Device) Nodes() []Node {
	d.nodeMu.Lock()
	defer d.nodeMu.Unlock()

	out := make([]Node, len(d.nodes))
	for i, n := range d.nodes {
		out[i] = *n
	}
	return out
}

// Must hold nodeMu
func (d *Device) findNode(index int) *Node {
	for _, n := range d.nodes {
		if n.Index == index {
			return n
		}
	}
	return nil
}
