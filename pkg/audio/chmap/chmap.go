// ABOUTME: Channel map negotiation between the engine's layout and device maps
// ABOUTME: Exact, free-order, paired-swap and conversion-matrix best-effort matching
package chmap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// Type is the reordering capability a device advertises for a map
type Type int

const (
	TypeNone Type = iota
	// TypeFixed maps cannot be reordered
	TypeFixed
	// TypeVar maps accept any order of their positions
	TypeVar
	// TypePaired maps can only swap adjacent pairs
	TypePaired
)

func (t Type) String() string {
	switch t {
	case TypeFixed:
		return "fixed"
	case TypeVar:
		return "var"
	case TypePaired:
		return "paired"
	}
	return "none"
}

// Position is a channel position in the driver's numbering. Channel roles
// start at 3; lower values are "unknown", "n/a" and "mono".
type Position int

const (
	PosUnknown Position = 0
	PosNA      Position = 1
	PosMono    Position = 2

	posOffset = 3
)

// PosFromChannel converts a channel role to its driver position
func PosFromChannel(ch audio.Channel) Position {
	return Position(ch) + posOffset
}

// Channel converts a position back to a channel role. ok is false for
// positions with no role.
func (p Position) Channel() (audio.Channel, bool) {
	ch := audio.Channel(p - posOffset)
	if ch < 0 || ch >= audio.ChMax {
		return -1, false
	}
	return ch, true
}

// Map is one channel map advertised by a device
type Map struct {
	Type      Type
	Positions []Position
}

// Channels is the number of positions in the map
func (m *Map) Channels() int {
	return len(m.Positions)
}

func (m *Map) String() string {
	names := make([]string, len(m.Positions))
	for i, p := range m.Positions {
		if ch, ok := p.Channel(); ok {
			names[i] = ch.String()
		} else {
			names[i] = fmt.Sprintf("?%d", int(p))
		}
	}
	return fmt.Sprintf("%s[%s]", m.Type, strings.Join(names, " "))
}

// ParseMap reads a map from a type name and space separated role names, as
// written in the config file: ParseMap("var", "FL FR RL RR FC LFE")
func ParseMap(typ, positions string) (*Map, error) {
	m := &Map{}
	switch strings.ToLower(typ) {
	case "fixed", "":
		m.Type = TypeFixed
	case "var":
		m.Type = TypeVar
	case "paired":
		m.Type = TypePaired
	default:
		return nil, fmt.Errorf("unknown channel map type %q", typ)
	}
	for _, name := range strings.Fields(positions) {
		ch, err := audio.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		m.Positions = append(m.Positions, PosFromChannel(ch))
	}
	if len(m.Positions) == 0 {
		return nil, fmt.Errorf("empty channel map")
	}
	return m, nil
}

var (
	ErrNoChannelMaps = errors.New("device exposes no channel maps")
	ErrNoMatch       = errors.New("no usable channel map")
)

// MatrixBuilder builds a channel conversion matrix, returning nil when the
// conversion is unsupported
type MatrixBuilder func(in, out audio.Format) [][]float32

// Negotiator selects a device channel map for a format
type Negotiator struct {
	BuildMatrix MatrixBuilder
}

// NewNegotiator returns a negotiator using ConvMatrix for the best-effort path
func NewNegotiator() Negotiator {
	return Negotiator{BuildMatrix: ConvMatrix}
}

// Match looks for a map that fits the format's layout without conversion:
// exact order first, then any map that can be reordered into it.
func Match(maps []*Map, f audio.Format) *Map {
	for _, m := range maps {
		if m.Channels() != f.Channels {
			continue
		}
		if exactOrder(m, f) {
			return m
		}
	}

	for _, m := range maps {
		if m.Type == TypeFixed || m.Channels() != f.Channels {
			continue
		}
		if hasAllRoles(m, f) && m.Type == TypeVar {
			return m
		}
		if pairSwappable(m, f) {
			return m
		}
	}
	return nil
}

func exactOrder(m *Map, f audio.Format) bool {
	for ch, idx := range f.Layout {
		if idx == -1 {
			continue
		}
		if idx >= len(m.Positions) || m.Positions[idx] != PosFromChannel(audio.Channel(ch)) {
			return false
		}
	}
	return true
}

func hasAllRoles(m *Map, f audio.Format) bool {
	for ch, idx := range f.Layout {
		if idx == -1 {
			continue
		}
		found := false
		for _, p := range m.Positions {
			if p == PosFromChannel(audio.Channel(ch)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// pairSwappable reports whether every (even, odd) pair of map positions holds
// two roles that the layout places in one (even, even+1) slot pair. With an
// odd channel count the trailing position only gets the parity check.
func pairSwappable(m *Map, f audio.Format) bool {
	n := m.Channels()
	for i := 0; i < n; i += 2 {
		ch, ok := m.Positions[i].Channel()
		if !ok {
			return false
		}
		slot := f.Layout[ch]
		if slot < 0 || slot&0x01 != 0 {
			return false
		}
		if i+1 >= n {
			break
		}
		next, ok := m.Positions[i+1].Channel()
		if !ok || slot+1 != f.Layout[next] {
			return false
		}
	}
	return true
}

// Best picks the first map of matching channel count for which a conversion
// matrix from f to the map's order can be built
func (n Negotiator) Best(maps []*Map, f audio.Format) *Map {
	build := n.BuildMatrix
	if build == nil {
		build = ConvMatrix
	}
	for _, m := range maps {
		if m.Channels() != f.Channels {
			continue
		}
		trial := f
		trial.Layout = layoutOf(m)
		if build(f, trial) != nil {
			return m
		}
	}
	return nil
}

// Select runs Match and then Best. matched is true when no conversion is
// required.
func (n Negotiator) Select(maps []*Map, f audio.Format) (m *Map, matched bool, err error) {
	if len(maps) == 0 {
		return nil, false, ErrNoChannelMaps
	}
	if m := Match(maps, f); m != nil {
		return m, true, nil
	}
	if m := n.Best(maps, f); m != nil {
		return m, false, nil
	}
	return nil, false, ErrNoMatch
}

// WriteMap returns a copy of m whose positions follow f's layout, ready to be
// programmed into playback hardware
func WriteMap(m *Map, f audio.Format) *Map {
	out := &Map{Type: m.Type, Positions: make([]Position, f.Channels)}
	for i := range out.Positions {
		out.Positions[i] = PosUnknown
		if ch := f.ChannelAt(i); ch >= 0 {
			out.Positions[i] = PosFromChannel(ch)
		}
	}
	return out
}

// ReadLayout fills f's layout from the order of m, so a capture stage can
// convert from the hardware order
func ReadLayout(m *Map, f *audio.Format) {
	f.Layout = layoutOf(m)
}

func layoutOf(m *Map) audio.Layout {
	l := audio.EmptyLayout()
	for i, p := range m.Positions {
		if ch, ok := p.Channel(); ok {
			l[ch] = i
		}
	}
	return l
}
