// ABOUTME: Audio type definitions
// ABOUTME: Defines sample formats, channel roles and the engine's audio format
package audio

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// SampleFormat is the encoding of a single sample
type SampleFormat int

const (
	FormatS16LE SampleFormat = iota
	FormatS24LE              // 24 bits in a 32-bit container
	FormatS32LE
	FormatS24_3LE // packed 24-bit
)

// BytesPerSample returns the container size of one sample
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatS16LE:
		return 2
	case FormatS24_3LE:
		return 3
	case FormatS24LE, FormatS32LE:
		return 4
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case FormatS16LE:
		return "S16_LE"
	case FormatS24LE:
		return "S24_LE"
	case FormatS32LE:
		return "S32_LE"
	case FormatS24_3LE:
		return "S24_3LE"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// ParseSampleFormat parses names like "S16_LE" as used in config files
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "S16_LE", "s16le", "":
		return FormatS16LE, nil
	case "S24_LE", "s24le":
		return FormatS24LE, nil
	case "S32_LE", "s32le":
		return FormatS32LE, nil
	case "S24_3LE", "s24_3le":
		return FormatS24_3LE, nil
	}
	return 0, fmt.Errorf("unknown sample format %q", s)
}

// Channel is a channel role. The order is part of the shared layout and the
// channel-map numbering, so new roles may only be appended.
type Channel int

const (
	ChFL Channel = iota
	ChFR
	ChRL
	ChRR
	ChFC
	ChLFE
	ChSL
	ChSR
	ChRC
	ChFLC
	ChFRC
	ChMax
)

var channelNames = [ChMax]string{"FL", "FR", "RL", "RR", "FC", "LFE", "SL", "SR", "RC", "FLC", "FRC"}

func (c Channel) String() string {
	if c < 0 || c >= ChMax {
		return fmt.Sprintf("Channel(%d)", int(c))
	}
	return channelNames[c]
}

// ParseChannel converts a role name such as "FL" or "LFE" back to a Channel
func ParseChannel(s string) (Channel, error) {
	for i, name := range channelNames {
		if strings.EqualFold(name, s) {
			return Channel(i), nil
		}
	}
	return -1, fmt.Errorf("unknown channel %q", s)
}

// Layout maps each channel role to its slot in a frame, or -1 when unused
type Layout [ChMax]int

// EmptyLayout returns a layout with every role unused
func EmptyLayout() Layout {
	var l Layout
	for i := range l {
		l[i] = -1
	}
	return l
}

// DefaultLayout assigns the first n roles to slots 0..n-1
func DefaultLayout(n int) Layout {
	l := EmptyLayout()
	for i := 0; i < n && i < int(ChMax); i++ {
		l[i] = i
	}
	return l
}

// Format describes the PCM format of a device or stream
type Format struct {
	SampleFormat SampleFormat
	Rate         int
	Channels     int
	Layout       Layout
}

var (
	ErrBadRate     = errors.New("invalid frame rate")
	ErrBadChannels = errors.New("invalid channel count")
	ErrBadLayout   = errors.New("invalid channel layout")
)

// NewFormat returns a format with the default layout for its channel count
func NewFormat(sf SampleFormat, rate, channels int) Format {
	return Format{
		SampleFormat: sf,
		Rate:         rate,
		Channels:     channels,
		Layout:       DefaultLayout(channels),
	}
}

// FrameBytes is the size of one frame: one sample per channel
func (f Format) FrameBytes() int {
	return f.SampleFormat.BytesPerSample() * f.Channels
}

// Validate checks rate, channel count and that the layout slots are unique
// and within the channel count
func (f Format) Validate() error {
	if f.Rate <= 0 {
		return ErrBadRate
	}
	if f.Channels <= 0 {
		return ErrBadChannels
	}
	if f.SampleFormat.BytesPerSample() == 0 {
		return fmt.Errorf("unsupported sample format %v", f.SampleFormat)
	}
	var seen [ChMax]bool
	for ch, slot := range f.Layout {
		if slot == -1 {
			continue
		}
		if slot < 0 || slot >= f.Channels || slot >= int(ChMax) {
			return fmt.Errorf("%w: %v at slot %d", ErrBadLayout, Channel(ch), slot)
		}
		if seen[slot] {
			return fmt.Errorf("%w: slot %d used twice", ErrBadLayout, slot)
		}
		seen[slot] = true
	}
	return nil
}

// ChannelAt returns the role assigned to slot, or -1
func (f Format) ChannelAt(slot int) Channel {
	for ch, s := range f.Layout {
		if s == slot {
			return Channel(ch)
		}
	}
	return -1
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz %dch", f.SampleFormat, f.Rate, f.Channels)
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}
