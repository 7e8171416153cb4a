// ABOUTME: Opus packet file source
// ABOUTME: Decodes length-prefixed raw Opus packets written by the encode package
package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gopkg.in/hraban/opus.v2"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// Packet files start with OpusMagic, a little-endian uint32 sample rate and
// a uint16 channel count. Each packet follows as a uint16 length and its bytes.
var OpusMagic = []byte("OPKT")

// OpusHeaderSize is the size of the packet file header
const OpusHeaderSize = 10

// maxOpusFrame is the largest frame a packet can decode to (120ms at 48kHz)
const maxOpusFrame = 5760

var ErrNotOpusPackets = errors.New("not an opus packet file")

// OpusSource reads a packet file
type OpusSource struct {
	r          io.ReadCloser
	decoder    *opus.Decoder
	sampleRate int
	channels   int
	pcm        []int16
	pending    []int16
	packet     []byte
}

// NewOpus creates a source over r. The source owns r.
func NewOpus(r io.ReadCloser) (*OpusSource, error) {
	var hdr [OpusHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotOpusPackets, err)
	}
	if !bytes.Equal(hdr[:4], OpusMagic) {
		return nil, ErrNotOpusPackets
	}
	rate := int(binary.LittleEndian.Uint32(hdr[4:8]))
	channels := int(binary.LittleEndian.Uint16(hdr[8:10]))

	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusSource{
		r:          r,
		decoder:    dec,
		sampleRate: rate,
		channels:   channels,
		pcm:        make([]int16, maxOpusFrame*channels),
	}, nil
}

func (s *OpusSource) Read(samples []int32) (int, error) {
	want := wholeFrames(len(samples), s.channels)
	read := 0
	for read < want {
		if len(s.pending) == 0 {
			if err := s.nextPacket(); err != nil {
				if err == io.EOF && read > 0 {
					return read, nil
				}
				return read, err
			}
		}
		n := want - read
		if n > len(s.pending) {
			n = len(s.pending)
		}
		for i := 0; i < n; i++ {
			samples[read+i] = audio.SampleFromInt16(s.pending[i])
		}
		s.pending = s.pending[n:]
		read += n
	}
	return read, nil
}

// nextPacket reads and decodes one packet into pending
func (s *OpusSource) nextPacket() error {
	var size [2]byte
	if _, err := io.ReadFull(s.r, size[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	n := int(binary.LittleEndian.Uint16(size[:]))
	if cap(s.packet) < n {
		s.packet = make([]byte, n)
	}
	packet := s.packet[:n]
	if _, err := io.ReadFull(s.r, packet); err != nil {
		return fmt.Errorf("truncated opus packet: %w", err)
	}

	frames, err := s.decoder.Decode(packet, s.pcm)
	if err != nil {
		return fmt.Errorf("opus decode failed: %w", err)
	}
	s.pending = s.pcm[:frames*s.channels]
	return nil
}

func (s *OpusSource) SampleRate() int { return s.sampleRate }
func (s *OpusSource) Channels() int   { return s.channels }
func (s *OpusSource) Close() error    { return s.r.Close() }
