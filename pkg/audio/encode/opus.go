// ABOUTME: Opus packet file sink
// ABOUTME: Encodes 20ms frames and writes them as length-prefixed packets
package encode

import (
	"encoding/binary"
	"fmt"
	"io"

	"gopkg.in/hraban/opus.v2"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/decode"
)

// maxPacket is the largest packet the encoder is allowed to produce
const maxPacket = 4000

// OpusSink writes a packet file readable by decode.NewOpus
type OpusSink struct {
	w         io.Writer
	encoder   *opus.Encoder
	channels  int
	frameSize int
	pcm       []int16 // buffered samples of the frame being filled
	packet    []byte
}

// NewOpus creates a sink over w and writes the file header. Opus accepts
// 8, 12, 16, 24 and 48kHz only.
func NewOpus(w io.Writer, sampleRate, channels int) (*OpusSink, error) {
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	hdr := make([]byte, decode.OpusHeaderSize)
	copy(hdr, decode.OpusMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(sampleRate))
	binary.LittleEndian.PutUint16(hdr[8:], uint16(channels))
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}

	frameSize := sampleRate / 50 // 20ms frame
	return &OpusSink{
		w:         w,
		encoder:   encoder,
		channels:  channels,
		frameSize: frameSize,
		pcm:       make([]int16, 0, frameSize*channels),
		packet:    make([]byte, maxPacket),
	}, nil
}

func (s *OpusSink) Write(samples []int32) error {
	full := s.frameSize * s.channels
	for _, v := range samples {
		s.pcm = append(s.pcm, audio.SampleToInt16(v))
		if len(s.pcm) == full {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *OpusSink) flush() error {
	n, err := s.encoder.Encode(s.pcm, s.packet)
	if err != nil {
		return fmt.Errorf("opus encode error: %w", err)
	}
	s.pcm = s.pcm[:0]

	var size [2]byte
	binary.LittleEndian.PutUint16(size[:], uint16(n))
	if _, err := s.w.Write(size[:]); err != nil {
		return err
	}
	_, err = s.w.Write(s.packet[:n])
	return err
}

// Close pads and writes the last partial frame
func (s *OpusSink) Close() error {
	var err error
	if len(s.pcm) > 0 {
		for len(s.pcm) < s.frameSize*s.channels {
			s.pcm = append(s.pcm, 0)
		}
		err = s.flush()
	}
	if c, ok := s.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
