// ABOUTME: FLAC file source
// ABOUTME: Decodes frames with mewkiz/flac and keeps leftover samples between reads
package decode

import (
	"fmt"
	"io"

	"github.com/mewkiz/flac"
)

// FLACSource reads from a FLAC stream
type FLACSource struct {
	r        io.ReadCloser
	stream   *flac.Stream
	channels int
	bitDepth int
	pending  []int32 // interleaved samples of the current frame not yet returned
}

// NewFLAC creates a source over r. The source owns r.
func NewFLAC(r io.ReadCloser) (*FLACSource, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	return &FLACSource{
		r:        r,
		stream:   stream,
		channels: int(stream.Info.NChannels),
		bitDepth: int(stream.Info.BitsPerSample),
	}, nil
}

func (s *FLACSource) Read(samples []int32) (int, error) {
	want := wholeFrames(len(samples), s.channels)
	read := 0
	for read < want {
		if len(s.pending) == 0 {
			if err := s.nextFrame(); err != nil {
				if err == io.EOF && read > 0 {
					return read, nil
				}
				return read, err
			}
		}
		n := copy(samples[read:want], s.pending)
		s.pending = s.pending[n:]
		read += n
	}
	return read, nil
}

// nextFrame decodes one FLAC frame into pending
func (s *FLACSource) nextFrame() error {
	frame, err := s.stream.ParseNext()
	if err != nil {
		return err
	}
	block := int(frame.BlockSize)
	out := make([]int32, 0, block*s.channels)
	for i := 0; i < block; i++ {
		for ch := 0; ch < s.channels; ch++ {
			out = append(out, to24Bit(frame.Subframes[ch].Samples[i], s.bitDepth))
		}
	}
	s.pending = out
	return nil
}

// to24Bit scales a signed sample of the given bit depth to 24-bit range
func to24Bit(sample int32, bitDepth int) int32 {
	shift := bitDepth - 24
	if shift > 0 {
		return sample >> shift
	}
	return sample << -shift
}

func (s *FLACSource) SampleRate() int { return int(s.stream.Info.SampleRate) }
func (s *FLACSource) Channels() int   { return s.channels }

func (s *FLACSource) Close() error { return s.r.Close() }
